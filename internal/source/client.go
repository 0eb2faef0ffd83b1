// Package source fetches posting details from the listing provider's HTTP API.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const httpTimeout = 15 * time.Second

var (
	// ErrNotFound means the posting no longer exists at the source (or was archived).
	ErrNotFound = errors.New("source: posting not found")
	// ErrRateLimited means the source refused the call because of its quota.
	ErrRateLimited = errors.New("source: rate limit exceeded")
	// ErrUnauthorized means the access token was rejected.
	ErrUnauthorized = errors.New("source: unauthorized")
)

// Detail is the subset of the source's posting document the pipeline uses.
type Detail struct {
	ID          string
	Name        string
	Employer    string
	Description string
	KeySkills   []string
	URL         string
	Archived    bool
}

// Client calls GET {base}/vacancies/{id}.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client. A non-empty accessToken is sent as a bearer token.
func NewClient(baseURL, accessToken string) *Client {
	var httpClient *http.Client
	if strings.TrimSpace(accessToken) != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
		httpClient = oauth2.NewClient(context.Background(), ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = httpTimeout
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type vacancyResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Archived    bool   `json:"archived"`
	AltURL      string `json:"alternate_url"`
	Employer    struct {
		Name string `json:"name"`
	} `json:"employer"`
	KeySkills []struct {
		Name string `json:"name"`
	} `json:"key_skills"`
}

// Fetch returns the posting detail. Archived postings are reported as ErrNotFound.
func (c *Client) Fetch(ctx context.Context, postingID string) (Detail, error) {
	endpoint := fmt.Sprintf("%s/vacancies/%s", c.baseURL, url.PathEscape(postingID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Detail{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "posting-pipeline/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return Detail{}, fmt.Errorf("http GET: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Detail{}, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return Detail{}, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return Detail{}, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Detail{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return Detail{}, fmt.Errorf("source returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var v vacancyResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return Detail{}, fmt.Errorf("json unmarshal: %w", err)
	}
	if v.Archived {
		return Detail{}, ErrNotFound
	}
	skills := make([]string, 0, len(v.KeySkills))
	for _, s := range v.KeySkills {
		if name := strings.TrimSpace(s.Name); name != "" {
			skills = append(skills, name)
		}
	}
	return Detail{
		ID:          v.ID,
		Name:        v.Name,
		Employer:    v.Employer.Name,
		Description: v.Description,
		KeySkills:   skills,
		URL:         v.AltURL,
		Archived:    v.Archived,
	}, nil
}
