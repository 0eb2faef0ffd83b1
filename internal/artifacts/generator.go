// Package artifacts drafts the optional cover message for an accepted posting
// and keeps it in the object store.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"posting-pipeline/internal/llm"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/storage/object"
)

const contentType = "text/plain; charset=utf-8"

// ErrEmptyArtifact means the model returned no usable text.
var ErrEmptyArtifact = errors.New("artifact: empty message")

// Artifact is a stored cover message.
type Artifact struct {
	Key  string
	Text string
}

// Generator produces artifacts with the LLM.
type Generator struct {
	client  llm.Client
	store   object.ObjectStore
	profile string
	timeout time.Duration
	newID   func() string
}

// NewGenerator builds a Generator.
func NewGenerator(client llm.Client, store object.ObjectStore, profile string, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Generator{
		client:  client,
		store:   store,
		profile: profile,
		timeout: timeout,
		newID:   func() string { return uuid.NewString() },
	}
}

type coverMessage struct {
	Message string `json:"message"`
}

// Generate makes one attempt: draft, then persist.
func (g *Generator) Generate(ctx context.Context, posting postings.Posting, analysis postings.AnalysisResult) (Artifact, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Complete(callCtx, llm.Request{
		Prompt: llm.CoverMessagePrompt(llm.PromptInput{
			Profile:     g.profile,
			Title:       posting.Title,
			Company:     posting.Company,
			Description: posting.Description,
			Reasoning:   analysis.Reasoning,
		}),
		JSON: true,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("draft cover message: %w", err)
	}

	var msg coverMessage
	if err := json.Unmarshal([]byte(resp.Content), &msg); err != nil {
		return Artifact{}, fmt.Errorf("decode cover message: %w", err)
	}
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return Artifact{}, ErrEmptyArtifact
	}

	key := fmt.Sprintf("artifacts/%s/%s.txt", posting.ID, g.newID())
	if _, err := g.store.Put(ctx, key, contentType, strings.NewReader(text)); err != nil {
		return Artifact{}, fmt.Errorf("store artifact: %w", err)
	}
	return Artifact{Key: key, Text: text}, nil
}

// Load reads a previously stored artifact.
func (g *Generator) Load(ctx context.Context, key string) (Artifact, error) {
	rc, err := g.store.Open(ctx, key)
	if err != nil {
		return Artifact{}, err
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Key: key, Text: string(body)}, nil
}
