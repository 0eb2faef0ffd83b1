// Package scoring asks the LLM whether a posting fits the candidate profile.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"posting-pipeline/internal/gates"
	"posting-pipeline/internal/llm"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/metrics"
)

// Result is the decoded scoring verdict.
type Result struct {
	IsAccepted bool
	Score      float64
	Reasoning  string
	Tags       []string
}

// Options configures a Scorer.
type Options struct {
	Profile    string
	Timeout    time.Duration
	RetryDelay time.Duration
}

// Scorer scores postings against a fixed profile and feeds the breaker.
type Scorer struct {
	client  llm.Client
	breaker *gates.CircuitBreaker
	opts    Options
	active  atomic.Int64
}

// NewScorer builds a Scorer. breaker may be nil.
func NewScorer(client llm.Client, breaker *gates.CircuitBreaker, opts Options) *Scorer {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = llmRetryBaseDelay
	}
	return &Scorer{client: client, breaker: breaker, opts: opts}
}

// ActiveCalls reports scoring calls currently in flight.
func (s *Scorer) ActiveCalls() int {
	return int(s.active.Load())
}

// Score returns the verdict for posting. Errors wrap ErrTimeout,
// ErrServiceUnavailable or ErrMalformedResponse when they fall in those classes.
func (s *Scorer) Score(ctx context.Context, posting postings.Posting) (Result, error) {
	done := func(bool) {}
	if s.breaker != nil {
		var err error
		if done, err = s.breaker.Allow(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
	}
	s.active.Add(1)
	defer s.active.Add(-1)

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client := retryingLLM{base: s.client, postingID: posting.ID, delay: s.opts.RetryDelay}
	resp, err := client.Complete(callCtx, llm.Request{
		Prompt: llm.ScorePrompt(llm.PromptInput{
			Profile:     s.opts.Profile,
			Title:       posting.Title,
			Company:     posting.Company,
			Description: posting.Description,
		}),
		JSON: true,
	})
	metrics.ObserveAnalysisDurationMs(float64(time.Since(start).Milliseconds()))
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a provider failure.
			done(true)
			return Result{}, ctx.Err()
		}
		if class := classify(err); class != nil {
			done(false)
			return Result{}, fmt.Errorf("%w: %v", class, err)
		}
		done(true)
		return Result{}, fmt.Errorf("score posting %s: %w", posting.ID, err)
	}
	done(true)

	result, err := decodeResult(resp.Content)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

type rawResult struct {
	IsAccepted *bool    `json:"isAccepted"`
	Score      *float64 `json:"score"`
	Reasoning  string   `json:"reasoning"`
	Tags       []string `json:"tags"`
}

func decodeResult(content string) (Result, error) {
	content = stripCodeFence(content)
	var raw rawResult
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.IsAccepted == nil || raw.Score == nil {
		return Result{}, fmt.Errorf("%w: missing isAccepted or score", ErrMalformedResponse)
	}
	if *raw.Score < 0 || *raw.Score > 1 {
		return Result{}, fmt.Errorf("%w: score %v outside [0,1]", ErrMalformedResponse, *raw.Score)
	}
	tags := make([]string, 0, len(raw.Tags))
	seen := make(map[string]bool, len(raw.Tags))
	for _, t := range raw.Tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		tags = append(tags, t)
	}
	return Result{
		IsAccepted: *raw.IsAccepted,
		Score:      *raw.Score,
		Reasoning:  strings.TrimSpace(raw.Reasoning),
		Tags:       tags,
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
