// Package llm abstracts the completion provider used for scoring and artifact generation.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client abstracts LLM providers.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Request is a single-turn completion request.
type Request struct {
	System string
	Prompt string
	// JSON asks the provider to return a JSON object.
	JSON bool
}

// Response is the provider's answer.
type Response struct {
	Content      string
	Model        string
	PromptTokens int
	OutputTokens int
}

var (
	// ErrNotImplemented is returned by the placeholder client.
	ErrNotImplemented = errors.New("LLM not implemented")
	// ErrTimeout marks a request that did not finish in time.
	ErrTimeout = errors.New("llm request timeout")
)

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm http status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the provider may succeed on a later call.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// PlaceholderClient is used when no provider is configured.
type PlaceholderClient struct{}

// Complete returns ErrNotImplemented.
func (PlaceholderClient) Complete(ctx context.Context, req Request) (Response, error) {
	_ = ctx
	_ = req
	return Response{}, ErrNotImplemented
}
