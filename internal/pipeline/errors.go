package pipeline

import (
	"context"
	"errors"

	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/metrics"
	"posting-pipeline/internal/shared/telemetry"
	"posting-pipeline/internal/source"
)

// ErrServiceUnavailable is raised when a gate refuses work before any external call.
var ErrServiceUnavailable = errors.New("pipeline: service unavailable")

// Category classifies why a posting stopped where it did.
type Category string

const (
	CategoryTransient   Category = "transient"
	CategoryRateLimited Category = "rate_limited"
	CategoryCircuitOpen Category = "circuit_open"
	CategoryRejected    Category = "rejected"
	CategoryNotFound    Category = "not_found"
	CategoryConflict    Category = "conflict"
	CategoryProgramming Category = "programming"
	CategoryCanceled    Category = "canceled"
)

// categorize maps an error from a port to its Category.
func categorize(err error) Category {
	var illegal *postings.IllegalTransitionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &illegal):
		return CategoryProgramming
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.Is(err, source.ErrNotFound), errors.Is(err, postings.ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, source.ErrRateLimited):
		return CategoryRateLimited
	case errors.Is(err, ErrServiceUnavailable):
		return CategoryCircuitOpen
	case errors.Is(err, postings.ErrConflict):
		return CategoryConflict
	default:
		return CategoryTransient
	}
}

// logOutcome records a terminal or SKIPPED transition.
func logOutcome(event string, p postings.Posting, from postings.Status, category Category, fields map[string]any) {
	out := map[string]any{
		"posting_id": p.ID,
		"from":       string(from),
		"to":         string(p.Status),
	}
	if category != "" {
		out["category"] = string(category)
	}
	for k, v := range fields {
		out[k] = v
	}
	telemetry.Info(event, out)
}

// logFailure records an error that left the posting where it was.
func logFailure(event, postingID string, err error, fields map[string]any) {
	category := categorize(err)
	out := map[string]any{
		"posting_id": postingID,
		"category":   string(category),
		"error":      err,
	}
	for k, v := range fields {
		out[k] = v
	}
	metrics.IncError(string(category))
	if category == CategoryProgramming {
		metrics.IncIllegalTransition()
		telemetry.Error(event, out)
		return
	}
	telemetry.Warn(event, out)
}
