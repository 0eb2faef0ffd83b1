package scoring

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"posting-pipeline/internal/llm"
	"posting-pipeline/internal/shared/telemetry"
)

const llmRetryBaseDelay = 300 * time.Millisecond

// retryingLLM retries a transient provider failure once after a short delay.
type retryingLLM struct {
	base      llm.Client
	postingID string
	delay     time.Duration
}

func (r retryingLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := r.base.Complete(ctx, req)
	if err == nil || !shouldRetryLLM(err) {
		return resp, err
	}

	telemetry.Warn("scoring.llm_retry", map[string]any{
		"posting_id": r.postingID,
		"attempt":    1,
		"error":      sanitizeError(err),
	})
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return llm.Response{}, ctx.Err()
	}
	return r.base.Complete(ctx, req)
}

func shouldRetryLLM(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return isTransient(err)
}

// isTransient reports timeouts, throttling, 5xx answers and connection failures.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, llm.ErrTimeout) {
		return true
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "server_error") {
		return true
	}
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof")
}

// classify maps a provider error onto the scorer's sentinel errors.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, llm.ErrTimeout):
		return ErrTimeout
	case isTransient(err):
		return ErrServiceUnavailable
	default:
		return nil
	}
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
