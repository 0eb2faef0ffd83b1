package delivery

import (
	"context"
	"sync"
	"time"

	"posting-pipeline/internal/shared/telemetry"
)

const defaultSendTimeout = 10 * time.Second

// async runs sends in the background and lets Close wait for them.
type async struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

func (a *async) run(sink string, d Delivery, send func(ctx context.Context) error) {
	timeout := a.timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// Detached from the worker context: the pipeline does not await delivery.
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := send(ctx); err != nil {
			telemetry.Warn("delivery.publish_failed", map[string]any{
				"sink":       sink,
				"posting_id": d.PostingID,
				"request_id": d.RequestID,
				"error":      err.Error(),
			})
		}
	}()
}

// Close waits for pending sends or until ctx is done.
func (a *async) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
