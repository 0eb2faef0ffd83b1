package scoring

import "errors"

var (
	// ErrTimeout means the scoring call did not complete in time.
	ErrTimeout = errors.New("scorer timeout")
	// ErrServiceUnavailable covers 5xx, throttling, connection failures and an open breaker.
	ErrServiceUnavailable = errors.New("scorer unavailable")
	// ErrMalformedResponse means the model answered but the payload was unusable.
	ErrMalformedResponse = errors.New("scorer malformed response")
)
