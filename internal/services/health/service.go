// Package health aggregates dependency checks for the ops /health endpoint.
package health

import (
	"context"
	"sort"
	"time"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// Service runs named checks.
type Service struct {
	timeout time.Duration
	checks  map[string]Check
}

// NewService constructs a health service. Each check gets timeout.
func NewService(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Service{timeout: timeout, checks: make(map[string]Check)}
}

// Register adds a named check. A nil check is ignored.
func (s *Service) Register(name string, check Check) {
	if check != nil {
		s.checks[name] = check
	}
}

// Status runs every check and reports "ok" or the error text per dependency.
func (s *Service) Status(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.checks[name](checkCtx)
		cancel()
		if err != nil {
			out[name] = err.Error()
			healthy = false
			continue
		}
		out[name] = "ok"
	}
	return out, healthy
}
