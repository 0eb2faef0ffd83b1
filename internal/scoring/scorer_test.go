package scoring

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"posting-pipeline/internal/gates"
	"posting-pipeline/internal/llm"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/telemetry"
)

func TestMain(m *testing.M) {
	restore := telemetry.SetOutput(io.Discard)
	code := m.Run()
	restore()
	os.Exit(code)
}

type fakeLLM struct {
	mu        sync.Mutex
	calls     int
	responses []fakeReply
	lastReq   llm.Request
}

type fakeReply struct {
	content string
	err     error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	if r.err != nil {
		return llm.Response{}, r.err
	}
	return llm.Response{Content: r.content}, nil
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var posting = postings.Posting{ID: "p-1", Title: "Go developer", Company: "Acme", Description: "Kafka, PostgreSQL"}

func TestScoreDecodesVerdict(t *testing.T) {
	client := &fakeLLM{responses: []fakeReply{{content: "```json\n{\"isAccepted\":true,\"score\":0.82,\"reasoning\":\" fits \",\"tags\":[\"go\",\"Go\",\" kafka\"]}\n```"}}}
	s := NewScorer(client, nil, Options{Profile: "Go backend engineer"})

	got, err := s.Score(context.Background(), posting)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !got.IsAccepted || got.Score != 0.82 || got.Reasoning != "fits" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "go" || got.Tags[1] != "kafka" {
		t.Fatalf("unexpected tags: %v", got.Tags)
	}
	if !client.lastReq.JSON {
		t.Fatalf("expected JSON request")
	}
	if s.ActiveCalls() != 0 {
		t.Fatalf("active calls should drop back to 0")
	}
}

func TestScoreMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      "sure, it fits",
		"missing score": `{"isAccepted":true}`,
		"out of range":  `{"isAccepted":true,"score":1.7}`,
		"negative":      `{"isAccepted":false,"score":-0.1}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			breaker := gates.NewCircuitBreaker("scorer", 1, time.Minute)
			s := NewScorer(&fakeLLM{responses: []fakeReply{{content: content}}}, breaker, Options{})
			_, err := s.Score(context.Background(), posting)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got %v", err)
			}
			if breaker.State() != gates.BreakerClosed {
				t.Fatalf("a malformed answer must not open the breaker")
			}
		})
	}
}

func TestScoreRetriesTransientOnceThenClassifies(t *testing.T) {
	unavailable := &llm.StatusError{StatusCode: 503, Message: "overloaded"}
	client := &fakeLLM{responses: []fakeReply{{err: unavailable}, {err: unavailable}}}
	breaker := gates.NewCircuitBreaker("scorer", 1, time.Minute)
	s := NewScorer(client, breaker, Options{RetryDelay: time.Millisecond})

	_, err := s.Score(context.Background(), posting)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if client.Calls() != 2 {
		t.Fatalf("expected one retry, got %d calls", client.Calls())
	}
	if breaker.State() != gates.BreakerOpen {
		t.Fatalf("expected breaker to open after threshold")
	}
}

func TestScoreRecoversOnRetry(t *testing.T) {
	client := &fakeLLM{responses: []fakeReply{
		{err: llm.ErrTimeout},
		{content: `{"isAccepted":false,"score":0.2,"reasoning":"php"}`},
	}}
	s := NewScorer(client, nil, Options{RetryDelay: time.Millisecond})

	got, err := s.Score(context.Background(), posting)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got.IsAccepted {
		t.Fatalf("expected rejection verdict")
	}
}

func TestScoreTimeoutClassified(t *testing.T) {
	client := &fakeLLM{responses: []fakeReply{{err: llm.ErrTimeout}}}
	s := NewScorer(client, nil, Options{RetryDelay: time.Millisecond})
	_, err := s.Score(context.Background(), posting)
	if !errors.Is(err, ErrTimeout) || errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestScoreOpenBreakerSkipsCall(t *testing.T) {
	breaker := gates.NewCircuitBreaker("scorer", 1, time.Hour)
	done, err := breaker.Allow()
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	done(false)
	client := &fakeLLM{responses: []fakeReply{{content: `{"isAccepted":true,"score":1}`}}}
	s := NewScorer(client, breaker, Options{})

	_, err = s.Score(context.Background(), posting)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if client.Calls() != 0 {
		t.Fatalf("open breaker must not reach the provider")
	}
}

func TestScoreNonTransientErrorIsNotClassified(t *testing.T) {
	client := &fakeLLM{responses: []fakeReply{{err: &llm.StatusError{StatusCode: 400, Message: "bad request"}}}}
	s := NewScorer(client, nil, Options{})
	_, err := s.Score(context.Background(), posting)
	if err == nil || errors.Is(err, ErrTimeout) || errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected plain error, got %v", err)
	}
	if client.Calls() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", client.Calls())
	}
}

func TestScoreHalfOpenSuccessClosesBreaker(t *testing.T) {
	const timeout = 20 * time.Millisecond
	breaker := gates.NewCircuitBreaker("scorer", 1, timeout)
	done, err := breaker.Allow()
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	done(false)
	time.Sleep(2 * timeout)

	client := &fakeLLM{responses: []fakeReply{{content: `{"isAccepted":true,"score":0.9,"reasoning":"go"}`}}}
	s := NewScorer(client, breaker, Options{})
	if _, err := s.Score(context.Background(), posting); err != nil {
		t.Fatalf("Score: %v", err)
	}
	if breaker.State() != gates.BreakerClosed {
		t.Fatalf("successful half-open call should close the breaker, got %s", breaker.State())
	}
}

func TestScoreCancelledCallReleasesHalfOpenSlot(t *testing.T) {
	const timeout = 20 * time.Millisecond
	breaker := gates.NewCircuitBreaker("scorer", 1, timeout)
	done, err := breaker.Allow()
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	done(false)
	time.Sleep(2 * timeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &fakeLLM{responses: []fakeReply{{err: context.Canceled}}}
	s := NewScorer(client, breaker, Options{})
	if _, err := s.Score(ctx, posting); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := breaker.Allow(); err != nil {
		t.Fatalf("cancelled call must not hold the half-open slot: %v", err)
	}
}
