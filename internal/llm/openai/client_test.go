package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"posting-pipeline/internal/llm"
	"posting-pipeline/internal/shared/telemetry"
)

func TestMain(m *testing.M) {
	restore := telemetry.SetOutput(io.Discard)
	code := m.Run()
	restore()
	os.Exit(code)
}

func TestIsGPT5(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  bool
	}{
		{name: "gpt5", model: "gpt-5", want: true},
		{name: "gpt5 variant", model: "gpt-5-mini", want: true},
		{name: "gpt5 uppercase", model: " GPT-5o ", want: true},
		{name: "gpt4", model: "gpt-4o", want: false},
		{name: "empty", model: "", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := isGPT5(tt.model); got != tt.want {
				t.Fatalf("isGPT5(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func withServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	server := httptest.NewServer(handler)
	oldURL := apiURL
	apiURL = server.URL
	t.Cleanup(func() {
		apiURL = oldURL
		server.Close()
	})
}

func TestCompleteSendsJSONFormat(t *testing.T) {
	var mu sync.Mutex
	var lastBody map[string]any
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		lastBody = payload
		mu.Unlock()
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":" {\"ok\":true} "}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	})

	client, err := NewClient("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	resp, err := client.Complete(context.Background(), llm.Request{Prompt: "score this", JSON: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"ok":true}` || resp.PromptTokens != 12 || resp.OutputTokens != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	format, _ := lastBody["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", lastBody["response_format"])
	}
	if _, ok := lastBody["temperature"]; !ok {
		t.Fatalf("expected temperature for gpt-4o-mini")
	}
}

func TestCompleteOmitsTemperatureForDenylist(t *testing.T) {
	var mu sync.Mutex
	var lastBody map[string]any
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		lastBody = payload
		mu.Unlock()
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	})
	t.Setenv("LLM_NO_TEMP0_MODELS", "o3-mini, other")

	client, err := NewClient("test-key", "o3-mini")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := lastBody["temperature"]; ok {
		t.Fatalf("expected temperature to be omitted for denylisted model")
	}
	if _, ok := lastBody["response_format"]; ok {
		t.Fatalf("plain text request should not set response_format")
	}
}

func TestCompleteRetriesWithoutTemperatureOnce(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		bodies = append(bodies, payload)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"error":{"message":"Unsupported value: 'temperature' does not support 0 with this model.","type":"invalid_request_error"}}`))
	})

	client, err := NewClient("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"}); err == nil {
		t.Fatalf("expected error on repeated temperature rejection")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests (one retry), got %d", len(bodies))
	}
	if _, ok := bodies[1]["temperature"]; ok {
		t.Fatalf("retry must omit temperature")
	}
}

func TestCompleteReturnsStatusError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	})

	client, err := NewClient("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.Complete(context.Background(), llm.Request{Prompt: "hi"})
	var statusErr *llm.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || !statusErr.Retryable() {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestNewClientRequiresKeyAndModel(t *testing.T) {
	if _, err := NewClient("", "gpt-4o-mini"); err == nil {
		t.Fatalf("expected error without api key")
	}
	if _, err := NewClient("key", " "); err == nil {
		t.Fatalf("expected error without model")
	}
}
