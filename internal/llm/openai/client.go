package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"posting-pipeline/internal/llm"
	"posting-pipeline/internal/shared/telemetry"
)

var apiURL = "https://api.openai.com/v1/chat/completions"

// Client implements llm.Client using OpenAI Chat Completions.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient constructs a new OpenAI client.
func NewClient(apiKey, model string) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	timeout := 60 * time.Second
	if raw := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion. A model that rejects temperature 0 is
// retried once without it.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	withTemp := supportsZeroTemperature(c.model)
	resp, err := c.completeOnce(ctx, req, withTemp)
	if err != nil && withTemp && isTemperatureUnsupported(err) {
		telemetry.Warn("llm.temperature_unsupported", map[string]any{"model": c.model})
		resp, err = c.completeOnce(ctx, req, false)
	}
	if err != nil {
		return llm.Response{}, err
	}
	telemetry.Info("llm.response", map[string]any{
		"model":         resp.Model,
		"prompt_tokens": resp.PromptTokens,
		"output_tokens": resp.OutputTokens,
	})
	return resp, nil
}

func (c *Client) completeOnce(ctx context.Context, req llm.Request, withTemp bool) (llm.Response, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: buildMessages(req),
	}
	if req.JSON {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if withTemp {
		temp := float32(0)
		reqBody.Temperature = &temp
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return llm.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return llm.Response{}, fmt.Errorf("openai request: %w: %v", llm.ErrTimeout, err)
		}
		return llm.Response{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			return llm.Response{}, &llm.StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return llm.Response{}, fmt.Errorf("openai response parse: %w", err)
	}
	if parsed.Error != nil {
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusBadRequest
		}
		return llm.Response{}, &llm.StatusError{
			StatusCode: status,
			Message:    fmt.Sprintf("%s (%s)", parsed.Error.Message, parsed.Error.Type),
		}
	}
	if resp.StatusCode >= 400 {
		return llm.Response{}, &llm.StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if len(parsed.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("openai response missing choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return llm.Response{}, fmt.Errorf("openai response empty content")
	}
	out := llm.Response{Content: content, Model: parsed.Model}
	if out.Model == "" {
		out.Model = c.model
	}
	if parsed.Usage != nil {
		out.PromptTokens = parsed.Usage.PromptTokens
		out.OutputTokens = parsed.Usage.CompletionTokens
	}
	return out, nil
}

func isGPT5(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-5")
}

// supportsZeroTemperature is false for gpt-5 models and anything listed in LLM_NO_TEMP0_MODELS.
func supportsZeroTemperature(model string) bool {
	if isGPT5(model) {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(model))
	for _, m := range strings.Split(os.Getenv("LLM_NO_TEMP0_MODELS"), ",") {
		if strings.ToLower(strings.TrimSpace(m)) == normalized && normalized != "" {
			return false
		}
	}
	return true
}

func isTemperatureUnsupported(err error) bool {
	var statusErr *llm.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	msg := strings.ToLower(statusErr.Message)
	return strings.Contains(msg, "temperature") && strings.Contains(msg, "unsupported")
}

var _ llm.Client = (*Client)(nil)
