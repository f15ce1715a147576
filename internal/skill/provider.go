package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/skillflow/internal/observability"
	"github.com/pitabwire/skillflow/model"
)

// Provider produces text from a rendered prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// CompletionRequest is a single-turn prompt.
type CompletionRequest struct {
	Model        string  `json:"model"`
	Provider     string  `json:"provider,omitempty"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	Prompt       string  `json:"prompt"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// CompletionResponse is the generated text.
type CompletionResponse struct {
	Output string      `json:"output"`
	Model  string      `json:"model"`
	Usage  model.Usage `json:"usage"`
}

const (
	defaultOpenAIURL   = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel = "gpt-4o"
	maxResponseBytes   = 10 << 20
)

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint
// directly with the operator's own key.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a provider. An empty baseURL targets OpenAI; any
// other base URL gets /chat/completions appended when missing.
func NewOpenAIProvider(apiKey, defaultModel, baseURL string, client *http.Client) *OpenAIProvider {
	if defaultModel == "" {
		defaultModel = defaultOpenAIModel
	}
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	} else if !strings.HasSuffix(baseURL, "/chat/completions") {
		baseURL = strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	}
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAIProvider{apiKey: apiKey, model: defaultModel, baseURL: baseURL, client: client}
}

// Name identifies the provider in logs.
func (p *OpenAIProvider) Name() string {
	if strings.Contains(p.baseURL, "openrouter") {
		return "openrouter"
	}
	return "openai"
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete performs a non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	m := req.Model
	if m == "" {
		m = p.model
	}
	body := openaiRequest{Model: m, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, openaiMessage{Role: "user", Content: req.Prompt})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+sanitizeHeader(p.apiKey))

	respBody, status, err := postJSON(ctx, p.client, p.baseURL, headers, body)
	if err != nil {
		return CompletionResponse{}, err
	}
	if status != http.StatusOK {
		return CompletionResponse{}, classifyStatus(status, respBody)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return CompletionResponse{}, fmt.Errorf("skill: parse completion: %w", err)
	}
	if parsed.Error != nil {
		return CompletionResponse{}, fmt.Errorf("skill: provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("skill: provider returned no choices")
	}
	return CompletionResponse{
		Output: parsed.Choices[0].Message.Content,
		Model:  parsed.Model,
		Usage: model.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// postJSON sends body as JSON and returns the raw response.
func postJSON(ctx context.Context, client *http.Client, url string, headers http.Header, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("skill: marshal request: %w", err)
	}
	return send(ctx, client, http.MethodPost, url, headers, payload)
}

// send performs one HTTP request and returns the raw response. A nil payload
// sends no body. Trace context is propagated in the request headers.
func send(ctx context.Context, client *http.Client, method, url string, headers http.Header, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("skill: build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if sc := model.StepContextFrom(ctx); sc != nil {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(sc.CorrelationID))
		req.Header.Set("X-Execution-Id", sanitizeHeader(sc.ExecutionID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, 0, model.NewSkillTimeoutError()
			}
			return nil, 0, ctx.Err()
		}
		if isConnectionError(err) {
			return nil, 0, model.NewSkillUnavailableError()
		}
		return nil, 0, fmt.Errorf("skill: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("skill: read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// classifyStatus turns a non-200 response into an error. 5xx responses are
// reported as SKILL_UNAVAILABLE; anything else carries the backend's message.
func classifyStatus(status int, body []byte) error {
	if status >= 500 {
		return model.NewSkillUnavailableError()
	}
	var e struct {
		Error any `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &e); err == nil && e.Error != nil {
		switch v := e.Error.(type) {
		case string:
			msg = v
		case map[string]any:
			if s, ok := v["message"].(string); ok {
				msg = s
			}
		}
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return fmt.Errorf("skill: backend returned %d: %s", status, msg)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
