package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProxyProvider sends prompts to the hosted platform proxy, which holds the
// provider keys and meters usage. It is used for runs in the "platform" key
// mode.
type ProxyProvider struct {
	url    string
	token  string
	client *http.Client
}

// NewProxyProvider creates a provider posting to url with a bearer token.
func NewProxyProvider(url, token string, timeout time.Duration) *ProxyProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ProxyProvider{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in logs.
func (p *ProxyProvider) Name() string { return "platform" }

type proxyResponse struct {
	Output string `json:"output"`
	Model  string `json:"model"`
	Usage  struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
		CostCents    int `json:"costCents"`
	} `json:"usage"`
}

type proxyError struct {
	Error    string `json:"error"`
	Balance  int    `json:"balance"`
	Required int    `json:"required"`
}

// Complete forwards the prompt to the proxy.
func (p *ProxyProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	headers := http.Header{}
	if p.token != "" {
		headers.Set("Authorization", "Bearer "+sanitizeHeader(p.token))
	}

	body, status, err := postJSON(ctx, p.client, p.url, headers, req)
	if err != nil {
		return CompletionResponse{}, err
	}

	if status == http.StatusPaymentRequired {
		var pe proxyError
		_ = json.Unmarshal(body, &pe)
		return CompletionResponse{}, fmt.Errorf("skill: insufficient credits: balance %d cents, required %d cents", pe.Balance, pe.Required)
	}
	if status != http.StatusOK {
		return CompletionResponse{}, classifyStatus(status, body)
	}

	var pr proxyResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return CompletionResponse{}, fmt.Errorf("skill: parse proxy response: %w", err)
	}
	out := CompletionResponse{Output: pr.Output, Model: pr.Model}
	out.Usage.InputTokens = pr.Usage.InputTokens
	out.Usage.OutputTokens = pr.Usage.OutputTokens
	return out, nil
}
