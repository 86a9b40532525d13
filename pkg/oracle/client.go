package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAPIURL is the chat-completions endpoint used when none is configured.
const DefaultAPIURL = "https://open.bigmodel.cn/api/paas/v4/chat/completions"

// DefaultModel is the model used when none is configured.
const DefaultModel = "glm-4-air"

// systemPromptTokens approximates the fixed instruction overhead per call.
const systemPromptTokens = 120

var schemaHints = map[Kind]string{
	KindRepoAnalysis:     `{"requires_cookies":bool,"confidence":0-100,"cookie_domains":[string],"cookie_names":[string],"reasoning":string,"monitoring_priority":"high|medium|low","platform":string}`,
	KindFailureDiagnosis: `{"issue_type":"captcha|rate_limit|credentials|network|2fa_required|unknown","recommended_action":"retry_now|wait_retry|fix_credentials|manual_intervention|abandon","wait_time_seconds":0-3600,"strategy_changes":[string],"confidence":0-100,"reasoning":string}`,
	KindExpiryPrediction: `{"expires_at":RFC3339,"confidence":0-100,"should_rotate_in_hours":int,"reasoning":string}`,
	KindStrategy:         `{"approach":"standard|stealth|slow","proxy_required":bool,"delays":{"min_seconds":int,"max_seconds":int},"anti_fingerprint_level":"low|medium|high","custom_steps":[string],"estimated_success_rate":0-100}`,
}

// HTTPClient calls an OpenAI-compatible chat-completions endpoint.
type HTTPClient struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
}

// NewHTTPClient creates a client. An empty apiKey is rejected by the caller;
// the adapter runs on fallbacks when no client is configured.
func NewHTTPClient(url, apiKey, model string) *HTTPClient {
	if url == "" {
		url = DefaultAPIURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &HTTPClient{
		url:    url,
		apiKey: apiKey,
		model:  model,
		// The adapter bounds each call with its own context deadline.
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one decision request.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	hint, ok := schemaHints[req.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown decision kind: %s", req.Kind)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf("You are a cookie rotation decision engine answering %s. Reply with a single JSON object matching %s.", req.Kind, hint)},
			{Role: "user", Content: string(req.Input)},
		},
		Temperature:    0.2,
		MaxTokens:      req.MaxOutputTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion endpoint returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}

	return &CompletionResponse{
		Content:      []byte(parsed.Choices[0].Message.Content),
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}
