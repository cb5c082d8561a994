package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

const (
	openRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	groqEndpoint       = "https://api.groq.com/openai/v1/chat/completions"
)

// ChatClient talks to an OpenAI-compatible chat-completions endpoint.
// OpenRouter and Groq share this implementation.
type ChatClient struct {
	name          string
	endpoint      string
	apiKey        string
	model         string
	fallbackModel string
	temperature   float64
	httpClient    *http.Client
	backoff       *BackoffRegistry
	logger        *slog.Logger
}

// NewOpenRouterClient creates the primary provider client.
func NewOpenRouterClient(apiKey, model, fallbackModel string, temperature float64, timeout time.Duration, backoff *BackoffRegistry, logger *slog.Logger) *ChatClient {
	return newChatClient("openrouter", openRouterEndpoint, apiKey, model, fallbackModel, temperature, timeout, backoff, logger)
}

// NewGroqClient creates the first-fallback provider client.
func NewGroqClient(apiKey, model string, temperature float64, timeout time.Duration, backoff *BackoffRegistry, logger *slog.Logger) *ChatClient {
	return newChatClient("groq", groqEndpoint, apiKey, model, "", temperature, timeout, backoff, logger)
}

func newChatClient(name, endpoint, apiKey, model, fallbackModel string, temperature float64, timeout time.Duration, backoff *BackoffRegistry, logger *slog.Logger) *ChatClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 75 * time.Second
	}
	return &ChatClient{
		name:          name,
		endpoint:      endpoint,
		apiKey:        apiKey,
		model:         model,
		fallbackModel: fallbackModel,
		temperature:   temperature,
		httpClient:    &http.Client{Timeout: timeout},
		backoff:       backoff,
		logger:        logger,
	}
}

// Name returns the provider identifier.
func (c *ChatClient) Name() string { return c.name }

// Model returns the configured model id.
func (c *ChatClient) Model() string { return c.model }

// Credentialed reports whether an API key is configured.
func (c *ChatClient) Credentialed() bool { return c.apiKey != "" }

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// GeneratePage requests one document.
func (c *ChatClient) GeneratePage(ctx context.Context, brief string, seed int64, categoryNote string) (*models.Doc, error) {
	if !c.Credentialed() {
		return nil, ErrNoCredentials
	}
	if c.backoff.InBackoff(c.name) {
		return nil, ErrBackoff
	}

	prompt := BuildPagePrompt(brief, seed, categoryNote)
	text, err := c.complete(ctx, c.model, prompt, true, c.fallbackModel != "")
	if err != nil {
		return nil, err
	}
	c.backoff.Clear(c.name)

	doc, err := ExtractDoc(text)
	if err != nil {
		c.logger.Warn("chat: failed to extract document", "provider", c.name, "error", err)
		return nil, err
	}
	if doc.ModelVersion == "" {
		doc.ModelVersion = c.model
	}
	return doc, nil
}

// complete sends one chat-completion request and returns the response
// text. jsonMode asks for a JSON-only response and is retried without
// when the endpoint rejects it; allowModelFallback retries once with
// the fallback model when the configured one is unknown or throttled.
func (c *ChatClient) complete(ctx context.Context, model, prompt string, jsonMode, allowModelFallback bool) (string, error) {
	reqBody := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
	}
	if jsonMode {
		reqBody.ResponseFormat = map[string]any{"type": "json_object"}
	}

	status, body, err := c.post(ctx, reqBody)
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusOK:
		// handled below

	case status == http.StatusBadRequest && jsonMode && strings.Contains(strings.ToLower(string(body)), "json"):
		c.logger.Info("chat: endpoint rejected json mode, retrying without", "provider", c.name, "model", model)
		return c.complete(ctx, model, prompt, false, allowModelFallback)

	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		delay := c.backoff.Mark(c.name)
		c.logger.Warn("chat: provider throttled", "provider", c.name, "status", status, "backoff", delay)
		return "", ErrBackoff

	default:
		lower := strings.ToLower(string(body))
		if allowModelFallback && (strings.Contains(lower, "model not found") || strings.Contains(lower, "invalid model") || strings.Contains(lower, "429")) {
			c.logger.Warn("chat: retrying with fallback model", "provider", c.name, "model", model, "fallback", c.fallbackModel)
			return c.complete(ctx, c.fallbackModel, prompt, jsonMode, false)
		}
		return "", fmt.Errorf("%s: HTTP %d: %s", c.name, status, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *ChatClient) post(ctx context.Context, body chatRequest) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: request: %w", c.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%s: read body: %w", c.name, err)
	}
	return resp.StatusCode, data, nil
}

// GenerateBurst streams up to max documents from one request. The
// model is asked for a JSON array; completed array elements are parsed
// out of the token stream as they close.
func (c *ChatClient) GenerateBurst(ctx context.Context, brief string, seed int64, max int) <-chan *models.Doc {
	out := make(chan *models.Doc)
	go func() {
		defer close(out)
		if !c.Credentialed() || c.backoff.InBackoff(c.name) {
			return
		}

		reqBody := chatRequest{
			Model:       c.model,
			Messages:    []chatMessage{{Role: "user", Content: BuildBurstPrompt(brief, seed, max)}},
			Temperature: c.temperature,
			Stream:      true,
		}
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("burst: request failed", "provider", c.name, "error", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			c.backoff.Mark(c.name)
			return
		}
		if resp.StatusCode != http.StatusOK {
			c.logger.Warn("burst: non-200 status", "provider", c.name, "status", resp.StatusCode)
			return
		}

		scanner := NewArrayScanner()
		sent := 0
		reader := bufio.NewScanner(resp.Body)
		reader.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for reader.Scan() {
			line := strings.TrimSpace(reader.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil || len(chunk.Choices) == 0 {
				continue
			}

			for _, obj := range scanner.Feed(chunk.Choices[0].Delta.Content) {
				doc, err := models.Normalize(obj)
				if err != nil {
					continue
				}
				if doc.ModelVersion == "" {
					doc.ModelVersion = c.model
				}
				select {
				case out <- doc:
					sent++
				case <-ctx.Done():
					return
				}
				if sent >= max {
					return
				}
			}
		}
		if sent > 0 {
			c.backoff.Clear(c.name)
		}
	}()
	return out
}

// CompleteJSON sends a prompt expecting a schema-shaped JSON response.
// Endpoints that reject json_schema response formats fall back to
// plain json mode.
func (c *ChatClient) CompleteJSON(ctx context.Context, prompt string, schema map[string]any) (string, error) {
	if !c.Credentialed() {
		return "", ErrNoCredentials
	}
	if c.backoff.InBackoff(c.name) {
		return "", ErrBackoff
	}

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
	}
	if schema != nil {
		reqBody.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "review",
				"strict": true,
				"schema": schema,
			},
		}
	}

	status, body, err := c.post(ctx, reqBody)
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusOK:
		// handled below

	case status == http.StatusBadRequest && schema != nil:
		c.logger.Info("chat: endpoint rejected json schema, retrying with json mode", "provider", c.name)
		return c.complete(ctx, c.model, prompt, true, false)

	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		c.backoff.Mark(c.name)
		return "", ErrBackoff

	default:
		return "", fmt.Errorf("%s: HTTP %d: %s", c.name, status, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
