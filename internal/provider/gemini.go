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

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiClient talks to the Gemini generateContent API. It serves as
// the reserved provider and supports native burst streaming.
type GeminiClient struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	httpClient  *http.Client
	backoff     *BackoffRegistry
	logger      *slog.Logger
}

// NewGeminiClient creates the reserved provider client.
func NewGeminiClient(apiKey, model string, temperature float64, timeout time.Duration, backoff *BackoffRegistry, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 75 * time.Second
	}
	return &GeminiClient{
		apiKey:      apiKey,
		model:       model,
		baseURL:     geminiBaseURL,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
		backoff:     backoff,
		logger:      logger,
	}
}

// Name returns the provider identifier.
func (c *GeminiClient) Name() string { return "gemini" }

// Model returns the configured model id.
func (c *GeminiClient) Model() string { return c.model }

// Credentialed reports whether an API key is configured.
func (c *GeminiClient) Credentialed() bool { return c.apiKey != "" }

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      float64        `json:"temperature"`
	MaxOutputTokens  int            `json:"maxOutputTokens"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (r geminiResponse) text() string {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Parts[0].Text
}

// GeneratePage requests one document via generateContent.
func (c *GeminiClient) GeneratePage(ctx context.Context, brief string, seed int64, categoryNote string) (*models.Doc, error) {
	if !c.Credentialed() {
		return nil, ErrNoCredentials
	}
	if c.backoff.InBackoff(c.Name()) {
		return nil, ErrBackoff
	}

	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: BuildPagePrompt(brief, seed, categoryNote)}}}},
		GenerationConfig: geminiGenConfig{
			Temperature:      c.temperature,
			MaxOutputTokens:  8192,
			ResponseMimeType: "application/json",
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		delay := c.backoff.Mark(c.Name())
		c.logger.Warn("gemini: throttled", "status", resp.StatusCode, "backoff", delay)
		return nil, ErrBackoff
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini: HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	text := parsed.text()
	if text == "" {
		return nil, ErrEmptyResponse
	}
	c.backoff.Clear(c.Name())

	doc, err := ExtractDoc(text)
	if err != nil {
		return nil, err
	}
	if doc.ModelVersion == "" {
		doc.ModelVersion = c.model
	}
	return doc, nil
}

// CompleteJSON sends a prompt with a responseSchema hint and returns
// the raw response text.
func (c *GeminiClient) CompleteJSON(ctx context.Context, prompt string, schema map[string]any) (string, error) {
	if !c.Credentialed() {
		return "", ErrNoCredentials
	}
	if c.backoff.InBackoff(c.Name()) {
		return "", ErrBackoff
	}

	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{
			MaxOutputTokens:  8192,
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gemini: read body: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		c.backoff.Mark(c.Name())
		return "", ErrBackoff
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini: HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}
	text := parsed.text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// GenerateBurst streams up to max documents via streamGenerateContent.
func (c *GeminiClient) GenerateBurst(ctx context.Context, brief string, seed int64, max int) <-chan *models.Doc {
	out := make(chan *models.Doc)
	go func() {
		defer close(out)
		if !c.Credentialed() || c.backoff.InBackoff(c.Name()) {
			return
		}

		body := geminiRequest{
			Contents: []geminiContent{{Parts: []geminiPart{{Text: BuildBurstPrompt(brief, seed, max)}}}},
			GenerationConfig: geminiGenConfig{
				Temperature:      c.temperature,
				MaxOutputTokens:  8192,
				ResponseMimeType: "application/json",
			},
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return
		}

		url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, c.apiKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("gemini burst: request failed", "error", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			c.backoff.Mark(c.Name())
			return
		}
		if resp.StatusCode != http.StatusOK {
			c.logger.Warn("gemini burst: non-200 status", "status", resp.StatusCode)
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
			if payload == "" {
				continue
			}
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}

			for _, obj := range scanner.Feed(chunk.text()) {
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
			c.backoff.Clear(c.Name())
		}
	}()
	return out
}
