package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StatusError is returned for non-200 responses from the API
type StatusError struct {
	Model      string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model %s: unexpected status %d: %s", e.Model, e.StatusCode, e.Body)
}

// ErrEmptyResponse is returned when the model produced no text
var ErrEmptyResponse = errors.New("empty response from model")

// Config contains client configuration
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	FallbackModel     string
	Timeout           time.Duration
	Temperature       float64
	MaxOutputTokens   int
	RequestsPerMinute int
}

// Result is one completed generation
type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client calls the Gemini generateContent REST endpoint
type Client struct {
	config  *Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// New creates a client
func New(config *Config, logger *zap.Logger) *Client {
	perMinute := config.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &Client{
		config:  config,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		logger:  logger,
	}
}

// Generate sends the prompt to model, or to the configured model when model
// is empty. A 403 or 404 is retried once on the fallback model.
func (c *Client) Generate(ctx context.Context, model, prompt string) (*Result, error) {
	if model == "" {
		model = c.config.Model
	}

	result, err := c.generate(ctx, model, prompt)
	if err == nil {
		return result, nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && c.config.FallbackModel != "" && c.config.FallbackModel != model &&
		(statusErr.StatusCode == http.StatusForbidden || statusErr.StatusCode == http.StatusNotFound) {
		c.logger.Warn("Model unavailable, using fallback",
			zap.String("model", model),
			zap.String("fallback_model", c.config.FallbackModel),
			zap.Int("status_code", statusErr.StatusCode))
		return c.generate(ctx, c.config.FallbackModel, prompt)
	}

	return nil, err
}

func (c *Client) generate(ctx context.Context, model, prompt string) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     c.config.Temperature,
			MaxOutputTokens: c.config.MaxOutputTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(model))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.config.APIKey)

	start := time.Now()
	c.logger.Debug("Calling model",
		zap.String("model", model),
		zap.Int("prompt_chars", len(prompt)))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model %s: request failed: %w", model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("model %s: failed to read response: %w", model, err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &StatusError{Model: model, StatusCode: resp.StatusCode, Body: snippet}
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("model %s: failed to decode response: %w", model, err)
	}

	// only the first candidate is used
	var text strings.Builder
	if len(parsed.Candidates) > 0 {
		candidate := parsed.Candidates[0]
		for _, p := range candidate.Content.Parts {
			text.WriteString(p.Text)
		}
		if candidate.FinishReason == "MAX_TOKENS" {
			c.logger.Warn("Model output truncated by token limit", zap.String("model", model))
		}
	}

	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("model %s: %w", model, ErrEmptyResponse)
	}

	result := &Result{
		Text:         text.String(),
		Model:        model,
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}

	c.logger.Info("Model response received",
		zap.String("model", model),
		zap.Int("input_tokens", result.InputTokens),
		zap.Int("output_tokens", result.OutputTokens),
		zap.Duration("duration", time.Since(start)))

	return result, nil
}
