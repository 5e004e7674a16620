// Package ai holds the AI backend client invoked after the gate allows a
// request. The engine itself never calls it; transports do.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	mistralAPIURL        = "https://api.mistral.ai/v1/chat/completions"
	defaultModel         = "mistral-medium-latest"
	defaultClientTimeout = 2 * time.Minute
	defaultMaxTokens     = 2000
	defaultTemperature   = 0.7
)

// ErrOverloaded is returned when the backend rate-limits the request.
// Callers should tell the user to try again later.
var ErrOverloaded = errors.New("ai backend overloaded")

// Provider generates a completion for a user prompt. It exists so a
// different AI backend can be substituted without touching the transport.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// MistralClient implements Provider against the Mistral chat completions API.
type MistralClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewMistralClient creates a Mistral API client.
// timeout is optional - pass 0 to use the default 2 minute timeout
func NewMistralClient(apiKey, model string, timeout time.Duration) *MistralClient {
	return NewMistralClientWithBaseURL(apiKey, model, mistralAPIURL, timeout)
}

// NewMistralClientWithBaseURL creates a client against a custom endpoint,
// useful for testing and proxied deployments.
func NewMistralClientWithBaseURL(apiKey, model, baseURL string, timeout time.Duration) *MistralClient {
	if model == "" {
		model = defaultModel
	}
	if baseURL == "" {
		baseURL = mistralAPIURL
	}
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &MistralClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type mistralRequest struct {
	Model       string           `json:"model"`
	Messages    []mistralMessage `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralResponse struct {
	Choices []struct {
		Message mistralMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt as a single user message and returns the
// model's reply.
func (c *MistralClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(mistralRequest{
		Model:       c.model,
		Messages:    []mistralMessage{{Role: "user", Content: prompt}},
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrOverloaded
	case resp.StatusCode != http.StatusOK:
		log.Error().
			Int("status", resp.StatusCode).
			Str("body", string(respBody)).
			Msg("Mistral API error")
		return "", fmt.Errorf("mistral API returned HTTP %d", resp.StatusCode)
	}

	var parsed mistralResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("mistral response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
