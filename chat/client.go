package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModelID = "gpt-4o-mini"
)

// CompletionClient wraps the HTTP calls to an OpenAI compatible chat completions API.
type CompletionClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

// NewCompletionClientFromEnv constructs a CompletionClient using environment variables.
//
// Expected variables:
//   - LLM_API_KEY: required API key for the provider
//   - LLM_BASE_URL: optional override for the API base URL (defaults to defaultBaseURL)
//   - LLM_MODEL_ID: optional override for the target model (defaults to defaultModelID)
func NewCompletionClientFromEnv() (*CompletionClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("chat: LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("chat: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}

	return &CompletionClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
	}, nil
}

// PromptMessage represents a single turn in a chat conversation payload.
type PromptMessage struct {
	Role    string
	Content string
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Stream   bool                    `json:"stream"`
	Messages []chatCompletionMessage `json:"messages"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatCompletionResponse captures the subset of fields we consume.
type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

// CompletionUsage captures token usage metrics returned by the provider.
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult represents the content and usage information for a chat completion.
type CompletionResult struct {
	Content string
	Usage   *CompletionUsage
}

// Complete sends the provided conversational messages to the model and returns
// the first assistant reply with usage metrics.
func (c *CompletionClient) Complete(ctx context.Context, messages []PromptMessage) (CompletionResult, error) {
	if c == nil {
		return CompletionResult{}, errors.New("chat: client is nil")
	}
	if len(messages) == 0 {
		return CompletionResult{}, errors.New("chat: messages cannot be empty")
	}

	payload := chatCompletionRequest{
		Model:    c.modelID,
		Stream:   false,
		Messages: make([]chatCompletionMessage, 0, len(messages)),
	}

	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, chatCompletionMessage{Role: role, Content: content})
	}

	if len(payload.Messages) == 0 {
		return CompletionResult{}, errors.New("chat: messages contain no content")
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return CompletionResult{}, fmt.Errorf("chat: encode request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("chat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("chat: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return CompletionResult{}, fmt.Errorf("chat: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return CompletionResult{}, fmt.Errorf("chat: decode response: %w", err)
	}

	if len(decoded.Choices) == 0 {
		return CompletionResult{}, errors.New("chat: response contains no choices")
	}

	full := strings.TrimSpace(decoded.Choices[0].Message.Content)

	return CompletionResult{
		Content: full,
		Usage:   convertUsage(decoded.Usage),
	}, nil
}

func convertUsage(raw *chatCompletionUsage) *CompletionUsage {
	if raw == nil {
		return nil
	}
	return &CompletionUsage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
}
