package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mail-analysis-service/internal/models"
)

// Client speaks the OpenAI-compatible chat-completions protocol. The key
// is supplied per call so the pool can rotate keys between requests.
type Client struct {
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// NewClient builds a Client against baseURL (e.g. https://api.openai.com/v1).
func NewClient(baseURL string, maxTokens int, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// rateLimitedError marks responses that should rotate to another key.
type rateLimitedError struct{ msg string }

func (e *rateLimitedError) Error() string { return e.msg }

// Complete sends one chat completion asking for a JSON object and parses
// it into a StructuredAnalysis.
func (c *Client) Complete(ctx context.Context, apiKey, model, systemPrompt, userText string) (models.StructuredAnalysis, error) {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userText},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0.3,
	}
	req.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(req)
	if err != nil {
		return models.StructuredAnalysis{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.StructuredAnalysis{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.StructuredAnalysis{}, models.NewError(models.KindLLM, "chat completion request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.StructuredAnalysis{}, models.NewError(models.KindLLM, "read chat response: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return models.StructuredAnalysis{}, &rateLimitedError{msg: fmt.Sprintf("backend rate limited: %s", truncateBody(raw))}
	}
	if resp.StatusCode != http.StatusOK {
		return models.StructuredAnalysis{}, models.NewError(models.KindLLM, "chat completion status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return models.StructuredAnalysis{}, models.NewError(models.KindLLM, "decode chat response: %v", err)
	}
	if chat.Error != nil {
		return models.StructuredAnalysis{}, models.NewError(models.KindLLM, "backend error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return models.StructuredAnalysis{}, models.NewError(models.KindLLM, "chat response has no choices")
	}

	var analysis models.StructuredAnalysis
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &analysis); err != nil {
		return models.StructuredAnalysis{}, models.NewError(models.KindLLM, "model returned non-JSON content: %v", err)
	}
	analysis.Model = model
	analysis.TokensUsed = chat.Usage.TotalTokens
	return analysis, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
