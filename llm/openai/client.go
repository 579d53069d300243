// Package openai adapts any OpenAI-compatible API to the llm gateway
// interfaces.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jotkeep/recall/llm"
)

// Client implements llm.Gateway against the OpenAI API (or a compatible
// endpoint via a custom base URL).
type Client struct {
	client     *openai.Client
	model      string
	embedModel string
}

// New creates a Client. apiKey is required; baseURL overrides the default
// endpoint when set.
func New(apiKey, baseURL, model, embedModel string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if embedModel == "" {
		embedModel = string(openai.SmallEmbedding3)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &Client{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		embedModel: embedModel,
	}, nil
}

// Complete implements llm.Completer.
func (c *Client) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0,
	})
	if err != nil {
		return "", classify("openai chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", llm.NewProviderError("openai chat: empty response", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed implements llm.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, classify("openai embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, llm.NewProviderError("openai embed: empty response", nil)
	}
	return resp.Data[0].Embedding, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewTimeoutError(op+": timeout", err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return llm.NewRateLimitError(op+": rate limited", nil, err)
		case apiErr.HTTPStatusCode >= 500:
			return &llm.Error{
				Type:        llm.ErrorTypeProvider,
				Message:     op + ": server error",
				Retryable:   true,
				StatusCode:  apiErr.HTTPStatusCode,
				ProviderErr: err,
			}
		default:
			return llm.NewInvalidRequestError(op+": request rejected", err)
		}
	}
	return llm.NewNetworkError(op+": request failed", err)
}
