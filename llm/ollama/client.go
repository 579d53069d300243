// Package ollama adapts a local Ollama server to the llm gateway
// interfaces.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/jotkeep/recall/llm"
)

// Client implements llm.Gateway against an Ollama server.
type Client struct {
	client     *api.Client
	model      string
	embedModel string
}

// New creates a Client. If host is empty the OLLAMA_HOST environment
// variable (or the default local address) is used.
func New(host, model, embedModel string, timeout time.Duration) (*Client, error) {
	if model == "" {
		model = "llama3.2:3b"
	}
	if embedModel == "" {
		embedModel = "mxbai-embed-large"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var cli *api.Client
	if host != "" {
		base, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("parse ollama host: %w", err)
		}
		cli = api.NewClient(base, &http.Client{Timeout: timeout})
	} else {
		var err error
		cli, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
	}

	return &Client{client: cli, model: model, embedModel: embedModel}, nil
}

// Complete implements llm.Completer.
func (c *Client) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	msgs := make([]api.Message, len(messages))
	for i, m := range messages {
		msgs[i] = api.Message{Role: string(m.Role), Content: m.Content}
	}

	var sb strings.Builder
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": 0.0,
		},
	}
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", classify("ollama chat", err)
	}
	return sb.String(), nil
}

// Embed implements llm.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embed(ctx, &api.EmbedRequest{
		Model: c.embedModel,
		Input: text,
	})
	if err != nil {
		return nil, classify("ollama embed", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, llm.NewProviderError("ollama embed: empty response", nil)
	}
	return resp.Embeddings[0], nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewTimeoutError(op+": timeout", err)
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return llm.NewRateLimitError(op+": rate limited", nil, err)
		case statusErr.StatusCode >= 500:
			return &llm.Error{
				Type:        llm.ErrorTypeProvider,
				Message:     op + ": server error",
				Retryable:   true,
				StatusCode:  statusErr.StatusCode,
				ProviderErr: err,
			}
		default:
			return llm.NewInvalidRequestError(op+": request rejected", err)
		}
	}
	return llm.NewNetworkError(op+": request failed", err)
}
