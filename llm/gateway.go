// Package llm provides a provider-neutral gateway for the two AI
// capabilities the engine consumes: chat completion and text embedding.
// Concrete adapters live in the ollama and openai subpackages.
package llm

import (
	"context"
	"regexp"
	"strings"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single prompt message.
type Message struct {
	Role    MessageRole
	Content string
}

// Completer sends a prompt to a completion model and returns its text reply.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Embedder converts text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Gateway bundles the two capabilities most callers need together.
type Gateway interface {
	Completer
	Embedder
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\n(.*?)\n?```$")

// StripFences removes an enclosing markdown code fence from model output.
// Models routinely wrap JSON replies in ```json fences despite being told
// not to; contracts are parsed from the inner text.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}
