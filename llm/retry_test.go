package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// flakyCompleter fails with err until failures runs out, then succeeds.
type flakyCompleter struct {
	failures int
	err      error
	calls    int
}

func (f *flakyCompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "ok", nil
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		MaxRetries:      3,
	}
}

func TestRetryingCompleter_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyCompleter{failures: 2, err: NewNetworkError("connection reset", errors.New("reset"))}
	r := NewRetryingCompleter(inner, fastRetryConfig(), zerolog.Nop())

	out, err := r.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected reply %q", out)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryingCompleter_DoesNotRetryInvalidRequest(t *testing.T) {
	inner := &flakyCompleter{failures: 10, err: NewInvalidRequestError("bad prompt", nil)}
	r := NewRetryingCompleter(inner, fastRetryConfig(), zerolog.Nop())

	_, err := r.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("invalid request must not be retried, got %d attempts", inner.calls)
	}
}

func TestRetryingCompleter_GivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyCompleter{failures: 100, err: NewTimeoutError("deadline", nil)}
	r := NewRetryingCompleter(inner, fastRetryConfig(), zerolog.Nop())

	_, err := r.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
	// MaxRetries bounds the retries, not the initial attempt.
	if inner.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", inner.calls)
	}
}

type flakyEmbedder struct {
	failures int
	calls    int
	err      error
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []float32{1, 2, 3}, nil
}

func TestRetryingEmbedder_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyEmbedder{failures: 1, err: &Error{Type: ErrorTypeProvider, Message: "overloaded", Retryable: true}}
	r := NewRetryingEmbedder(inner, fastRetryConfig(), zerolog.Nop())

	vec, err := r.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("unexpected vector %v", vec)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	retryAfter := 2 * time.Second
	rateLimited := NewRateLimitError("slow down", &retryAfter, errors.New("429"))

	if !IsRateLimitError(rateLimited) {
		t.Fatalf("expected rate limit classification")
	}
	if !IsRetryableError(rateLimited) {
		t.Fatalf("rate limit errors are retryable")
	}
	if got := ExtractRetryAfter(rateLimited); got == nil || *got != retryAfter {
		t.Fatalf("retry-after lost: %v", got)
	}

	invalid := NewInvalidRequestError("bad schema", nil)
	if IsRetryableError(invalid) {
		t.Fatalf("invalid requests must not be retryable")
	}
	if IsRateLimitError(invalid) {
		t.Fatalf("misclassified invalid request")
	}

	// Classification survives wrapping.
	wrapped := &ContractError{Step: "facts_extraction", Raw: "oops", Err: errors.New("bad json")}
	if !IsContractError(wrapped) {
		t.Fatalf("expected contract error classification")
	}
	if IsRetryableError(wrapped) {
		t.Fatalf("contract violations must never be retryable")
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", "[1,2]"},
		{"multiline body", "```json\n{\n  \"a\": 1\n}\n```", "{\n  \"a\": 1\n}"},
		{"fence chars inside", "{\"text\":\"```\"}", "{\"text\":\"```\"}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripFences(tc.in); got != tc.want {
				t.Fatalf("StripFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
