package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryConfig bounds the retry behavior for transient gateway failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig mirrors the backoff settings used for rate-limited
// provider calls elsewhere in the codebase.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
		MaxRetries:      5,
	}
}

// RetryingCompleter wraps a Completer with exponential backoff on
// retryable errors. Contract violations and invalid requests are never
// retried; rate-limit retry-after hints reseed the backoff interval.
type RetryingCompleter struct {
	inner  Completer
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetryingCompleter wraps inner with the given retry bounds.
func NewRetryingCompleter(inner Completer, cfg RetryConfig, logger zerolog.Logger) *RetryingCompleter {
	return &RetryingCompleter{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With().Str("component", "llm_retry").Logger(),
	}
}

// Complete implements Completer.
func (r *RetryingCompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	var result string

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.Multiplier = 2.0
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = r.cfg.MaxElapsedTime
	eb.RandomizationFactor = 0.2
	eb.Reset()

	b := backoff.WithMaxRetries(eb, r.cfg.MaxRetries)

	operation := func() error {
		text, err := r.inner.Complete(ctx, messages)
		if err == nil {
			result = text
			return nil
		}
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		if ra := ExtractRetryAfter(err); ra != nil && *ra > 0 {
			eb.InitialInterval = *ra
			eb.Reset()
			r.logger.Warn().Dur("retryAfter", *ra).Msg("Rate limit encountered, retrying")
		} else {
			r.logger.Warn().Err(err).Msg("Transient gateway failure, retrying")
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return result, nil
}

// RetryingEmbedder wraps an Embedder with the same bounded backoff.
type RetryingEmbedder struct {
	inner  Embedder
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetryingEmbedder wraps inner with the given retry bounds.
func NewRetryingEmbedder(inner Embedder, cfg RetryConfig, logger zerolog.Logger) *RetryingEmbedder {
	return &RetryingEmbedder{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With().Str("component", "llm_retry").Logger(),
	}
}

// Embed implements Embedder.
func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.Multiplier = 2.0
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = r.cfg.MaxElapsedTime
	eb.RandomizationFactor = 0.2
	eb.Reset()

	b := backoff.WithMaxRetries(eb, r.cfg.MaxRetries)

	operation := func() error {
		vec, err := r.inner.Embed(ctx, text)
		if err == nil {
			result = vec
			return nil
		}
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn().Err(err).Msg("Transient embed failure, retrying")
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}
