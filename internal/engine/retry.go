package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// maybeRetries caps attempts for RetryClassMaybe failures.
const maybeRetries = 2

// RetryPolicy is an exponential backoff schedule for collaborator calls.
type RetryPolicy struct {
	MaxRetries   int // 0 disables retries
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool // adds up to 20% on top of each delay
}

// RetryConfig groups the policies used by the memory runtime.
type RetryConfig struct {
	LLMPolicy RetryPolicy
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		LLMPolicy: RetryPolicy{
			MaxRetries:   3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
	}
}

// Backoff returns the wait before retry number attempt (0-based). A
// server-provided Retry-After wins but is still capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	if wait := RetryAfter(err); wait > 0 {
		return min(wait, p.MaxDelay)
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	d = math.Min(d, float64(p.MaxDelay))
	if p.Jitter {
		d += rand.Float64() * 0.2 * d
	}
	return time.Duration(d)
}

// RetryableFunc is one attempt of a retried call.
type RetryableFunc[T any] func(ctx context.Context) (T, error)

// RetryWithPolicy runs fn until it succeeds, classify says stop, or the
// policy runs out. onRetry, when set, is told about each retry before the
// wait starts.
func RetryWithPolicy[T any](
	ctx context.Context,
	policy RetryPolicy,
	fn RetryableFunc[T],
	classify func(error) RetryClass,
	onRetry func(attempt int, delay time.Duration, err error),
) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}

		switch class := classify(err); {
		case class == RetryClassNonRetryable:
			return zero, err
		case attempt >= policy.MaxRetries:
			return zero, &RetryExhaustedError{Err: err, Attempts: attempt + 1}
		case class == RetryClassMaybe && attempt >= maybeRetries:
			return zero, &RetryExhaustedError{Err: err, Attempts: attempt + 1, Guarded: true}
		}

		delay := policy.Backoff(attempt, err)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryLLMCall runs a non-streaming Chat under policy.
func RetryLLMCall(
	ctx context.Context,
	policy RetryPolicy,
	llm LLMClient,
	model string,
	messages []ChatMessage,
	opts ChatOptions,
	onRetry func(attempt int, delay time.Duration, err error),
) (LLMResponse, error) {
	return RetryWithPolicy(ctx, policy, func(ctx context.Context) (LLMResponse, error) {
		return llm.Chat(ctx, model, messages, opts)
	}, ClassifyLLMError, onRetry)
}
