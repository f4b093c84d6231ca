package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyLLMError(t *testing.T) {
	tests := []struct {
		err  error
		want RetryClass
	}{
		{errors.New("status 429: rate limit reached"), RetryClassRetryable},
		{errors.New("503 service unavailable"), RetryClassRetryable},
		{errors.New("dial tcp: connection refused"), RetryClassRetryable},
		{errors.New("context deadline exceeded"), RetryClassMaybe},
		{errors.New("401 unauthorized"), RetryClassNonRetryable},
		{errors.New("something odd"), RetryClassNonRetryable},
		{context.Canceled, RetryClassNonRetryable},
		{&CollaboratorError{Err: errors.New("x"), Kind: FailureOverflow}, RetryClassMaybe},
		{nil, RetryClassNonRetryable},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyLLMError(tt.err))
		})
	}
}

func TestWrapLLMError(t *testing.T) {
	assert.NoError(t, WrapLLMError(nil, 0, ""))

	cancelled := fmt.Errorf("stream: %w", context.Canceled)
	assert.Same(t, cancelled, WrapLLMError(cancelled, 0, ""))

	wrapped := WrapLLMError(errors.New("too many requests"), http.StatusTooManyRequests, "7")
	var ce *CollaboratorError
	require.ErrorAs(t, wrapped, &ce)
	assert.Equal(t, FailureRateLimit, ce.Kind)
	assert.Equal(t, RetryClassRetryable, ClassifyLLMError(wrapped))
	assert.Equal(t, 7*time.Second, RetryAfter(wrapped))
	assert.Equal(t, "too many requests", wrapped.Error())

	// status wins over misleading text
	wrapped = WrapLLMError(errors.New("network said no"), http.StatusUnauthorized, "")
	require.ErrorAs(t, wrapped, &ce)
	assert.Equal(t, FailureAuth, ce.Kind)
	assert.Zero(t, RetryAfter(wrapped))

	wrapped = WrapLLMError(errors.New("model overloaded"), 0, "soon")
	require.ErrorAs(t, wrapped, &ce)
	assert.Equal(t, FailureUnavailable, ce.Kind)
	assert.Zero(t, ce.RetryAfter)
}

func TestStatusFromError(t *testing.T) {
	status, retryAfter := StatusFromError(errors.New("error, status code: 429, Retry-After: 12"))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "12", retryAfter)

	status, retryAfter = StatusFromError(errors.New("upstream 503 retry after 4s"))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "4s", retryAfter)

	status, retryAfter = StatusFromError(errors.New("boom"))
	assert.Zero(t, status)
	assert.Empty(t, retryAfter)
}

func TestRetryExhaustedErrorUnwraps(t *testing.T) {
	base := errors.New("503")
	err := &RetryExhaustedError{Err: base, Attempts: 3, Guarded: true}
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "guarded retries exhausted after 3 attempts")
	assert.True(t, IsRetryExhausted(fmt.Errorf("turn: %w", err)))
}
