package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryClass says whether a failed collaborator call is worth repeating.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"
	RetryClassMaybe        RetryClass = "maybe" // at most two extra attempts
	RetryClassNonRetryable RetryClass = "non_retryable"
)

// FailureKind names why the collaborator call failed.
type FailureKind string

const (
	FailureRateLimit   FailureKind = "rate_limit"
	FailureUnavailable FailureKind = "unavailable"
	FailureNetwork     FailureKind = "network"
	FailureOverflow    FailureKind = "context_overflow"
	FailureAuth        FailureKind = "auth"
	FailureQuota       FailureKind = "quota"
	FailureBadRequest  FailureKind = "bad_request"
	FailureRefused     FailureKind = "refused"
	FailureUnknown     FailureKind = "unknown"
)

// Class maps a failure kind onto its retry class.
func (k FailureKind) Class() RetryClass {
	switch k {
	case FailureRateLimit, FailureUnavailable, FailureNetwork:
		return RetryClassRetryable
	case FailureOverflow:
		return RetryClassMaybe
	default:
		return RetryClassNonRetryable
	}
}

// CollaboratorError is a provider failure annotated with what the retry
// loop needs to know about it.
type CollaboratorError struct {
	Err        error
	Kind       FailureKind
	Status     int           // HTTP status, 0 when unknown
	RetryAfter time.Duration // server-requested wait, 0 when absent
}

func (e *CollaboratorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("collaborator failure: %s", e.Kind)
	}
	return e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Kinds by message substring, first match wins. Ollama and the SDKs do not
// share a typed error so the text is all there is.
var failureNeedles = []struct {
	kind    FailureKind
	needles []string
}{
	{FailureRateLimit, []string{"429", "rate limit", "too many requests"}},
	{FailureUnavailable, []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout", "overloaded"}},
	{FailureNetwork, []string{"timeout", "connection reset", "connection refused", "no such host", "network", "dns", "temporary failure"}},
	{FailureOverflow, []string{"deadline exceeded", "context length", "token limit", "maximum context length"}},
	{FailureAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "authentication failed"}},
	{FailureBadRequest, []string{"400", "bad request", "invalid request", "malformed"}},
	{FailureQuota, []string{"402", "quota", "billing", "payment required"}},
	{FailureRefused, []string{"content filter", "safety", "guardrail", "policy violation"}},
}

func kindFromText(msg string) FailureKind {
	msg = strings.ToLower(msg)
	for _, group := range failureNeedles {
		for _, n := range group.needles {
			if strings.Contains(msg, n) {
				return group.kind
			}
		}
	}
	return FailureUnknown
}

func kindFromStatus(status int) FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusPaymentRequired:
		return FailureQuota
	case status == http.StatusRequestTimeout:
		return FailureNetwork
	case status >= 500:
		return FailureUnavailable
	case status >= 400:
		return FailureBadRequest
	}
	return FailureUnknown
}

// ClassifyLLMError decides whether err from a collaborator call should be
// retried. Cancellation is never retried.
func ClassifyLLMError(err error) RetryClass {
	if err == nil || IsCancellation(err) {
		return RetryClassNonRetryable
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.Kind.Class()
	}
	return kindFromText(err.Error()).Class()
}

// IsCancellation reports whether err stems from the caller cancelling the
// context rather than a deadline or a provider failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// WrapLLMError annotates a provider error. retryAfter is the raw
// Retry-After value, either seconds or an HTTP date.
func WrapLLMError(err error, status int, retryAfter string) error {
	if err == nil || IsCancellation(err) {
		return err
	}
	kind := kindFromStatus(status)
	if kind == FailureUnknown {
		kind = kindFromText(err.Error())
	}
	return &CollaboratorError{
		Err:        err,
		Kind:       kind,
		Status:     status,
		RetryAfter: parseRetryAfter(retryAfter),
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var (
	statusRE     = regexp.MustCompile(`\b([45]\d\d)\b`)
	retryAfterRE = regexp.MustCompile(`(?i)retry[- ]after:?\s*([^\s,;]+)`)
)

// StatusFromError digs an HTTP status and Retry-After value out of an SDK
// error message.
func StatusFromError(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	msg := err.Error()

	var status int
	for _, m := range statusRE.FindAllStringSubmatch(msg, -1) {
		code, _ := strconv.Atoi(m[1])
		if http.StatusText(code) != "" {
			status = code
			break
		}
	}

	var retryAfter string
	if m := retryAfterRE.FindStringSubmatch(msg); m != nil {
		retryAfter = m[1]
	}
	return status, retryAfter
}

// RetryAfter returns the wait the server asked for, or 0.
func RetryAfter(err error) time.Duration {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// RetryExhaustedError is returned once the retry budget is spent. It wraps
// the last failure.
type RetryExhaustedError struct {
	Err      error
	Attempts int
	Guarded  bool // budget was the reduced one for RetryClassMaybe
}

func (e *RetryExhaustedError) Error() string {
	prefix := "retries"
	if e.Guarded {
		prefix = "guarded retries"
	}
	return fmt.Sprintf("%s exhausted after %d attempts: %v", prefix, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}
