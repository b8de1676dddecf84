// Package provider defines the outbound capability the router consumes:
// invoke a model with a credential and get text plus token counts back, or a
// typed failure. Transport, auth headers and SDK specifics live behind the
// Client interface and are out of scope for the core.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindServerError ErrorKind = "server_error"
	KindAuthError   ErrorKind = "auth_error"
)

// Error is a typed provider failure. AuthError is never retryable; the
// other kinds are retryable per routing policy.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// Classify maps any error from an Invoke call to a typed provider error.
// Context deadline and cancellation surface as timeouts.
func Classify(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	return &Error{Kind: KindServerError, Message: err.Error()}
}

// Invocation is one model call.
type Invocation struct {
	Provider    string
	Model       string
	Secret      string
	Prompt      string
	Format      string
	Temperature float64
	MaxTokens   int
}

// Completion is a successful model response.
type Completion struct {
	Text      string
	Raw       string
	TokensIn  int64
	TokensOut int64
	Latency   time.Duration
}

type Client interface {
	Invoke(ctx context.Context, inv Invocation) (*Completion, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, inv Invocation) (*Completion, error)

func (f ClientFunc) Invoke(ctx context.Context, inv Invocation) (*Completion, error) {
	return f(ctx, inv)
}
