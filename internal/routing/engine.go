// Package routing evaluates a named policy and drives the dispatch attempt
// loop: estimate cost, gate on thresholds, invoke the provider, and walk the
// ordered fallback chain on retryable failures.
package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/promptroute/promptroute/internal/pricing"
	"github.com/promptroute/promptroute/internal/provider"
)

// State of one dispatch run. Transitions:
// Pending -> Estimating -> (Blocked | Dispatching)
// Dispatching -> (Succeeded | Retrying -> Estimating | ExhaustedFallbacks)
type State int

const (
	StatePending State = iota
	StateEstimating
	StateBlocked
	StateDispatching
	StateRetrying
	StateSucceeded
	StateExhaustedFallbacks
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEstimating:
		return "estimating"
	case StateBlocked:
		return "blocked"
	case StateDispatching:
		return "dispatching"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhaustedFallbacks:
		return "exhausted_fallbacks"
	default:
		return "unknown"
	}
}

// Policy is the evaluated form of a stored RoutingPolicy.
type Policy struct {
	PrimaryModel      string
	FallbackModels    []string
	CostWarnMicro     int64
	CostBlockMicro    int64
	RetryAttempts     int // cap on total attempts; 0 = one per candidate model
	RetryDelay        time.Duration
	Timeout           time.Duration
	FailureConditions []string // retryable kinds; empty = all but auth_error
}

// Attempt is one entry in the dispatch trail.
type Attempt struct {
	Model   string `json:"model"`
	Outcome string `json:"outcome"`
}

// Result of a successful run. Path records the state transitions taken.
type Result struct {
	Completion         *provider.Completion
	ModelUsed          string
	EstimatedCostMicro int64
	CostWarning        bool
	Attempts           []Attempt
	Path               []State
}

// CostBlockedError is terminal before any dispatch: the estimate crossed the
// policy's block threshold.
type CostBlockedError struct {
	Model          string
	EstimatedMicro int64
	BlockMicro     int64
	Attempts       []Attempt
}

func (e *CostBlockedError) Error() string {
	return fmt.Sprintf("estimated cost %dµ$ for %s exceeds block threshold %dµ$",
		e.EstimatedMicro, e.Model, e.BlockMicro)
}

// ExhaustedFallbacksError carries the full attempt trail and the last
// underlying provider failure.
type ExhaustedFallbacksError struct {
	Attempts []Attempt
	LastErr  error
}

func (e *ExhaustedFallbacksError) Error() string {
	return fmt.Sprintf("all %d dispatch attempts failed: %v", len(e.Attempts), e.LastErr)
}

func (e *ExhaustedFallbacksError) Unwrap() error {
	return e.LastErr
}

// Engine runs the fallback loop against a provider client. The loop is
// sequential: each attempt's outcome decides whether the next candidate is
// tried.
type Engine struct {
	Client provider.Client
}

func NewEngine(client provider.Client) *Engine {
	return &Engine{Client: client}
}

// Run drives the state machine over the policy's candidate models. The
// invocation's Model field is overwritten per attempt.
func (e *Engine) Run(ctx context.Context, pol Policy, inv provider.Invocation) (*Result, error) {
	candidates := append([]string{pol.PrimaryModel}, pol.FallbackModels...)
	maxAttempts := pol.RetryAttempts
	if maxAttempts <= 0 || maxAttempts > len(candidates) {
		maxAttempts = len(candidates)
	}

	path := []State{StatePending}
	var attempts []Attempt
	var lastErr error
	costWarning := false

	for i := 0; i < maxAttempts; i++ {
		model := candidates[i]

		path = append(path, StateEstimating)
		estimate := pricing.EstimateCostMicro(inv.Provider, model, inv.Prompt, inv.MaxTokens)

		if pol.CostBlockMicro > 0 && estimate >= pol.CostBlockMicro {
			path = append(path, StateBlocked)
			attempts = append(attempts, Attempt{Model: model, Outcome: "cost_blocked"})
			return nil, &CostBlockedError{
				Model:          model,
				EstimatedMicro: estimate,
				BlockMicro:     pol.CostBlockMicro,
				Attempts:       attempts,
			}
		}
		if pol.CostWarnMicro > 0 && estimate >= pol.CostWarnMicro {
			costWarning = true
		}

		path = append(path, StateDispatching)
		inv.Model = model

		attemptCtx := ctx
		var cancel context.CancelFunc
		if pol.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, pol.Timeout)
		}
		completion, err := e.Client.Invoke(attemptCtx, inv)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			path = append(path, StateSucceeded)
			attempts = append(attempts, Attempt{Model: model, Outcome: "succeeded"})
			return &Result{
				Completion:         completion,
				ModelUsed:          model,
				EstimatedCostMicro: estimate,
				CostWarning:        costWarning,
				Attempts:           attempts,
				Path:               path,
			}, nil
		}

		perr := provider.Classify(err)
		attempts = append(attempts, Attempt{Model: model, Outcome: string(perr.Kind)})
		lastErr = perr

		// Caller went away: stop immediately, no further fallbacks.
		if ctx.Err() != nil {
			break
		}

		if !retryable(pol, perr.Kind) {
			break
		}

		if i+1 < maxAttempts {
			path = append(path, StateRetrying)
			if pol.RetryDelay > 0 {
				select {
				case <-time.After(pol.RetryDelay):
				case <-ctx.Done():
					return nil, &ExhaustedFallbacksError{Attempts: attempts, LastErr: lastErr}
				}
			}
		}
	}

	return nil, &ExhaustedFallbacksError{Attempts: attempts, LastErr: lastErr}
}

// retryable per the policy's failure conditions. AuthError is always
// terminal; an empty condition list means every other kind is retryable.
func retryable(pol Policy, kind provider.ErrorKind) bool {
	if kind == provider.KindAuthError {
		return false
	}
	if len(pol.FailureConditions) == 0 {
		return true
	}
	for _, c := range pol.FailureConditions {
		if c == string(kind) {
			return true
		}
	}
	return false
}
