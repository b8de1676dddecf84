package routing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promptroute/promptroute/internal/provider"
)

// scriptedClient fails per-model according to the script; models not in the
// script succeed.
type scriptedClient struct {
	script  map[string]provider.ErrorKind
	invoked []string
	calls   atomic.Int32
}

func (c *scriptedClient) Invoke(ctx context.Context, inv provider.Invocation) (*provider.Completion, error) {
	c.calls.Add(1)
	c.invoked = append(c.invoked, inv.Model)
	if kind, ok := c.script[inv.Model]; ok {
		return nil, &provider.Error{Kind: kind, Message: "scripted failure"}
	}
	return &provider.Completion{
		Text: "ok", Raw: "ok",
		TokensIn: 10, TokensOut: 20,
	}, nil
}

func TestRunPrimarySucceeds(t *testing.T) {
	client := &scriptedClient{}
	engine := NewEngine(client)

	result, err := engine.Run(context.Background(), Policy{
		PrimaryModel:   "gpt-4",
		FallbackModels: []string{"gpt-3.5-turbo"},
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.ModelUsed != "gpt-4" {
		t.Errorf("ModelUsed = %s, want gpt-4", result.ModelUsed)
	}
	if len(result.Attempts) != 1 || result.Attempts[0].Outcome != "succeeded" {
		t.Errorf("Attempts = %+v, want one success", result.Attempts)
	}
	if client.calls.Load() != 1 {
		t.Errorf("client calls = %d, want 1", client.calls.Load())
	}
}

// An estimate of $0.05 against a $0.10 block threshold proceeds; $0.15
// blocks without ever calling the provider. Prompt lengths are chosen so
// gpt-4 input pricing (30µ$/token) lands on those estimates.
func TestRunCostThresholds(t *testing.T) {
	// 1667 chars -> 417 tokens -> ~12510µ$ + 30000µ$ output (33 tokens * ... )
	// Simpler: drive the estimate via MaxTokens against gpt-4 output pricing
	// (60µ$/token): 833 output tokens ≈ 49980µ$ ≈ $0.05; 2500 ≈ $0.15.
	tests := []struct {
		name       string
		maxTokens  int
		wantBlock  bool
	}{
		{"estimate under block threshold proceeds", 833, false},
		{"estimate over block threshold never dispatches", 2500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{}
			engine := NewEngine(client)

			_, err := engine.Run(context.Background(), Policy{
				PrimaryModel:   "gpt-4",
				FallbackModels: []string{"gpt-3.5-turbo"},
				CostBlockMicro: 100000, // $0.10
			}, provider.Invocation{Provider: "openai", Prompt: "hi", MaxTokens: tt.maxTokens})

			var blocked *CostBlockedError
			if tt.wantBlock {
				if !errors.As(err, &blocked) {
					t.Fatalf("Run error = %v, want CostBlockedError", err)
				}
				if client.calls.Load() != 0 {
					t.Error("provider must not be called when cost-blocked")
				}
			} else {
				if err != nil {
					t.Fatalf("Run failed: %v", err)
				}
				if client.calls.Load() != 1 {
					t.Error("provider should be called when under threshold")
				}
			}
		})
	}
}

func TestRunCostWarning(t *testing.T) {
	client := &scriptedClient{}
	engine := NewEngine(client)

	result, err := engine.Run(context.Background(), Policy{
		PrimaryModel:  "gpt-4",
		CostWarnMicro: 1, // anything trips the warning
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.CostWarning {
		t.Error("CostWarning should be set when estimate crosses warn threshold")
	}
}

func TestRunFallbackOnRetryableFailure(t *testing.T) {
	client := &scriptedClient{script: map[string]provider.ErrorKind{
		"gpt-4": provider.KindServerError,
	}}
	engine := NewEngine(client)

	result, err := engine.Run(context.Background(), Policy{
		PrimaryModel:   "gpt-4",
		FallbackModels: []string{"gpt-3.5-turbo"},
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.ModelUsed != "gpt-3.5-turbo" {
		t.Errorf("ModelUsed = %s, want fallback model", result.ModelUsed)
	}
	wantTrail := []Attempt{
		{Model: "gpt-4", Outcome: "server_error"},
		{Model: "gpt-3.5-turbo", Outcome: "succeeded"},
	}
	if len(result.Attempts) != 2 || result.Attempts[0] != wantTrail[0] || result.Attempts[1] != wantTrail[1] {
		t.Errorf("Attempts = %+v, want %+v", result.Attempts, wantTrail)
	}
}

func TestRunAuthErrorIsTerminal(t *testing.T) {
	client := &scriptedClient{script: map[string]provider.ErrorKind{
		"gpt-4": provider.KindAuthError,
	}}
	engine := NewEngine(client)

	_, err := engine.Run(context.Background(), Policy{
		PrimaryModel:   "gpt-4",
		FallbackModels: []string{"gpt-3.5-turbo"},
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 10})

	var exhausted *ExhaustedFallbacksError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Run error = %v, want ExhaustedFallbacksError", err)
	}
	if len(exhausted.Attempts) != 1 {
		t.Errorf("Attempts = %+v, want 1 (auth error consumes no fallbacks)", exhausted.Attempts)
	}
	if client.calls.Load() != 1 {
		t.Errorf("client calls = %d, want 1", client.calls.Load())
	}
}

func TestRunFailureConditionsFilter(t *testing.T) {
	// rate_limited is not in the policy's retryable set, so no fallback.
	client := &scriptedClient{script: map[string]provider.ErrorKind{
		"gpt-4": provider.KindRateLimited,
	}}
	engine := NewEngine(client)

	_, err := engine.Run(context.Background(), Policy{
		PrimaryModel:      "gpt-4",
		FallbackModels:    []string{"gpt-3.5-turbo"},
		FailureConditions: []string{"timeout"},
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 10})

	var exhausted *ExhaustedFallbacksError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Run error = %v, want ExhaustedFallbacksError", err)
	}
	if client.calls.Load() != 1 {
		t.Errorf("client calls = %d, want 1 (rate_limited not retryable here)", client.calls.Load())
	}
}

func TestRunExhaustsAllCandidates(t *testing.T) {
	client := &scriptedClient{script: map[string]provider.ErrorKind{
		"gpt-4":         provider.KindTimeout,
		"gpt-3.5-turbo": provider.KindServerError,
	}}
	engine := NewEngine(client)

	_, err := engine.Run(context.Background(), Policy{
		PrimaryModel:   "gpt-4",
		FallbackModels: []string{"gpt-3.5-turbo"},
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 10})

	var exhausted *ExhaustedFallbacksError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Run error = %v, want ExhaustedFallbacksError", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Errorf("Attempts = %+v, want both candidates tried", exhausted.Attempts)
	}
	var perr *provider.Error
	if !errors.As(exhausted.LastErr, &perr) || perr.Kind != provider.KindServerError {
		t.Errorf("LastErr = %v, want last provider failure", exhausted.LastErr)
	}
}

func TestRunRetryAttemptsBound(t *testing.T) {
	client := &scriptedClient{script: map[string]provider.ErrorKind{
		"m1": provider.KindServerError,
		"m2": provider.KindServerError,
		"m3": provider.KindServerError,
	}}
	engine := NewEngine(client)

	_, err := engine.Run(context.Background(), Policy{
		PrimaryModel:   "m1",
		FallbackModels: []string{"m2", "m3"},
		RetryAttempts:  2,
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 10})

	var exhausted *ExhaustedFallbacksError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Run error = %v, want ExhaustedFallbacksError", err)
	}
	if client.calls.Load() != 2 {
		t.Errorf("client calls = %d, want RetryAttempts cap of 2", client.calls.Load())
	}
}

func TestRunAttemptTimeout(t *testing.T) {
	slow := provider.ClientFunc(func(ctx context.Context, inv provider.Invocation) (*provider.Completion, error) {
		select {
		case <-time.After(time.Second):
			return &provider.Completion{Text: "late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	engine := NewEngine(slow)

	start := time.Now()
	_, err := engine.Run(context.Background(), Policy{
		PrimaryModel: "gpt-4",
		Timeout:      10 * time.Millisecond,
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 10})
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Run should enforce the per-attempt timeout")
	}

	var exhausted *ExhaustedFallbacksError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Run error = %v, want ExhaustedFallbacksError", err)
	}
	if exhausted.Attempts[0].Outcome != "timeout" {
		t.Errorf("Outcome = %s, want timeout", exhausted.Attempts[0].Outcome)
	}
}

func TestRunCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := provider.ClientFunc(func(ctx context.Context, inv provider.Invocation) (*provider.Completion, error) {
		cancel() // caller disconnects mid-call
		return nil, &provider.Error{Kind: provider.KindServerError, Message: "mid-flight"}
	})
	engine := NewEngine(client)

	var calls int
	counting := provider.ClientFunc(func(ctx context.Context, inv provider.Invocation) (*provider.Completion, error) {
		calls++
		return client.Invoke(ctx, inv)
	})
	engine.Client = counting

	_, err := engine.Run(ctx, Policy{
		PrimaryModel:   "gpt-4",
		FallbackModels: []string{"gpt-3.5-turbo"},
	}, provider.Invocation{Provider: "openai", Prompt: "hello", MaxTokens: 10})

	var exhausted *ExhaustedFallbacksError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Run error = %v, want ExhaustedFallbacksError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no fallbacks after caller cancellation)", calls)
	}
}
