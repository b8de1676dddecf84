package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/promptroute/promptroute/internal/pricing"
)

// SimulatedClient is the in-process stand-in for real provider SDKs, used by
// local runs and tests. It echoes a canned completion after an optional
// delay and honors cancellation.
type SimulatedClient struct {
	Delay time.Duration
}

func (c *SimulatedClient) Invoke(ctx context.Context, inv Invocation) (*Completion, error) {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Message: ctx.Err().Error()}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTimeout, Message: err.Error()}
	}

	text := fmt.Sprintf("[%s/%s] %s", inv.Provider, inv.Model, inv.Prompt)
	return &Completion{
		Text:      text,
		Raw:       text,
		TokensIn:  pricing.EstimateTokens(inv.Prompt),
		TokensOut: pricing.EstimateTokens(text),
		Latency:   c.Delay,
	}, nil
}
