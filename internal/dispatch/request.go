package dispatch

import (
	"fmt"

	"github.com/promptroute/promptroute/internal/contextfetch"
	"github.com/promptroute/promptroute/internal/routing"
)

// ValidationError rejects a malformed request before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

var validFormats = map[string]bool{
	"text":     true,
	"json":     true,
	"markdown": true,
	"html":     true,
}

// Request is the inbound dispatch contract.
type Request struct {
	WorkspaceID uint                     `json:"-"`
	Template    string                   `json:"template"`
	Context     map[string]any           `json:"context"`
	Format      string                   `json:"format"`
	Provider    string                   `json:"provider,omitempty"`
	Model       string                   `json:"model,omitempty"`
	PolicyName  string                   `json:"policy,omitempty"`
	Fetches     []contextfetch.FetchSpec `json:"fetches,omitempty"`
}

// Validate checks the request shape. Runs before any resolution work.
func (r *Request) Validate() error {
	if r.Template == "" {
		return &ValidationError{Field: "template", Message: "must not be empty"}
	}
	if r.Format == "" {
		r.Format = "text"
	}
	if !validFormats[r.Format] {
		return &ValidationError{Field: "format", Message: "must be one of text, json, markdown, html"}
	}
	if r.Context == nil {
		r.Context = map[string]any{}
	}
	return nil
}

// Result is the outbound dispatch contract.
type Result struct {
	ID                 string            `json:"id"`
	Output             string            `json:"output"`
	RawOutput          string            `json:"raw_output"`
	ModelUsed          string            `json:"model_used"`
	ProviderUsed       string            `json:"provider_used"`
	TokensUsed         int64             `json:"tokens_used"`
	EstimatedCostMicro int64             `json:"estimated_cost_micro"`
	ActualCostMicro    int64             `json:"actual_cost_micro"`
	Attempts           []routing.Attempt `json:"attempts"`
	CostWarning        bool              `json:"cost_warning"`
	QuotaFlagged       bool              `json:"quota_flagged"`
	ContextErrors      map[string]string `json:"context_errors,omitempty"`
}
