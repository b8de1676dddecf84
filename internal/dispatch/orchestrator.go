package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/promptroute/promptroute/internal/contextfetch"
	"github.com/promptroute/promptroute/internal/credentials"
	"github.com/promptroute/promptroute/internal/database"
	"github.com/promptroute/promptroute/internal/pricing"
	"github.com/promptroute/promptroute/internal/provider"
	"github.com/promptroute/promptroute/internal/quota"
	"github.com/promptroute/promptroute/internal/routing"
	"github.com/promptroute/promptroute/internal/usage"
)

// Config tunes the dispatch pipeline. Zero values fall back to defaults.
type Config struct {
	FetchTimeout      time.Duration
	FetchConcurrency  int
	ProviderTimeout   time.Duration
	DispatchPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		FetchTimeout:      10 * time.Second,
		FetchConcurrency:  4,
		ProviderTimeout:   120 * time.Second,
		DispatchPerSecond: 10,
	}
}

// Orchestrator runs the full dispatch pipeline: context composition, template
// rendering, credential resolution, quota admission and the routing engine.
type Orchestrator struct {
	registry *contextfetch.Registry
	resolver *credentials.Resolver
	store    *credentials.Store
	enforcer *quota.Enforcer
	engine   *routing.Engine
	cfg      Config

	limiters sync.Map // workspaceID -> *rate.Limiter
}

func NewOrchestrator(registry *contextfetch.Registry, resolver *credentials.Resolver,
	store *credentials.Store, enforcer *quota.Enforcer, client provider.Client, cfg Config) *Orchestrator {

	def := DefaultConfig()
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = def.FetchConcurrency
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.DispatchPerSecond <= 0 {
		cfg.DispatchPerSecond = def.DispatchPerSecond
	}
	return &Orchestrator{
		registry: registry,
		resolver: resolver,
		store:    store,
		enforcer: enforcer,
		engine:   routing.NewEngine(client),
		cfg:      cfg,
	}
}

// limiterFor paces dispatches per workspace so one tenant cannot starve the
// rest of the process.
func (o *Orchestrator) limiterFor(workspaceID uint) *rate.Limiter {
	if l, ok := o.limiters.Load(workspaceID); ok {
		return l.(*rate.Limiter)
	}
	burst := int(o.cfg.DispatchPerSecond)
	if burst < 1 {
		burst = 1
	}
	l, _ := o.limiters.LoadOrStore(workspaceID, rate.NewLimiter(rate.Limit(o.cfg.DispatchPerSecond), burst))
	return l.(*rate.Limiter)
}

// Dispatch runs one request end to end. Errors are typed so the API layer can
// map them to status codes.
func (o *Orchestrator) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	composer := contextfetch.NewComposer(o.registry, req.Context, contextfetch.ComposerConfig{
		FetchTimeout:  o.cfg.FetchTimeout,
		MaxConcurrent: o.cfg.FetchConcurrency,
	})
	if len(req.Fetches) > 0 {
		composer.FetchMultiple(ctx, req.Fetches)
	}

	prompt, err := RenderTemplate(req.Template, composer.Data())
	if err != nil {
		return nil, err
	}

	providerSlug := req.Provider
	if providerSlug == "" {
		providerSlug, err = o.resolver.DefaultProviderFor(ctx, req.WorkspaceID)
		if err != nil {
			return nil, err
		}
	}
	prov, err := o.resolver.ProviderBySlug(ctx, providerSlug)
	if err != nil {
		return nil, err
	}

	pol, err := o.loadPolicy(ctx, req)
	if err != nil {
		return nil, err
	}

	primary := req.Model
	if primary == "" && pol != nil {
		primary = pol.PrimaryModel
	}

	var cred *database.Credential
	if primary != "" {
		cred, err = o.resolver.ResolveForModel(ctx, req.WorkspaceID, providerSlug, primary)
	} else {
		cred, err = o.resolver.BestFor(ctx, req.WorkspaceID, providerSlug)
	}
	if err != nil {
		return nil, err
	}
	if primary == "" {
		primary = cred.PreferredModel
		if primary == "" {
			primary = prov.DefaultModel
		}
	}
	secret, ok := o.store.Secret(cred)
	if !ok {
		return nil, &credentials.NoCredentialError{Provider: providerSlug}
	}

	runPolicy := buildPolicy(pol, primary, o.cfg.ProviderTimeout)

	maxTokens := cred.MaxTokens
	estimate := pricing.EstimateCostMicro(providerSlug, primary, prompt, maxTokens)
	status, err := o.enforcer.Reserve(ctx, req.WorkspaceID, estimate)
	if err != nil {
		return nil, err
	}

	if err := o.limiterFor(req.WorkspaceID).Wait(ctx); err != nil {
		o.release(req.WorkspaceID, estimate)
		return nil, err
	}

	inv := provider.Invocation{
		Provider:    providerSlug,
		Model:       primary,
		Secret:      secret,
		Prompt:      prompt,
		Format:      req.Format,
		Temperature: cred.Temperature,
		MaxTokens:   maxTokens,
	}

	started := time.Now()
	run, runErr := o.engine.Run(ctx, runPolicy, inv)
	elapsedMs := float64(time.Since(started).Milliseconds())

	if runErr != nil {
		o.release(req.WorkspaceID, estimate)
		o.recordOutcome(req.WorkspaceID, cred.ID, providerSlug, primary, 0, 0, false, elapsedMs)
		return nil, runErr
	}

	actual := pricing.CostMicro(providerSlug, run.ModelUsed, run.Completion.TokensIn, run.Completion.TokensOut)
	o.release(req.WorkspaceID, estimate-actual)

	if err := o.resolver.MarkUsed(ctx, cred.ID); err != nil {
		return nil, err
	}
	tokens := run.Completion.TokensIn + run.Completion.TokensOut
	o.recordOutcome(req.WorkspaceID, cred.ID, providerSlug, run.ModelUsed,
		tokens, actual, true, float64(run.Completion.Latency.Milliseconds()))

	return &Result{
		ID:                 uuid.NewString(),
		Output:             run.Completion.Text,
		RawOutput:          run.Completion.Raw,
		ModelUsed:          run.ModelUsed,
		ProviderUsed:       providerSlug,
		TokensUsed:         tokens,
		EstimatedCostMicro: run.EstimatedCostMicro,
		ActualCostMicro:    actual,
		Attempts:           run.Attempts,
		CostWarning:        run.CostWarning,
		QuotaFlagged:       status.Flagged,
		ContextErrors:      composer.Errors(),
	}, nil
}

// loadPolicy fetches the named enabled policy, or nil when none was requested.
func (o *Orchestrator) loadPolicy(ctx context.Context, req *Request) (*database.RoutingPolicy, error) {
	if req.PolicyName == "" {
		return nil, nil
	}
	var pol database.RoutingPolicy
	err := database.DB.WithContext(ctx).
		Where("workspace_id = ? AND name = ? AND enabled = ?", req.WorkspaceID, req.PolicyName, true).
		First(&pol).Error
	if err != nil {
		return nil, &ValidationError{Field: "policy", Message: "no enabled policy named " + req.PolicyName}
	}
	return &pol, nil
}

// buildPolicy turns a stored policy row into the engine's evaluated form. With
// no stored policy the chain is the single resolved model.
func buildPolicy(pol *database.RoutingPolicy, primary string, defaultTimeout time.Duration) routing.Policy {
	out := routing.Policy{
		PrimaryModel: primary,
		Timeout:      defaultTimeout,
	}
	if pol == nil {
		return out
	}
	out.FallbackModels = pol.FallbackModelList()
	out.CostWarnMicro = pol.CostWarnMicro
	out.CostBlockMicro = pol.CostBlockMicro
	out.RetryAttempts = pol.RetryAttempts
	out.RetryDelay = time.Duration(pol.RetryDelayMs) * time.Millisecond
	out.FailureConditions = pol.FailureConditionList()
	if pol.TimeoutMs > 0 {
		out.Timeout = time.Duration(pol.TimeoutMs) * time.Millisecond
	}
	return out
}

// release reconciles the admitted estimate against what was actually spent.
// Uses a fresh context so cancelled requests still settle their counters.
func (o *Orchestrator) release(workspaceID uint, overMicro int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.enforcer.RecordSpend(ctx, workspaceID, -overMicro)
}

func (o *Orchestrator) recordOutcome(workspaceID, credentialID uint, providerSlug, model string,
	tokens, costMicro int64, success bool, responseMs float64) {

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = usage.Record(ctx, workspaceID, credentialID, providerSlug, model,
		tokens, costMicro, success, responseMs, "")
}
