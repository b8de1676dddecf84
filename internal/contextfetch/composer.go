package contextfetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type ComposerConfig struct {
	FetchTimeout  time.Duration
	MaxConcurrent int
}

func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		FetchTimeout:  10 * time.Second,
		MaxConcurrent: 4,
	}
}

// FetchSpec names one fetch to run: the registered fetcher key plus its
// call parameters.
type FetchSpec struct {
	Key    string         `json:"key"`
	Params map[string]any `json:"params"`
}

// Composer runs fetches for a single request and collects results. Base data
// is snapshotted at construction and never mutated. A fetcher failure is
// recorded under errors[key] and replaced by the fetcher's fallback data (or
// an empty result); it is never propagated to the caller.
type Composer struct {
	registry *Registry
	config   ComposerConfig
	base     map[string]any

	mu      sync.Mutex
	order   []string
	fetched map[string]any
	errs    map[string]string
}

func NewComposer(registry *Registry, base map[string]any, config ComposerConfig) *Composer {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultComposerConfig().FetchTimeout
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultComposerConfig().MaxConcurrent
	}
	snapshot := make(map[string]any, len(base))
	for k, v := range base {
		snapshot[k] = v
	}
	return &Composer{
		registry: registry,
		config:   config,
		base:     snapshot,
		fetched:  make(map[string]any),
		errs:     make(map[string]string),
	}
}

// Fetch runs one fetcher. The fetcher sees base data merged with the
// call params (params win). Returns ErrUnregisteredFetcher for unknown keys;
// any failure of the fetcher itself is absorbed into the error map.
func (c *Composer) Fetch(ctx context.Context, key string, params map[string]any) error {
	f, ok := c.registry.Get(key)
	if !ok {
		c.recordError(key, ErrUnregisteredFetcher.Error())
		return ErrUnregisteredFetcher
	}

	merged := make(map[string]any, len(c.base)+len(params))
	for k, v := range c.base {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	if err := validateParams(f, merged); err != nil {
		c.absorbFailure(f, key, merged, err)
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	result, err := f.Fetch(fetchCtx, merged)
	if err != nil {
		c.absorbFailure(f, key, merged, err)
		return nil
	}

	c.recordResult(key, result)
	return nil
}

// FetchMultiple runs several fetches concurrently, bounded by MaxConcurrent.
// One key's failure never aborts the others; result ordering follows the
// spec order.
func (c *Composer) FetchMultiple(ctx context.Context, specs []FetchSpec) {
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, c.config.MaxConcurrent)

	for _, spec := range specs {
		spec := spec
		c.reserveOrder(spec.Key)
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				c.recordError(spec.Key, ctx.Err().Error())
				return nil
			}
			defer func() { <-sem }()

			c.Fetch(ctx, spec.Key, spec.Params)
			return nil
		})
	}

	g.Wait()
}

// Data returns base data merged with fetched results. A fetched value only
// ever lands under its own fetch key, so base keys are not silently
// overwritten by unrelated results.
func (c *Composer) Data() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.base)+len(c.fetched))
	for k, v := range c.base {
		out[k] = v
	}
	for k, v := range c.fetched {
		out[k] = v
	}
	return out
}

// Succeeded reports whether the key fetched cleanly (no recorded error).
func (c *Composer) Succeeded(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, fetched := c.fetched[key]
	_, errored := c.errs[key]
	return fetched && !errored
}

func (c *Composer) Errored(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.errs[key]
	return ok
}

func (c *Composer) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs) > 0
}

// SuccessfulKeys lists clean keys in the order they were requested.
func (c *Composer) SuccessfulKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for _, k := range c.order {
		if _, fetched := c.fetched[k]; !fetched {
			continue
		}
		if _, errored := c.errs[k]; errored {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func (c *Composer) ErrorKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for _, k := range c.order {
		if _, errored := c.errs[k]; errored {
			keys = append(keys, k)
		}
	}
	return keys
}

// Errors returns a copy of the per-key error messages.
func (c *Composer) Errors() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.errs))
	for k, v := range c.errs {
		out[k] = v
	}
	return out
}

// Result returns the fetched value for a key.
func (c *Composer) Result(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.fetched[key]
	return v, ok
}

// Reset clears fetched data and errors. Base data survives.
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.fetched = make(map[string]any)
	c.errs = make(map[string]string)
}

// absorbFailure records the error and fills the key from the fetcher's
// fallback, or with an empty result when there is none.
func (c *Composer) absorbFailure(f Fetcher, key string, merged map[string]any, err error) {
	c.recordError(key, err.Error())
	if fb, ok := f.(FallbackFetcher); ok {
		c.recordResult(key, fb.FallbackData(merged))
		return
	}
	c.recordResult(key, map[string]any{})
}

func (c *Composer) reserveOrder(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.order {
		if k == key {
			return
		}
	}
	c.order = append(c.order, key)
}

func (c *Composer) recordResult(key string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched[key] = result
	c.appendOrderLocked(key)
}

func (c *Composer) recordError(key, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[key] = msg
	c.appendOrderLocked(key)
}

func (c *Composer) appendOrderLocked(key string) {
	for _, k := range c.order {
		if k == key {
			return
		}
	}
	c.order = append(c.order, key)
}
