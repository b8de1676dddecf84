// Package contextfetch enriches a prompt with data pulled from pluggable
// external sources before dispatch. Fetchers are registered under symbolic
// keys at process start; a per-request Composer runs fetches against the
// registry and isolates per-key failures so one broken source never sinks
// the whole request.
package contextfetch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidKey         = errors.New("fetcher key must be a well-formed symbol")
	ErrInvalidFetcher     = errors.New("fetcher must not be nil")
	ErrUnregisteredFetcher = errors.New("no fetcher registered for key")
)

// MissingParameterError reports required params absent from a fetch call.
type MissingParameterError struct {
	Keys []string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameters: %s", strings.Join(e.Keys, ", "))
}

// Fetcher is the pluggable data-source capability. Implementations declare
// their parameter contract; validation runs before Fetch.
type Fetcher interface {
	Description() string
	AllowedParams() []string
	RequiredParams() []string
	Fetch(ctx context.Context, params map[string]any) (any, error)
}

// FallbackFetcher is implemented by fetchers that can supply default data
// when the live fetch fails.
type FallbackFetcher interface {
	FallbackData(params map[string]any) any
}

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Registry maps symbolic keys to fetchers. Safe for concurrent registration
// at startup; not meant for per-request mutation.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register binds a fetcher to a key. Keys are case-folded.
func (r *Registry) Register(key string, f Fetcher) error {
	key = strings.ToLower(key)
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	if f == nil {
		return ErrInvalidFetcher
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[key] = f
	return nil
}

func (r *Registry) Get(key string) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[strings.ToLower(key)]
	return f, ok
}

// Unregister removes and returns the prior fetcher, if any.
func (r *Registry) Unregister(key string) (Fetcher, bool) {
	key = strings.ToLower(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.fetchers[key]
	if ok {
		delete(r.fetchers, key)
	}
	return f, ok
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.fetchers))
	for k := range r.fetchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers = make(map[string]Fetcher)
}

// validateParams checks required params are present before the fetch runs.
func validateParams(f Fetcher, params map[string]any) error {
	var missing []string
	for _, k := range f.RequiredParams() {
		if v, ok := params[k]; !ok || v == nil {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &MissingParameterError{Keys: missing}
	}
	return nil
}
