package credentials

import (
	"context"
	"time"

	"github.com/promptroute/promptroute/internal/database"
	"gorm.io/gorm"
)

// Resolver picks the best usable credential for a dispatch: tenant default,
// then tenant most-recently-used, then the global fallback pool ordered by
// priority and usage.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ProviderBySlug loads an active provider row.
func (r *Resolver) ProviderBySlug(ctx context.Context, slug string) (*database.Provider, error) {
	var provider database.Provider
	err := database.DB.WithContext(ctx).
		Where("slug = ? AND active = ?", slug, true).
		First(&provider).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrUnknownProvider
		}
		return nil, err
	}
	return &provider, nil
}

// BestFor returns the preferred usable credential for (workspace, provider):
// the tenant default, else the tenant's most-recently-used, else the least
// used global fallback credential. Credentials that are inactive, expired,
// over their usage cap or whose secret fails decryption are skipped.
func (r *Resolver) BestFor(ctx context.Context, workspaceID uint, providerSlug string) (*database.Credential, error) {
	provider, err := r.ProviderBySlug(ctx, providerSlug)
	if err != nil {
		if err == ErrUnknownProvider {
			return nil, &NoCredentialError{Provider: providerSlug}
		}
		return nil, err
	}

	now := time.Now().UTC()

	// Tenant default.
	var defaults []database.Credential
	database.DB.WithContext(ctx).
		Where("workspace_id = ? AND provider_id = ? AND is_default = ? AND active = ?",
			workspaceID, provider.ID, true, true).
		Find(&defaults)
	if cred := r.firstUsable(defaults, now); cred != nil {
		return cred, nil
	}

	// Tenant most-recently-used.
	var recent []database.Credential
	database.DB.WithContext(ctx).
		Where("workspace_id = ? AND provider_id = ? AND active = ?", workspaceID, provider.ID, true).
		Order("last_used_at DESC").
		Find(&recent)
	if cred := r.firstUsable(recent, now); cred != nil {
		return cred, nil
	}

	// Global fallback pool: lowest priority value first, then least used.
	var pool []database.Credential
	database.DB.WithContext(ctx).
		Where("workspace_id IS NULL AND provider_id = ? AND is_fallback = ? AND active = ?",
			provider.ID, true, true).
		Order("priority ASC, usage_count ASC").
		Find(&pool)
	if cred := r.firstUsable(pool, now); cred != nil {
		return cred, nil
	}

	return nil, &NoCredentialError{Provider: providerSlug}
}

// ResolveForModel is BestFor plus a supported-model check. A model outside
// the provider's supported set fails with UnsupportedModelError instead of
// silently falling through to a different model.
func (r *Resolver) ResolveForModel(ctx context.Context, workspaceID uint, providerSlug, model string) (*database.Credential, error) {
	provider, err := r.ProviderBySlug(ctx, providerSlug)
	if err != nil {
		if err == ErrUnknownProvider {
			return nil, &NoCredentialError{Provider: providerSlug}
		}
		return nil, err
	}

	if !provider.SupportsModel(model) {
		return nil, &UnsupportedModelError{
			Provider:  providerSlug,
			Model:     model,
			Supported: provider.ModelList(),
		}
	}

	return r.BestFor(ctx, workspaceID, providerSlug)
}

// DefaultProviderFor returns the provider slug of the workspace's default
// credential, falling back to its most recently used one. Used when a
// dispatch request names no provider.
func (r *Resolver) DefaultProviderFor(ctx context.Context, workspaceID uint) (string, error) {
	now := time.Now().UTC()

	var creds []database.Credential
	database.DB.WithContext(ctx).
		Where("workspace_id = ? AND active = ?", workspaceID, true).
		Order("is_default DESC, last_used_at DESC").
		Find(&creds)

	cred := r.firstUsable(creds, now)
	if cred == nil {
		return "", &NoCredentialError{Provider: "any"}
	}

	var provider database.Provider
	if err := database.DB.WithContext(ctx).First(&provider, cred.ProviderID).Error; err != nil {
		return "", err
	}
	return provider.Slug, nil
}

// MarkUsed bumps usage counters and the last-used timestamp in one UPDATE.
// Called exactly once per resolution that leads to an actual dispatch, never
// for estimation or dry runs. The counter is eventually consistent: two
// in-flight dispatches may both pass the usage-cap check before either
// increment lands, so overshoot is bounded by in-flight concurrency.
func (r *Resolver) MarkUsed(ctx context.Context, id uint) error {
	now := time.Now().UTC()
	return database.DB.WithContext(ctx).Model(&database.Credential{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"usage_count":       gorm.Expr("usage_count + 1"),
			"daily_usage_count": gorm.Expr("CASE WHEN date(last_used_at) = date('now') THEN daily_usage_count + 1 ELSE 1 END"),
			"last_used_at":      now,
		}).Error
}

// firstUsable scans candidates in preference order and returns the first
// whose state and secret both check out.
func (r *Resolver) firstUsable(creds []database.Credential, now time.Time) *database.Credential {
	for i := range creds {
		cred := &creds[i]
		if !cred.Usable(now) {
			continue
		}
		if _, ok := r.store.Secret(cred); !ok {
			continue
		}
		return cred
	}
	return nil
}
