package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/promptroute/promptroute/internal/database"
)

func createCred(t *testing.T, store *Store, cred *database.Credential, secret string) *database.Credential {
	t.Helper()
	if err := store.Create(context.Background(), cred, secret); err != nil {
		t.Fatalf("create credential %s: %v", cred.Name, err)
	}
	return cred
}

func TestResolverBestForPreferenceOrder(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	store := newTestStore(t)
	resolver := NewResolver(store)
	ws := testWorkspace(t, "acme")
	openai := providerID(t, "openai")
	ctx := context.Background()

	recentUse := time.Now().UTC().Add(-time.Hour)
	olderUse := time.Now().UTC().Add(-48 * time.Hour)

	older := createCred(t, store, &database.Credential{
		WorkspaceID: &ws.ID, ProviderID: openai, Name: "older",
		Active: true, LastUsedAt: &olderUse,
	}, "sk-older")
	recent := createCred(t, store, &database.Credential{
		WorkspaceID: &ws.ID, ProviderID: openai, Name: "recent",
		Active: true, LastUsedAt: &recentUse,
	}, "sk-recent")
	pool := createCred(t, store, &database.Credential{
		ProviderID: openai, Name: "pool", IsFallback: true, Active: true, Priority: 1,
	}, "sk-pool")

	// No default: most recently used wins.
	got, err := resolver.BestFor(ctx, ws.ID, "openai")
	if err != nil {
		t.Fatalf("BestFor failed: %v", err)
	}
	if got.ID != recent.ID {
		t.Errorf("BestFor = %s, want most-recently-used", got.Name)
	}

	// A default beats most-recently-used.
	def := createCred(t, store, &database.Credential{
		WorkspaceID: &ws.ID, ProviderID: openai, Name: "default",
		IsDefault: true, Active: true,
	}, "sk-default")
	got, err = resolver.BestFor(ctx, ws.ID, "openai")
	if err != nil {
		t.Fatalf("BestFor failed: %v", err)
	}
	if got.ID != def.ID {
		t.Errorf("BestFor = %s, want default", got.Name)
	}

	// With all tenant credentials inactive, the fallback pool serves.
	database.DB.Model(&database.Credential{}).
		Where("id IN ?", []uint{older.ID, recent.ID, def.ID}).
		Update("active", false)
	got, err = resolver.BestFor(ctx, ws.ID, "openai")
	if err != nil {
		t.Fatalf("BestFor failed: %v", err)
	}
	if got.ID != pool.ID {
		t.Errorf("BestFor = %s, want fallback pool credential", got.Name)
	}
}

func TestResolverSkipsUnusableCredentials(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	store := newTestStore(t)
	resolver := NewResolver(store)
	ws := testWorkspace(t, "acme")
	openai := providerID(t, "openai")
	ctx := context.Background()

	expired := time.Now().UTC().Add(-time.Minute)

	tests := []struct {
		name  string
		cred  database.Credential
		corrupt func(id uint)
	}{
		{
			name: "inactive",
			cred: database.Credential{WorkspaceID: &ws.ID, ProviderID: openai, Name: "inactive", IsDefault: true},
			corrupt: func(id uint) {
				database.DB.Model(&database.Credential{}).Where("id = ?", id).Update("active", false)
			},
		},
		{
			name: "expired",
			cred: database.Credential{WorkspaceID: &ws.ID, ProviderID: openai, Name: "expired", IsDefault: true, Active: true, ExpiresAt: &expired},
		},
		{
			name: "over usage cap",
			cred: database.Credential{WorkspaceID: &ws.ID, ProviderID: openai, Name: "capped", IsDefault: true, Active: true, UsageCount: 10, UsageLimit: 10},
		},
		{
			name: "tampered secret",
			cred: database.Credential{WorkspaceID: &ws.ID, ProviderID: openai, Name: "tampered", IsDefault: true, Active: true},
			corrupt: func(id uint) {
				database.DB.Model(&database.Credential{}).Where("id = ?", id).Update("encrypted_secret", "garbage")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database.DB.Where("provider_id = ?", openai).Delete(&database.Credential{})

			cred := tt.cred
			createCred(t, store, &cred, "sk-test")
			if tt.corrupt != nil {
				tt.corrupt(cred.ID)
			}

			_, err := resolver.BestFor(ctx, ws.ID, "openai")
			var noCred *NoCredentialError
			if !errors.As(err, &noCred) {
				t.Errorf("BestFor error = %v, want NoCredentialError", err)
			}
		})
	}
}

func TestResolverFallbackPoolOrdering(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	store := newTestStore(t)
	resolver := NewResolver(store)
	ws := testWorkspace(t, "acme")
	openai := providerID(t, "openai")
	ctx := context.Background()

	createCred(t, store, &database.Credential{
		ProviderID: openai, Name: "busy", IsFallback: true, Active: true,
		Priority: 1, UsageCount: 500,
	}, "sk-busy")
	quiet := createCred(t, store, &database.Credential{
		ProviderID: openai, Name: "quiet", IsFallback: true, Active: true,
		Priority: 1, UsageCount: 5,
	}, "sk-quiet")
	createCred(t, store, &database.Credential{
		ProviderID: openai, Name: "low-priority", IsFallback: true, Active: true,
		Priority: 9, UsageCount: 0,
	}, "sk-low")

	got, err := resolver.BestFor(ctx, ws.ID, "openai")
	if err != nil {
		t.Fatalf("BestFor failed: %v", err)
	}
	if got.ID != quiet.ID {
		t.Errorf("BestFor = %s, want least-used credential in the top priority band", got.Name)
	}
}

func TestResolveForModel(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	store := newTestStore(t)
	resolver := NewResolver(store)
	ws := testWorkspace(t, "acme")
	ctx := context.Background()

	createCred(t, store, &database.Credential{
		WorkspaceID: &ws.ID, ProviderID: providerID(t, "openai"), Name: "key",
		IsDefault: true, Active: true,
	}, "sk-1")

	if _, err := resolver.ResolveForModel(ctx, ws.ID, "openai", "gpt-4"); err != nil {
		t.Errorf("ResolveForModel(gpt-4) failed: %v", err)
	}

	_, err := resolver.ResolveForModel(ctx, ws.ID, "openai", "claude-sonnet-4")
	var unsupported *UnsupportedModelError
	if !errors.As(err, &unsupported) {
		t.Fatalf("ResolveForModel error = %v, want UnsupportedModelError", err)
	}
	if unsupported.Model != "claude-sonnet-4" || len(unsupported.Supported) == 0 {
		t.Errorf("UnsupportedModelError = %+v, want model and supported list", unsupported)
	}
}

func TestMarkUsed(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	store := newTestStore(t)
	resolver := NewResolver(store)
	ws := testWorkspace(t, "acme")
	ctx := context.Background()

	cred := createCred(t, store, &database.Credential{
		WorkspaceID: &ws.ID, ProviderID: providerID(t, "openai"), Name: "key", Active: true,
	}, "sk-1")

	if err := resolver.MarkUsed(ctx, cred.ID); err != nil {
		t.Fatalf("MarkUsed failed: %v", err)
	}
	if err := resolver.MarkUsed(ctx, cred.ID); err != nil {
		t.Fatalf("MarkUsed failed: %v", err)
	}

	var fetched database.Credential
	database.DB.First(&fetched, cred.ID)
	if fetched.UsageCount != 2 {
		t.Errorf("UsageCount = %d, want 2", fetched.UsageCount)
	}
	if fetched.DailyUsageCount != 2 {
		t.Errorf("DailyUsageCount = %d, want 2", fetched.DailyUsageCount)
	}
	if fetched.LastUsedAt == nil {
		t.Error("LastUsedAt should be set")
	}
}
