package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/promptroute/promptroute/internal/config"
	"github.com/promptroute/promptroute/internal/credentials"
	"github.com/promptroute/promptroute/internal/database"
	"github.com/promptroute/promptroute/internal/dispatch"
	"github.com/promptroute/promptroute/internal/quota"
	"github.com/promptroute/promptroute/internal/routing"
)

func setupTestDB(t *testing.T) func() {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	config.Cfg.DatabasePath = filepath.Join(tmpDir, "test.db")

	if err := database.Init(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to init database: %v", err)
	}

	return func() {
		InvalidateAllWorkspaceCache()
		database.Close()
		os.RemoveAll(tmpDir)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := WorkspaceID(r.Context()); !ok {
			http.Error(w, "no workspace in context", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestWorkspaceAuth(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	ws := &database.Workspace{Slug: "acme", Name: "Acme", APIToken: "tok-acme", Active: true}
	if err := database.DB.Create(ws).Error; err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	handler := WorkspaceAuth(okHandler())

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"bearer token", map[string]string{"Authorization": "Bearer tok-acme"}, http.StatusOK},
		{"x-api-key header", map[string]string{"x-api-key": "tok-acme"}, http.StatusOK},
		{"missing token", nil, http.StatusUnauthorized},
		{"unknown token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/dispatch", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWorkspaceAuthCacheInvalidation(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	ws := &database.Workspace{Slug: "acme", Name: "Acme", APIToken: "tok-acme", Active: true}
	if err := database.DB.Create(ws).Error; err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	handler := WorkspaceAuth(okHandler())
	do := func() int {
		req := httptest.NewRequest("POST", "/v1/dispatch", nil)
		req.Header.Set("Authorization", "Bearer tok-acme")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("initial request: status %d", code)
	}

	// disable and invalidate, like the admin handler does
	database.DB.Model(ws).Update("active", false)
	InvalidateWorkspaceCache("tok-acme")

	if code := do(); code != http.StatusUnauthorized {
		t.Errorf("after disable: status %d, want 401", code)
	}
}

func TestDispatchStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		errCode string
	}{
		{"validation", &dispatch.ValidationError{Field: "format"}, http.StatusBadRequest, "invalid_request"},
		{"placeholders", &dispatch.UnresolvedPlaceholderError{Keys: []string{"x"}}, http.StatusBadRequest, "unresolved_placeholders"},
		{"unsupported model", &credentials.UnsupportedModelError{Provider: "openai", Model: "x"}, http.StatusBadRequest, "unsupported_model"},
		{"quota", &quota.QuotaExceededError{Period: "daily"}, http.StatusTooManyRequests, "quota_exceeded"},
		{"cost blocked", &routing.CostBlockedError{}, http.StatusPaymentRequired, "cost_blocked"},
		{"no credential", &credentials.NoCredentialError{Provider: "openai"}, http.StatusBadGateway, "no_credential"},
		{"exhausted", &routing.ExhaustedFallbacksError{}, http.StatusBadGateway, "exhausted_fallbacks"},
		{"unknown provider", credentials.ErrUnknownProvider, http.StatusBadRequest, "unknown_provider"},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, errCode := dispatchStatus(tt.err)
			if code != tt.want || errCode != tt.errCode {
				t.Errorf("dispatchStatus() = %d/%s, want %d/%s", code, errCode, tt.want, tt.errCode)
			}
		})
	}
}
