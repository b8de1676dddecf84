package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/promptroute/promptroute/internal/database"
)

type contextKey string

const workspaceIDKey contextKey = "workspace_id"

// workspaceCache caches token lookups for fast dispatch auth.
// Key: token string, Value: cachedWorkspace
var workspaceCache sync.Map

type cachedWorkspace struct {
	WorkspaceID uint
	Active      bool
	CachedAt    time.Time
}

const workspaceCacheTTL = 30 * time.Second

func lookupWorkspace(token string) (uint, bool) {
	if cached, ok := workspaceCache.Load(token); ok {
		cw := cached.(cachedWorkspace)
		if time.Since(cw.CachedAt) < workspaceCacheTTL {
			if !cw.Active {
				return 0, false
			}
			return cw.WorkspaceID, true
		}
		workspaceCache.Delete(token)
	}

	var ws database.Workspace
	if err := database.DB.Where("api_token = ?", token).First(&ws).Error; err != nil {
		return 0, false
	}

	workspaceCache.Store(token, cachedWorkspace{
		WorkspaceID: ws.ID,
		Active:      ws.Active,
		CachedAt:    time.Now(),
	})

	if !ws.Active {
		return 0, false
	}
	return ws.ID, true
}

// InvalidateWorkspaceCache removes a token from the cache.
func InvalidateWorkspaceCache(token string) {
	workspaceCache.Delete(token)
}

// InvalidateAllWorkspaceCache clears the entire token cache.
func InvalidateAllWorkspaceCache() {
	workspaceCache.Range(func(key, _ any) bool {
		workspaceCache.Delete(key)
		return true
	})
}

// WorkspaceAuth validates the workspace token and injects the workspace ID
// into the request context.
func WorkspaceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing_token","message":"Workspace token is required"}`, http.StatusUnauthorized)
			return
		}

		workspaceID, ok := lookupWorkspace(token)
		if !ok {
			http.Error(w, `{"error":"invalid_token","message":"Invalid or inactive workspace token"}`, http.StatusUnauthorized)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), workspaceIDKey, workspaceID))
		next.ServeHTTP(w, r)
	})
}

// WorkspaceID extracts the authenticated workspace from the request context.
func WorkspaceID(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(workspaceIDKey).(uint)
	return id, ok
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}
