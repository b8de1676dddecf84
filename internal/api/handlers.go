package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/promptroute/promptroute/internal/contextfetch"
	"github.com/promptroute/promptroute/internal/credentials"
	"github.com/promptroute/promptroute/internal/database"
	"github.com/promptroute/promptroute/internal/dispatch"
	"github.com/promptroute/promptroute/internal/quota"
	"github.com/promptroute/promptroute/internal/routing"
	"github.com/promptroute/promptroute/internal/usage"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"error": errCode, "message": msg})
}

func parseUintParam(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(v), true
}

// Server holds the services the HTTP handlers delegate to.
type Server struct {
	Orchestrator *dispatch.Orchestrator
	Store        *credentials.Store
}

func NewServer(orch *dispatch.Orchestrator, store *credentials.Store) *Server {
	return &Server{Orchestrator: orch, Store: store}
}

// HealthCheck returns service health status.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Dispatch runs one prompt through the routing pipeline.
func (s *Server) Dispatch(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := WorkspaceID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing workspace context")
		return
	}

	var body struct {
		Template string                   `json:"template"`
		Context  json.RawMessage          `json:"context"`
		Format   string                   `json:"format"`
		Provider string                   `json:"provider"`
		Model    string                   `json:"model"`
		Policy   string                   `json:"policy"`
		Fetches  []contextfetch.FetchSpec `json:"fetches"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	req := &dispatch.Request{
		WorkspaceID: workspaceID,
		Template:    body.Template,
		Format:      body.Format,
		Provider:    body.Provider,
		Model:       body.Model,
		PolicyName:  body.Policy,
		Fetches:     body.Fetches,
	}
	if len(body.Context) > 0 {
		if err := json.Unmarshal(body.Context, &req.Context); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "context must be a JSON object")
			return
		}
	}

	res, err := s.Orchestrator.Dispatch(r.Context(), req)
	if err != nil {
		code, errCode := dispatchStatus(err)
		writeError(w, code, errCode, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// dispatchStatus maps pipeline errors onto HTTP status codes.
func dispatchStatus(err error) (int, string) {
	var verr *dispatch.ValidationError
	var perr *dispatch.UnresolvedPlaceholderError
	var uerr *credentials.UnsupportedModelError
	var nerr *credentials.NoCredentialError
	var qerr *quota.QuotaExceededError
	var cerr *routing.CostBlockedError
	var eerr *routing.ExhaustedFallbacksError

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &perr):
		return http.StatusBadRequest, "unresolved_placeholders"
	case errors.As(err, &uerr):
		return http.StatusBadRequest, "unsupported_model"
	case errors.As(err, &qerr):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.As(err, &cerr):
		return http.StatusPaymentRequired, "cost_blocked"
	case errors.As(err, &nerr):
		return http.StatusBadGateway, "no_credential"
	case errors.As(err, &eerr):
		return http.StatusBadGateway, "exhausted_fallbacks"
	case errors.Is(err, credentials.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// CreateWorkspace registers a new tenant and mints its API token.
func CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if body.Slug == "" || body.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "slug and name are required")
		return
	}

	ws := database.Workspace{
		Slug:     body.Slug,
		Name:     body.Name,
		APIToken: "prt-" + uuid.NewString(),
		Active:   true,
	}
	if err := database.DB.Create(&ws).Error; err != nil {
		writeError(w, http.StatusConflict, "conflict", "Workspace slug already exists")
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

// ListWorkspaces returns all tenants.
func ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	var workspaces []database.Workspace
	database.DB.Order("slug ASC").Find(&workspaces)
	writeJSON(w, http.StatusOK, workspaces)
}

// SetWorkspaceActive enables or disables a tenant.
func SetWorkspaceActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUintParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid workspace id")
			return
		}
		var ws database.Workspace
		if err := database.DB.First(&ws, id).Error; err != nil {
			writeError(w, http.StatusNotFound, "not_found", "Workspace not found")
			return
		}
		if err := database.DB.Model(&ws).Update("active", active).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update workspace")
			return
		}
		InvalidateWorkspaceCache(ws.APIToken)
		writeJSON(w, http.StatusOK, map[string]bool{"active": active})
	}
}

// CreateCredential stores a sealed provider key.
func (s *Server) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID    *uint   `json:"workspace_id"` // null = global fallback pool
		Provider       string  `json:"provider"`
		Name           string  `json:"name"`
		Secret         string  `json:"secret"`
		PreferredModel string  `json:"preferred_model"`
		Temperature    float64 `json:"temperature"`
		MaxTokens      int     `json:"max_tokens"`
		IsDefault      bool    `json:"is_default"`
		IsFallback     bool    `json:"is_fallback"`
		Priority       int     `json:"priority"`
		UsageLimit     int64   `json:"usage_limit"`
		ExpiresAt      string  `json:"expires_at"` // RFC 3339, optional
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if body.Provider == "" || body.Name == "" || body.Secret == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "provider, name and secret are required")
		return
	}

	var prov database.Provider
	if err := database.DB.Where("slug = ?", body.Provider).First(&prov).Error; err != nil {
		writeError(w, http.StatusBadRequest, "unknown_provider", "Unknown provider "+body.Provider)
		return
	}

	cred := database.Credential{
		WorkspaceID:    body.WorkspaceID,
		ProviderID:     prov.ID,
		Name:           body.Name,
		PreferredModel: body.PreferredModel,
		Temperature:    body.Temperature,
		MaxTokens:      body.MaxTokens,
		IsDefault:      body.IsDefault,
		IsFallback:     body.IsFallback,
		Active:         true,
		Priority:       body.Priority,
		UsageLimit:     body.UsageLimit,
	}
	if body.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, body.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "expires_at must be RFC 3339")
			return
		}
		cred.ExpiresAt = &t
	}

	if err := s.Store.Create(r.Context(), &cred, body.Secret); err != nil {
		if errors.Is(err, credentials.ErrDuplicateDefault) {
			writeError(w, http.StatusConflict, "duplicate_default", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create credential")
		return
	}
	cred.EncryptedSecret = "" // never echo ciphertext
	writeJSON(w, http.StatusCreated, cred)
}

// ListCredentials returns a workspace's credentials without their secrets.
func ListCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid workspace id")
		return
	}
	var creds []database.Credential
	database.DB.Where("workspace_id = ?", id).Order("priority ASC, name ASC").Find(&creds)
	for i := range creds {
		creds[i].EncryptedSecret = ""
	}
	writeJSON(w, http.StatusOK, creds)
}

// RotateCredential swaps in a new secret.
func (s *Server) RotateCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid credential id")
		return
	}
	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Secret == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "secret is required")
		return
	}
	if err := s.Store.Rotate(r.Context(), id, body.Secret); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "Credential not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

// DeleteCredential removes a credential unless it is the last active one for
// its provider scope.
func (s *Server) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid credential id")
		return
	}
	if err := s.Store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, credentials.ErrLastCredential) {
			writeError(w, http.StatusConflict, "last_credential", err.Error())
			return
		}
		writeError(w, http.StatusNotFound, "not_found", "Credential not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutPolicy upserts a named routing policy for a workspace.
func PutPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid workspace id")
		return
	}
	name := chi.URLParam(r, "name")

	var body struct {
		PrimaryModel      string   `json:"primary_model"`
		FallbackModels    []string `json:"fallback_models"`
		CostWarnMicro     int64    `json:"cost_warn_micro"`
		CostBlockMicro    int64    `json:"cost_block_micro"`
		RetryAttempts     int      `json:"retry_attempts"`
		RetryDelayMs      int      `json:"retry_delay_ms"`
		TimeoutMs         int      `json:"timeout_ms"`
		FailureConditions []string `json:"failure_conditions"`
		Enabled           *bool    `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if body.PrimaryModel == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "primary_model is required")
		return
	}

	fallbacks, _ := json.Marshal(body.FallbackModels)
	conditions, _ := json.Marshal(body.FailureConditions)
	if body.FallbackModels == nil {
		fallbacks = []byte("[]")
	}
	if body.FailureConditions == nil {
		conditions = []byte("[]")
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	updates := map[string]interface{}{
		"primary_model":      body.PrimaryModel,
		"fallback_models":    string(fallbacks),
		"cost_warn_micro":    body.CostWarnMicro,
		"cost_block_micro":   body.CostBlockMicro,
		"retry_attempts":     body.RetryAttempts,
		"retry_delay_ms":     body.RetryDelayMs,
		"timeout_ms":         body.TimeoutMs,
		"failure_conditions": string(conditions),
		"enabled":            enabled,
	}

	var existing database.RoutingPolicy
	result := database.DB.Where("workspace_id = ? AND name = ?", id, name).First(&existing)
	if result.Error == nil {
		if err := database.DB.Model(&existing).Updates(updates).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update policy")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		return
	}

	pol := database.RoutingPolicy{
		WorkspaceID:       id,
		Name:              name,
		PrimaryModel:      body.PrimaryModel,
		FallbackModels:    string(fallbacks),
		CostWarnMicro:     body.CostWarnMicro,
		CostBlockMicro:    body.CostBlockMicro,
		RetryAttempts:     body.RetryAttempts,
		RetryDelayMs:      body.RetryDelayMs,
		TimeoutMs:         body.TimeoutMs,
		FailureConditions: string(conditions),
		Enabled:           enabled,
	}
	if err := database.DB.Create(&pol).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create policy")
		return
	}
	if !enabled {
		// Create writes the column default for a false bool, force it off
		database.DB.Model(&pol).Update("enabled", false)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// ListPolicies returns all routing policies for a workspace.
func ListPolicies(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid workspace id")
		return
	}
	var policies []database.RoutingPolicy
	database.DB.Where("workspace_id = ?", id).Order("name ASC").Find(&policies)
	writeJSON(w, http.StatusOK, policies)
}

// GetLimits returns the spending limit row for a workspace.
func GetLimits(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid workspace id")
		return
	}
	var limit database.SpendingLimit
	database.DB.Where("workspace_id = ?", id).First(&limit)
	writeJSON(w, http.StatusOK, limit)
}

// SetLimits upserts spend ceilings and request rates for a workspace.
func SetLimits(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid workspace id")
		return
	}

	var body struct {
		DailyLimitMicro   int64 `json:"daily_limit_micro"`
		WeeklyLimitMicro  int64 `json:"weekly_limit_micro"`
		MonthlyLimitMicro int64 `json:"monthly_limit_micro"`
		RequestsPerMinute int   `json:"requests_per_minute"`
		RequestsPerHour   int   `json:"requests_per_hour"`
		RequestsPerDay    int   `json:"requests_per_day"`
		BlockWhenExceeded *bool `json:"block_when_exceeded"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	block := true
	if body.BlockWhenExceeded != nil {
		block = *body.BlockWhenExceeded
	}

	updates := map[string]interface{}{
		"daily_limit_micro":   body.DailyLimitMicro,
		"weekly_limit_micro":  body.WeeklyLimitMicro,
		"monthly_limit_micro": body.MonthlyLimitMicro,
		"requests_per_minute": body.RequestsPerMinute,
		"requests_per_hour":   body.RequestsPerHour,
		"requests_per_day":    body.RequestsPerDay,
		"block_when_exceeded": block,
	}

	var existing database.SpendingLimit
	result := database.DB.Where("workspace_id = ?", id).First(&existing)
	if result.Error == nil {
		if err := database.DB.Model(&existing).Updates(updates).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update limits")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		return
	}

	limit := database.SpendingLimit{
		WorkspaceID:       id,
		DailyLimitMicro:   body.DailyLimitMicro,
		WeeklyLimitMicro:  body.WeeklyLimitMicro,
		MonthlyLimitMicro: body.MonthlyLimitMicro,
		RequestsPerMinute: body.RequestsPerMinute,
		RequestsPerHour:   body.RequestsPerHour,
		RequestsPerDay:    body.RequestsPerDay,
		BlockWhenExceeded: block,
		LastResetDate:     time.Now().UTC(),
	}
	if err := database.DB.Create(&limit).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create limits")
		return
	}
	if !block {
		// Create writes the column default for a false bool, force it off
		database.DB.Model(&limit).Update("block_when_exceeded", false)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// GetUsage returns daily usage, optionally grouped by provider or model.
func GetUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid workspace id")
		return
	}

	switch r.URL.Query().Get("group_by") {
	case "provider":
		rows, err := usage.ProviderBreakdown(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to query usage")
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case "model":
		rows, err := usage.ModelBreakdown(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to query usage")
			return
		}
		writeJSON(w, http.StatusOK, rows)
	default:
		days := 30
		if d, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && d > 0 {
			days = d
		}
		stats, err := usage.DailyUsage(r.Context(), id, days)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to query usage")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// GetUsageTrend compares spend over the last N days against the N before.
func GetUsageTrend(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid workspace id")
		return
	}
	days := 7
	if d, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && d > 0 {
		days = d
	}

	stats, err := usage.DailyUsage(r.Context(), id, days*2)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to query usage")
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	var current, previous float64
	for _, s := range stats {
		if s.Date >= cutoff {
			current += float64(s.CostMicro)
		} else {
			previous += float64(s.CostMicro)
		}
	}
	writeJSON(w, http.StatusOK, usage.Trend(current, previous))
}
