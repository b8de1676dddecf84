package database

import (
	"encoding/json"
	"time"
)

// Workspace is the tenant boundary. All credentials, policies, limits and
// usage rows are scoped to one workspace.
type Workspace struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Slug      string    `gorm:"uniqueIndex;not null"`
	Name      string    `gorm:"not null"`
	APIToken  string    `gorm:"uniqueIndex;not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Provider is platform-owned reference data, seeded at startup.
type Provider struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Slug         string `gorm:"uniqueIndex;not null"`
	Name         string `gorm:"not null"`
	Models       string `gorm:"not null"` // JSON-encoded []string
	DefaultModel string `gorm:"not null"`
	Priority     int    `gorm:"not null;default:0"`
	Active       bool   `gorm:"not null;default:true"`
}

// ModelList decodes the supported-model set.
func (p *Provider) ModelList() []string {
	var models []string
	if err := json.Unmarshal([]byte(p.Models), &models); err != nil {
		return nil
	}
	return models
}

// SupportsModel reports whether the provider serves the given model.
func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.ModelList() {
		if m == model {
			return true
		}
	}
	return false
}

// Credential is an encrypted API key plus model defaults. WorkspaceID nil
// means the credential belongs to the global fallback pool.
type Credential struct {
	ID              uint       `gorm:"primaryKey;autoIncrement"`
	WorkspaceID     *uint      `gorm:"index"`
	ProviderID      uint       `gorm:"not null;index"`
	Name            string     `gorm:"not null"`
	EncryptedSecret string     `gorm:"not null"`
	PreferredModel  string     `gorm:"not null;default:''"`
	Temperature     float64    `gorm:"not null;default:1.0"`
	MaxTokens       int        `gorm:"not null;default:1024"`
	IsDefault       bool       `gorm:"not null;default:false"`
	IsFallback      bool       `gorm:"not null;default:false"`
	Active          bool       `gorm:"not null;default:true"`
	Priority        int        `gorm:"not null;default:0"`
	UsageCount      int64      `gorm:"not null;default:0"`
	DailyUsageCount int64      `gorm:"not null;default:0"`
	UsageLimit      int64      `gorm:"not null;default:0"` // 0 = unlimited
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
}

// Usable reports whether the credential may be handed out at all: it must be
// active, unexpired and under its usage cap.
func (c *Credential) Usable(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return false
	}
	return true
}

// RoutingPolicy is an admin-authored, per-workspace model chain with cost
// thresholds and retry rules. Name is unique within a workspace.
type RoutingPolicy struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	WorkspaceID       uint      `gorm:"not null;uniqueIndex:idx_workspace_policy"`
	Name              string    `gorm:"not null;uniqueIndex:idx_workspace_policy"`
	PrimaryModel      string    `gorm:"not null"`
	FallbackModels    string    `gorm:"not null;default:'[]'"` // JSON-encoded []string
	CostWarnMicro     int64     `gorm:"not null;default:0"`    // 0 = no warning threshold
	CostBlockMicro    int64     `gorm:"not null;default:0"`    // 0 = no block threshold
	RetryAttempts     int       `gorm:"not null;default:0"`    // 0 = one attempt per candidate model
	RetryDelayMs      int       `gorm:"not null;default:0"`
	TimeoutMs         int       `gorm:"not null;default:0"`
	FailureConditions string    `gorm:"not null;default:'[]'"` // JSON subset of timeout|rate_limited|server_error
	Enabled           bool      `gorm:"not null;default:true"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// FallbackModelList decodes the ordered fallback chain.
func (p *RoutingPolicy) FallbackModelList() []string {
	var models []string
	if err := json.Unmarshal([]byte(p.FallbackModels), &models); err != nil {
		return nil
	}
	return models
}

// FailureConditionList decodes the retryable failure kinds.
func (p *RoutingPolicy) FailureConditionList() []string {
	var kinds []string
	if err := json.Unmarshal([]byte(p.FailureConditions), &kinds); err != nil {
		return nil
	}
	return kinds
}

// SpendingLimit holds per-workspace spend ceilings and running counters, all
// in microdollars. Rate-window observations live in memory; only the ceilings
// persist here.
type SpendingLimit struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	WorkspaceID       uint      `gorm:"uniqueIndex;not null"`
	DailyLimitMicro   int64     `gorm:"not null;default:0"` // 0 = unlimited
	WeeklyLimitMicro  int64     `gorm:"not null;default:0"`
	MonthlyLimitMicro int64     `gorm:"not null;default:0"`
	DailySpentMicro   int64     `gorm:"not null;default:0"`
	WeeklySpentMicro  int64     `gorm:"not null;default:0"`
	MonthlySpentMicro int64     `gorm:"not null;default:0"`
	LastResetDate     time.Time `gorm:"not null"`
	RequestsPerMinute int       `gorm:"not null;default:0"` // 0 = unlimited
	RequestsPerHour   int       `gorm:"not null;default:0"`
	RequestsPerDay    int       `gorm:"not null;default:0"`
	BlockWhenExceeded bool      `gorm:"not null;default:true"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// UsageSummary is the per-(workspace, credential, day) aggregation target.
// Provider and Model are denormalized for breakdown queries.
type UsageSummary struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	WorkspaceID   uint      `gorm:"not null;uniqueIndex:idx_usage_day"`
	CredentialID  uint      `gorm:"not null;uniqueIndex:idx_usage_day"`
	Date          string    `gorm:"not null;uniqueIndex:idx_usage_day"` // "2006-01-02"
	Provider      string    `gorm:"not null;default:'';index"`
	Model         string    `gorm:"not null;default:''"`
	Requests      int64     `gorm:"not null;default:0"`
	Tokens        int64     `gorm:"not null;default:0"`
	SuccessCount  int64     `gorm:"not null;default:0"`
	FailureCount  int64     `gorm:"not null;default:0"`
	CostMicro     int64     `gorm:"not null;default:0"`
	AvgResponseMs float64   `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}
