// Package usage records per-day, per-credential usage rows and serves
// read-only rollups over them.
package usage

import (
	"context"
	"time"

	"github.com/promptroute/promptroute/internal/database"
	"gorm.io/gorm"
)

// Today returns the UTC date tag used for usage rows.
func Today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Record upserts the UsageSummary row for (workspace, credential, date):
// counts and cost accumulate, and the average response time is re-weighted
// over successful requests only.
//
// The update path does its arithmetic in SQL against the stored row, so
// concurrent callers each land exactly one increment. Two callers can still
// race the initial insert for a new day; the loser hits the unique index and
// falls back to the update path.
func Record(ctx context.Context, workspaceID, credentialID uint, providerSlug, model string,
	tokens, costMicro int64, success bool, responseMs float64, date string) error {

	if date == "" {
		date = Today()
	}

	res := applyDelta(ctx, workspaceID, credentialID, date, providerSlug, model,
		tokens, costMicro, success, responseMs)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	row := database.UsageSummary{
		WorkspaceID:  workspaceID,
		CredentialID: credentialID,
		Date:         date,
		Provider:     providerSlug,
		Model:        model,
		Requests:     1,
		Tokens:       tokens,
		CostMicro:    costMicro,
	}
	if success {
		row.SuccessCount = 1
		row.AvgResponseMs = responseMs
	} else {
		row.FailureCount = 1
	}
	if err := database.DB.WithContext(ctx).Create(&row).Error; err != nil {
		// Lost the insert race: the row exists now, fold into it.
		return applyDelta(ctx, workspaceID, credentialID, date, providerSlug, model,
			tokens, costMicro, success, responseMs).Error
	}
	return nil
}

func applyDelta(ctx context.Context, workspaceID, credentialID uint, date, providerSlug, model string,
	tokens, costMicro int64, success bool, responseMs float64) *gorm.DB {

	updates := map[string]any{
		"requests":   gorm.Expr("requests + 1"),
		"tokens":     gorm.Expr("tokens + ?", tokens),
		"cost_micro": gorm.Expr("cost_micro + ?", costMicro),
		"provider":   providerSlug,
		"model":      model,
	}
	if success {
		// SET expressions evaluate against the pre-update row, so the
		// re-weighted average sees the old success_count.
		updates["avg_response_ms"] = gorm.Expr(
			"(avg_response_ms * success_count + ?) / (success_count + 1)", responseMs)
		updates["success_count"] = gorm.Expr("success_count + 1")
	} else {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}
	return database.DB.WithContext(ctx).Model(&database.UsageSummary{}).
		Where("workspace_id = ? AND credential_id = ? AND date = ?",
			workspaceID, credentialID, date).
		Updates(updates)
}

// DailyStat is one day's rollup for a workspace.
type DailyStat struct {
	Date      string  `json:"date"`
	Requests  int64   `json:"requests"`
	Tokens    int64   `json:"tokens"`
	CostMicro int64   `json:"cost_micro"`
	Succeeded int64   `json:"succeeded"`
	Failed    int64   `json:"failed"`
}

// DailyUsage returns per-day totals for the last N days, most recent first.
func DailyUsage(ctx context.Context, workspaceID uint, days int) ([]DailyStat, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	var stats []DailyStat
	err := database.DB.WithContext(ctx).Model(&database.UsageSummary{}).
		Select("date, SUM(requests) as requests, SUM(tokens) as tokens, SUM(cost_micro) as cost_micro, SUM(success_count) as succeeded, SUM(failure_count) as failed").
		Where("workspace_id = ? AND date > ?", workspaceID, since).
		Group("date").
		Order("date DESC").
		Scan(&stats).Error
	return stats, err
}

// BreakdownRow is one group's share of a workspace's usage.
type BreakdownRow struct {
	Group     string `json:"group"`
	Requests  int64  `json:"requests"`
	Tokens    int64  `json:"tokens"`
	CostMicro int64  `json:"cost_micro"`
}

// ProviderBreakdown groups a workspace's usage by provider, highest spend
// first.
func ProviderBreakdown(ctx context.Context, workspaceID uint) ([]BreakdownRow, error) {
	return breakdown(ctx, workspaceID, "provider")
}

// ModelBreakdown groups a workspace's usage by model, highest spend first.
func ModelBreakdown(ctx context.Context, workspaceID uint) ([]BreakdownRow, error) {
	return breakdown(ctx, workspaceID, "model")
}

func breakdown(ctx context.Context, workspaceID uint, column string) ([]BreakdownRow, error) {
	var rows []BreakdownRow
	err := database.DB.WithContext(ctx).Model(&database.UsageSummary{}).
		Select(column+" as `group`, SUM(requests) as requests, SUM(tokens) as tokens, SUM(cost_micro) as cost_micro").
		Where("workspace_id = ?", workspaceID).
		Group(column).
		Order("cost_micro DESC").
		Scan(&rows).Error
	return rows, err
}

// TrendResult compares a current value to a previous one.
type TrendResult struct {
	Change     float64 `json:"change"`
	Percentage float64 `json:"percentage"`
	Direction  string  `json:"direction"` // up | down | same
}

// Trend computes the delta and percentage change between two values. A zero
// previous value yields a zero-percent "same" result rather than dividing
// by zero.
func Trend(current, previous float64) TrendResult {
	// No baseline to compare against: zero percent, "same" direction.
	if previous == 0 {
		return TrendResult{Change: current, Percentage: 0, Direction: "same"}
	}

	change := current - previous
	pct := (change / previous) * 100

	dir := "same"
	if change > 0 {
		dir = "up"
	} else if change < 0 {
		dir = "down"
	}
	return TrendResult{Change: change, Percentage: pct, Direction: dir}
}
