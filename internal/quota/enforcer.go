// Package quota enforces per-workspace spend ceilings and request-rate
// limits. The check-then-increment on a workspace's counters is a critical
// section: all mutations serialize on a per-workspace mutex so two
// concurrent dispatches cannot both pass a stale "within limits" check.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/promptroute/promptroute/internal/database"
	"gorm.io/gorm"
)

// QuotaExceededError reports which ceiling was breached and what budget
// remains per period (microdollars; -1 = unlimited).
type QuotaExceededError struct {
	Period           string // daily | weekly | monthly | rate_minute | rate_hour | rate_day
	RemainingDaily   int64
	RemainingWeekly  int64
	RemainingMonthly int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("workspace %s quota exceeded (remaining daily=%d weekly=%d monthly=%d)",
		e.Period, e.RemainingDaily, e.RemainingWeekly, e.RemainingMonthly)
}

// Status is the outcome of an admission check.
type Status struct {
	Allowed          bool
	Flagged          bool // ceiling breached but BlockWhenExceeded is off
	RemainingDaily   int64
	RemainingWeekly  int64
	RemainingMonthly int64
}

// Enforcer gates dispatches against SpendingLimit rows. Spend counters
// persist in the database; rate-window observations live in memory.
type Enforcer struct {
	locks   sync.Map // workspaceID -> *sync.Mutex
	windows sync.Map // workspaceID -> *slidingWindow
}

func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

func (e *Enforcer) lockFor(workspaceID uint) *sync.Mutex {
	val, _ := e.locks.LoadOrStore(workspaceID, &sync.Mutex{})
	return val.(*sync.Mutex)
}

func (e *Enforcer) windowFor(workspaceID uint) *slidingWindow {
	val, _ := e.windows.LoadOrStore(workspaceID, &slidingWindow{})
	return val.(*slidingWindow)
}

// Check is the read-only variant of Reserve: it reports whether the
// workspace is within limits without reserving anything.
func (e *Enforcer) Check(ctx context.Context, workspaceID uint) (*Status, error) {
	mu := e.lockFor(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	limit, err := e.loadLocked(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		return &Status{Allowed: true, RemainingDaily: -1, RemainingWeekly: -1, RemainingMonthly: -1}, nil
	}

	status, period := e.evaluateLocked(limit, workspaceID, 0)
	if period != "" {
		if limit.BlockWhenExceeded {
			return nil, quotaError(period, status)
		}
		status.Flagged = true
	}
	status.Allowed = true
	return status, nil
}

// Reserve atomically checks the workspace's ceilings and, when admitted,
// applies the spend estimate and records the request in the rate windows.
// When a ceiling is already breached and BlockWhenExceeded is set the
// request fails with QuotaExceededError; in soft mode it is admitted but
// flagged.
func (e *Enforcer) Reserve(ctx context.Context, workspaceID uint, estimateMicro int64) (*Status, error) {
	mu := e.lockFor(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	limit, err := e.loadLocked(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		e.windowFor(workspaceID).add()
		return &Status{Allowed: true, RemainingDaily: -1, RemainingWeekly: -1, RemainingMonthly: -1}, nil
	}

	status, period := e.evaluateLocked(limit, workspaceID, estimateMicro)
	if period != "" {
		if limit.BlockWhenExceeded {
			return nil, quotaError(period, status)
		}
		status.Flagged = true
	}

	limit.DailySpentMicro += estimateMicro
	limit.WeeklySpentMicro += estimateMicro
	limit.MonthlySpentMicro += estimateMicro
	if err := e.saveLocked(ctx, limit); err != nil {
		return nil, err
	}
	e.windowFor(workspaceID).add()

	status.Allowed = true
	return status, nil
}

// RecordSpend applies a spend delta without an admission check. Used for
// post-flight reconciliation once the provider's actual cost is known; the
// delta may be negative.
func (e *Enforcer) RecordSpend(ctx context.Context, workspaceID uint, deltaMicro int64) error {
	mu := e.lockFor(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	limit, err := e.loadLocked(ctx, workspaceID)
	if err != nil || limit == nil {
		return err
	}

	limit.DailySpentMicro = clampNonNegative(limit.DailySpentMicro + deltaMicro)
	limit.WeeklySpentMicro = clampNonNegative(limit.WeeklySpentMicro + deltaMicro)
	limit.MonthlySpentMicro = clampNonNegative(limit.MonthlySpentMicro + deltaMicro)
	return e.saveLocked(ctx, limit)
}

// RecordRequest adds one observation to the workspace's rate windows.
func (e *Enforcer) RecordRequest(ctx context.Context, workspaceID uint) error {
	mu := e.lockFor(workspaceID)
	mu.Lock()
	defer mu.Unlock()
	e.windowFor(workspaceID).add()
	return nil
}

// loadLocked fetches the limit row and performs period rollover. Caller
// holds the workspace mutex. Returns nil when the workspace has no
// configured limit.
func (e *Enforcer) loadLocked(ctx context.Context, workspaceID uint) (*database.SpendingLimit, error) {
	var limit database.SpendingLimit
	err := database.DB.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&limit).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if rolled := rollover(&limit, time.Now().UTC()); rolled {
		if err := e.saveLocked(ctx, &limit); err != nil {
			return nil, err
		}
	}
	return &limit, nil
}

func (e *Enforcer) saveLocked(ctx context.Context, limit *database.SpendingLimit) error {
	return database.DB.WithContext(ctx).Model(&database.SpendingLimit{}).
		Where("id = ?", limit.ID).
		Updates(map[string]any{
			"daily_spent_micro":   limit.DailySpentMicro,
			"weekly_spent_micro":  limit.WeeklySpentMicro,
			"monthly_spent_micro": limit.MonthlySpentMicro,
			"last_reset_date":     limit.LastResetDate,
		}).Error
}

// evaluateLocked computes remaining budgets and returns the first breached
// period ("" when within limits). estimateMicro is counted against the
// ceilings so an admission that would cross a ceiling is caught before the
// spend lands.
func (e *Enforcer) evaluateLocked(limit *database.SpendingLimit, workspaceID uint, estimateMicro int64) (*Status, string) {
	status := &Status{
		RemainingDaily:   remaining(limit.DailyLimitMicro, limit.DailySpentMicro),
		RemainingWeekly:  remaining(limit.WeeklyLimitMicro, limit.WeeklySpentMicro),
		RemainingMonthly: remaining(limit.MonthlyLimitMicro, limit.MonthlySpentMicro),
	}

	switch {
	case exceeded(limit.DailyLimitMicro, limit.DailySpentMicro, estimateMicro):
		return status, "daily"
	case exceeded(limit.WeeklyLimitMicro, limit.WeeklySpentMicro, estimateMicro):
		return status, "weekly"
	case exceeded(limit.MonthlyLimitMicro, limit.MonthlySpentMicro, estimateMicro):
		return status, "monthly"
	}

	w := e.windowFor(workspaceID)
	switch {
	case limit.RequestsPerMinute > 0 && w.count(time.Minute) >= limit.RequestsPerMinute:
		return status, "rate_minute"
	case limit.RequestsPerHour > 0 && w.count(time.Hour) >= limit.RequestsPerHour:
		return status, "rate_hour"
	case limit.RequestsPerDay > 0 && w.count(24*time.Hour) >= limit.RequestsPerDay:
		return status, "rate_day"
	}

	return status, ""
}

// rollover zeroes counters whose period boundary has passed since the last
// reset. Weeks start on Monday.
func rollover(limit *database.SpendingLimit, now time.Time) bool {
	last := limit.LastResetDate
	if last.IsZero() {
		limit.LastResetDate = now
		return true
	}

	rolled := false
	if dayStart(now).After(dayStart(last)) {
		limit.DailySpentMicro = 0
		rolled = true
	}
	if weekStart(now).After(weekStart(last)) {
		limit.WeeklySpentMicro = 0
		rolled = true
	}
	if monthStart(now).After(monthStart(last)) {
		limit.MonthlySpentMicro = 0
		rolled = true
	}
	if rolled {
		limit.LastResetDate = now
	}
	return rolled
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	weekday := int(d.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the week that started the previous Monday
	}
	return d.AddDate(0, 0, -(weekday - 1))
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func remaining(limitMicro, spentMicro int64) int64 {
	if limitMicro <= 0 {
		return -1
	}
	return clampNonNegative(limitMicro - spentMicro)
}

func exceeded(limitMicro, spentMicro, estimateMicro int64) bool {
	if limitMicro <= 0 {
		return false
	}
	return spentMicro+estimateMicro > limitMicro
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func quotaError(period string, status *Status) *QuotaExceededError {
	return &QuotaExceededError{
		Period:           period,
		RemainingDaily:   status.RemainingDaily,
		RemainingWeekly:  status.RemainingWeekly,
		RemainingMonthly: status.RemainingMonthly,
	}
}
