package usage

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/promptroute/promptroute/internal/config"
	"github.com/promptroute/promptroute/internal/database"
)

func setupTestDB(t *testing.T) func() {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "usage-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	config.Cfg.DatabasePath = filepath.Join(tmpDir, "test.db")

	if err := database.Init(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to init database: %v", err)
	}

	return func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestRecordUpsertsSingleRow(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := Record(ctx, 1, 10, "openai", "gpt-4", 100, 5000, true, 200, "2026-09-01"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := Record(ctx, 1, 10, "openai", "gpt-4", 50, 2500, true, 400, "2026-09-01"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := Record(ctx, 1, 10, "openai", "gpt-4", 0, 0, false, 0, "2026-09-01"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	var count int64
	database.DB.Model(&database.UsageSummary{}).Count(&count)
	if count != 1 {
		t.Fatalf("row count = %d, want 1 per (workspace, credential, date)", count)
	}

	var row database.UsageSummary
	database.DB.First(&row)
	if row.Requests != 3 || row.Tokens != 150 || row.CostMicro != 7500 {
		t.Errorf("row = %+v, want accumulated counters", row)
	}
	if row.SuccessCount != 2 || row.FailureCount != 1 {
		t.Errorf("success/failure = %d/%d, want 2/1", row.SuccessCount, row.FailureCount)
	}
	// Average over successful requests only: (200 + 400) / 2.
	if math.Abs(row.AvgResponseMs-300) > 0.001 {
		t.Errorf("AvgResponseMs = %f, want 300", row.AvgResponseMs)
	}
}

func TestRecordConcurrentSameDay(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	const writers = 10
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Record(ctx, 1, 10, "openai", "gpt-4", 10, 500, true, 100, "2026-09-01")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	var count int64
	database.DB.Model(&database.UsageSummary{}).Count(&count)
	if count != 1 {
		t.Fatalf("row count = %d, want 1", count)
	}

	var row database.UsageSummary
	database.DB.First(&row)
	if row.Requests != writers || row.SuccessCount != writers {
		t.Errorf("requests/successes = %d/%d, want %d each", row.Requests, row.SuccessCount, writers)
	}
	if row.Tokens != writers*10 || row.CostMicro != writers*500 {
		t.Errorf("tokens/cost = %d/%d, want %d/%d", row.Tokens, row.CostMicro, writers*10, writers*500)
	}
	if math.Abs(row.AvgResponseMs-100) > 0.001 {
		t.Errorf("AvgResponseMs = %f, want 100", row.AvgResponseMs)
	}
}

func TestRecordSeparateRowsPerDayAndCredential(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	Record(ctx, 1, 10, "openai", "gpt-4", 10, 100, true, 50, "2026-09-01")
	Record(ctx, 1, 10, "openai", "gpt-4", 10, 100, true, 50, "2026-09-02")
	Record(ctx, 1, 11, "anthropic", "claude-sonnet-4", 10, 100, true, 50, "2026-09-01")

	var count int64
	database.DB.Model(&database.UsageSummary{}).Count(&count)
	if count != 3 {
		t.Errorf("row count = %d, want 3", count)
	}
}

func TestBreakdowns(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	Record(ctx, 1, 10, "openai", "gpt-4", 100, 9000, true, 50, Today())
	Record(ctx, 1, 11, "anthropic", "claude-sonnet-4", 200, 1000, true, 50, Today())
	Record(ctx, 2, 12, "openai", "gpt-4", 999, 99999, true, 50, Today()) // other workspace

	rows, err := ProviderBreakdown(ctx, 1)
	if err != nil {
		t.Fatalf("ProviderBreakdown failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v, want 2 providers", rows)
	}
	if rows[0].Group != "openai" || rows[0].CostMicro != 9000 {
		t.Errorf("top row = %+v, want openai ordered by spend", rows[0])
	}

	models, err := ModelBreakdown(ctx, 1)
	if err != nil {
		t.Fatalf("ModelBreakdown failed: %v", err)
	}
	if len(models) != 2 || models[0].Group != "gpt-4" {
		t.Errorf("models = %+v, want gpt-4 first", models)
	}
}

func TestDailyUsage(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	Record(ctx, 1, 10, "openai", "gpt-4", 10, 100, true, 50, Today())
	Record(ctx, 1, 11, "openai", "gpt-4o", 20, 200, false, 0, Today())

	stats, err := DailyUsage(ctx, 1, 7)
	if err != nil {
		t.Fatalf("DailyUsage failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %+v, want one day", stats)
	}
	if stats[0].Requests != 2 || stats[0].Tokens != 30 || stats[0].Succeeded != 1 || stats[0].Failed != 1 {
		t.Errorf("day = %+v, want summed counters", stats[0])
	}
}

func TestTrend(t *testing.T) {
	tests := []struct {
		name     string
		current  float64
		previous float64
		want     TrendResult
	}{
		{"up", 150, 100, TrendResult{Change: 50, Percentage: 50.0, Direction: "up"}},
		{"down", 50, 100, TrendResult{Change: -50, Percentage: -50.0, Direction: "down"}},
		{"flat", 100, 100, TrendResult{Change: 0, Percentage: 0, Direction: "same"}},
		{"zero baseline", 0, 0, TrendResult{Change: 0, Percentage: 0, Direction: "same"}},
		{"zero baseline with activity", 42, 0, TrendResult{Change: 42, Percentage: 0, Direction: "same"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Trend(tt.current, tt.previous)
			if got != tt.want {
				t.Errorf("Trend(%v, %v) = %+v, want %+v", tt.current, tt.previous, got, tt.want)
			}
		})
	}
}
