package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/promptroute/promptroute/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	if err := DB.AutoMigrate(
		&Workspace{},
		&Provider{},
		&Credential{},
		&RoutingPolicy{},
		&SpendingLimit{},
		&UsageSummary{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedProviders(); err != nil {
		return fmt.Errorf("seed providers: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func seedProviders() error {
	var count int64
	DB.Model(&Provider{}).Count(&count)
	if count > 0 {
		return nil
	}

	type seed struct {
		slug         string
		name         string
		models       []string
		defaultModel string
		priority     int
	}

	seeds := []seed{
		{
			slug: "anthropic", name: "Anthropic", priority: 10,
			models:       []string{"claude-opus-4", "claude-sonnet-4", "claude-haiku-4", "claude-3-5-sonnet", "claude-3-5-haiku"},
			defaultModel: "claude-sonnet-4",
		},
		{
			slug: "openai", name: "OpenAI", priority: 20,
			models:       []string{"gpt-4", "gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo", "o1", "o1-mini"},
			defaultModel: "gpt-4o",
		},
		{
			slug: "google", name: "Google", priority: 30,
			models:       []string{"gemini-2.0-flash", "gemini-2.0-pro", "gemini-1.5-pro", "gemini-1.5-flash"},
			defaultModel: "gemini-2.0-flash",
		},
		{
			slug: "mistral", name: "Mistral", priority: 40,
			models:       []string{"mistral-large", "mistral-small"},
			defaultModel: "mistral-small",
		},
		{
			slug: "groq", name: "Groq", priority: 50,
			models:       []string{"llama-3.3-70b", "llama-3.1-8b"},
			defaultModel: "llama-3.3-70b",
		},
		{
			slug: "deepseek", name: "DeepSeek", priority: 60,
			models:       []string{"deepseek-chat", "deepseek-reasoner"},
			defaultModel: "deepseek-chat",
		},
		{
			slug: "cohere", name: "Cohere", priority: 70,
			models:       []string{"command-r-plus", "command-r"},
			defaultModel: "command-r",
		},
	}

	for _, s := range seeds {
		models, err := json.Marshal(s.models)
		if err != nil {
			return err
		}
		p := Provider{
			Slug:         s.slug,
			Name:         s.name,
			Models:       string(models),
			DefaultModel: s.defaultModel,
			Priority:     s.priority,
			Active:       true,
		}
		if err := DB.Create(&p).Error; err != nil {
			return fmt.Errorf("seed provider %s: %w", s.slug, err)
		}
	}
	return nil
}
