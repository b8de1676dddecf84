package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DatabasePath      string  `envconfig:"DATABASE_PATH" default:"/app/data/promptroute.db"`
	AdminSecret       string  `envconfig:"ADMIN_SECRET" default:""`
	ListenAddr        string  `envconfig:"LISTEN_ADDR" default:":8080"`
	EncryptionKey     string  `envconfig:"ENCRYPTION_KEY" default:""` // 32-byte hex key for credential secrets
	FetchTimeoutMs    int     `envconfig:"FETCH_TIMEOUT_MS" default:"10000"`
	FetchConcurrency  int     `envconfig:"FETCH_CONCURRENCY" default:"4"`
	ProviderTimeoutMs int     `envconfig:"PROVIDER_TIMEOUT_MS" default:"120000"`
	DispatchPerSecond float64 `envconfig:"DISPATCH_PER_SECOND" default:"10"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("PROMPTROUTE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
