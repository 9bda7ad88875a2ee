package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string        `env:"DATABASE_URL" envDefault:"postgresql://postgres@localhost:5432/timesheet"`
	ServerPort      string        `env:"SERVER_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// Inbound bearer authentication is disabled when JWTSecret is empty.
	JWTSecret string `env:"JWT_SECRET"`
	// ExportRoles may download the CSV export. Empty allows any authenticated caller.
	ExportRoles []string `env:"EXPORT_ROLES" envSeparator:","`

	// Collaborator services (identity, entity history, token).
	BaseAPIURL        string        `env:"BASE_API_URL" envDefault:"http://localhost:5000/api"`
	TokenClientID     string        `env:"TOKEN_CLIENT_ID"`
	TokenClientSecret string        `env:"TOKEN_CLIENT_SECRET"`
	UpstreamTimeout   time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
	BreakerFailures   uint32        `env:"BREAKER_FAILURES" envDefault:"3"`
	BreakerCooldown   time.Duration `env:"BREAKER_COOLDOWN" envDefault:"15s"`

	DefaultMachine          string        `env:"DEFAULT_MACHINE" envDefault:"PM3"`
	StrictStatusTransitions bool          `env:"STRICT_STATUS_TRANSITIONS" envDefault:"false"`
	RequireTeamHeadApproval bool          `env:"REQUIRE_TEAM_HEAD_APPROVAL" envDefault:"true"`
	ArchiveRetention        time.Duration `env:"ARCHIVE_RETENTION" envDefault:"8760h"`
	RoleLookupConcurrency   int           `env:"ROLE_LOOKUP_CONCURRENCY" envDefault:"8"`
	HistoryConcurrency      int           `env:"HISTORY_CONCURRENCY" envDefault:"4"`
}

// Load reads a .env file when present and then the process environment.
func Load() (*Config, error) {
	// best-effort: a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
