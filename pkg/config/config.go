package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the harness server and CLI.
type Config struct {
	Addr           string        `env:"ADDR,default=:8080"`
	ReportsDir     string        `env:"REPORTS_DIR,default=reports"`
	ArtifactsDir   string        `env:"ARTIFACTS_DIR,default=artifacts"`
	SuitesDir      string        `env:"SUITES_DIR,default=suites"`
	ReportTimezone string        `env:"REPORT_TIMEZONE,default=UTC"`
	LogFormat      string        `env:"LOG_FORMAT,default=json"`
	DBDSN          string        `env:"DB_DSN"`
	NATSURL        string        `env:"NATS_URL"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT,default=5s"`

	NightlySchedule string   `env:"NIGHTLY_SCHEDULE,default=0 0 2 * * *"`
	NightlySuites   []string `env:"NIGHTLY_SUITES"`

	AllowedOrigins     []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE,default=100"`

	S3 S3
}

// S3 configures the optional report mirror.
type S3 struct {
	Endpoint       string        `env:"S3_ENDPOINT"`
	Bucket         string        `env:"S3_BUCKET"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	Region         string        `env:"S3_REGION,default=us-east-1"`
	DisableTLS     bool          `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE,default=true"`
	PresignTTL     time.Duration `env:"S3_PRESIGN_TTL,default=15m"`
}

// Enabled reports whether enough settings are present to mirror to S3.
func (s S3) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if _, err := cfg.Location(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Location resolves the report timezone.
func (c Config) Location() (*time.Location, error) {
	if c.ReportTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("REPORT_TIMEZONE: %w", err)
	}
	return loc, nil
}
