package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting, loaded from environment variables with
// an optional .env file for local development.
type Config struct {
	Port            string        `mapstructure:"PORT"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	ProviderBaseURL string        `mapstructure:"PROVIDER_BASE_URL"`
	ProviderAPIKey  string        `mapstructure:"PROVIDER_API_KEY"`
	ProviderTimeout time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	WebhookSecret   string        `mapstructure:"WEBHOOK_SECRET"`
	JWTSecret       string        `mapstructure:"JWT_SECRET"`
	CommissionBps   int64         `mapstructure:"COMMISSION_BPS"`
	SchemaDir       string        `mapstructure:"SCHEMA_DIR"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RunPeriodicJobs bool          `mapstructure:"RUN_PERIODIC_JOBS"`
}

// Load reads configuration from path/.env (optional) and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", "8080")
	v.SetDefault("PROVIDER_TIMEOUT", "10s")
	v.SetDefault("COMMISSION_BPS", 1000)
	v.SetDefault("SCHEMA_DIR", "schemas/webhooks")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("RUN_PERIODIC_JOBS", true)

	for _, key := range []string{
		"PORT", "DATABASE_URL", "PROVIDER_BASE_URL", "PROVIDER_API_KEY",
		"PROVIDER_TIMEOUT", "WEBHOOK_SECRET", "JWT_SECRET", "COMMISSION_BPS",
		"SCHEMA_DIR", "CORS_ORIGINS", "RUN_PERIODIC_JOBS",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// CORS_ORIGINS arrives comma-separated when set via env.
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		parts := strings.Split(cfg.CORSOrigins[0], ",")
		cfg.CORSOrigins = cfg.CORSOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, p)
			}
		}
	}

	if cfg.CommissionBps < 0 || cfg.CommissionBps > 10000 {
		return Config{}, fmt.Errorf("COMMISSION_BPS %d out of range [0, 10000]", cfg.CommissionBps)
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}
