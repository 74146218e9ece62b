package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        string   `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" validate:"omitempty,url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Session struct {
		DefaultDuration string `yaml:"default_duration"`
		GracePeriod     string `yaml:"grace_period"`
		ResyncDebounce  string `yaml:"resync_debounce"`
		DedupeWindow    string `yaml:"dedupe_window"`
		DeferredWindow  string `yaml:"deferred_window"`
		EndedRetention  string `yaml:"ended_retention"`
		ReapInterval    string `yaml:"reap_interval"`
	} `yaml:"session"`
	NATS struct {
		URL           string `yaml:"url" validate:"omitempty,url"`
		SubjectPrefix string `yaml:"subject_prefix"`
		Buffer        int    `yaml:"buffer" validate:"gte=0"`
	} `yaml:"nats"`
	Log struct {
		Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
		Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	} `yaml:"log"`
}

var validate = validator.New()

// Load reads YAML config from path, then applies .env and environment
// overrides. A missing config file is not an error; defaults apply.
func Load(path string) (Config, error) {
	// Ignore error so the service still starts when .env is absent.
	_ = godotenv.Load()

	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Postgres.URL, "POSTGRES_URL")
	override(&c.NATS.URL, "NATS_URL")
	override(&c.Log.Level, "LOG_LEVEL")
}

type durationField struct {
	name string
	raw  string
	// zeroOK marks windows where 0 disables the behaviour.
	zeroOK bool
}

// Validate checks field constraints and that every duration parses and is
// positive. Debounce, dedupe and grace windows may also be zero.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	durations := []durationField{
		{name: "redis.ttl", raw: c.Redis.TTL},
		{name: "quiz.ttl", raw: c.Quiz.TTL},
		{name: "session.default_duration", raw: c.Session.DefaultDuration},
		{name: "session.grace_period", raw: c.Session.GracePeriod, zeroOK: true},
		{name: "session.resync_debounce", raw: c.Session.ResyncDebounce, zeroOK: true},
		{name: "session.dedupe_window", raw: c.Session.DedupeWindow, zeroOK: true},
		{name: "session.deferred_window", raw: c.Session.DeferredWindow},
		{name: "session.ended_retention", raw: c.Session.EndedRetention},
		{name: "session.reap_interval", raw: c.Session.ReapInterval},
	}
	for _, f := range durations {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid config: %s: %w", f.name, err)
		}
		if d < 0 || (d == 0 && !f.zeroOK) {
			return fmt.Errorf("invalid config: %s: must be positive, got %s", f.name, f.raw)
		}
	}
	return nil
}

// TTLDuration parses a duration string. It returns fallback when raw is
// empty, malformed or negative.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	return fallback
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
