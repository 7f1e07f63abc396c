// Package config loads reminderd settings from an optional YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	KVDriver    string `yaml:"kv_driver"`
	PostgresDSN string `yaml:"postgres_dsn"`

	ReconcileSchedule string        `yaml:"reconcile_schedule"`
	ExpiryGrace       time.Duration `yaml:"expiry_grace"`
	ClaimTTL          time.Duration `yaml:"claim_ttl"`
	ReconcilerLease   bool          `yaml:"reconciler_lease"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	PurgeSchedule     string        `yaml:"purge_schedule"`

	NotifyRatePerSec float64 `yaml:"notify_rate_per_sec"`

	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	VAPIDSubscriber string `yaml:"vapid_subscriber"`

	PostmarkToken string `yaml:"postmark_token"`
	FromEmail     string `yaml:"from_email"`

	FCMCredentialsFile string `yaml:"fcm_credentials_file"`
	FCMProjectID       string `yaml:"fcm_project_id"`

	AdminToken string   `yaml:"admin_token"`
	WSOrigins  []string `yaml:"ws_origins"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Port:              "8080",
		DBPath:            "reminderd.db",
		LogLevel:          "info",
		LogFormat:         "text",
		KVDriver:          "sqlite",
		ReconcileSchedule: "@every 60s",
		ExpiryGrace:       10 * time.Minute,
		ClaimTTL:          5 * time.Minute,
		LeaseTTL:          time.Minute,
		PurgeSchedule:     "@every 10m",
		NotifyRatePerSec:  10,
	}
}

// Load reads .env (if present), then the YAML file named by REMINDERD_CONFIG
// (if set), then applies environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("REMINDERD_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "REMINDERD_PORT")
	setString(&c.DBPath, "REMINDERD_DB_PATH")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.KVDriver, "KV_DRIVER")
	setString(&c.PostgresDSN, "DATABASE_URL")
	setString(&c.ReconcileSchedule, "RECONCILE_SCHEDULE")
	setString(&c.PurgeSchedule, "PURGE_SCHEDULE")
	setString(&c.VAPIDPublicKey, "VAPID_PUBLIC_KEY")
	setString(&c.VAPIDPrivateKey, "VAPID_PRIVATE_KEY")
	setString(&c.VAPIDSubscriber, "VAPID_SUBSCRIBER")
	setString(&c.PostmarkToken, "POSTMARK_TOKEN")
	setString(&c.FromEmail, "FROM_EMAIL")
	setString(&c.FCMCredentialsFile, "FCM_CREDENTIALS_FILE")
	setString(&c.FCMProjectID, "FCM_PROJECT_ID")
	setString(&c.AdminToken, "ADMIN_TOKEN")

	if v := os.Getenv("WS_ORIGINS"); v != "" {
		c.WSOrigins = splitList(v)
	}

	for _, d := range []struct {
		dst *time.Duration
		key string
	}{
		{&c.ExpiryGrace, "REMINDER_EXPIRY_GRACE"},
		{&c.ClaimTTL, "REMINDER_CLAIM_TTL"},
		{&c.LeaseTTL, "RECONCILER_LEASE_TTL"},
	} {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}

	if v := os.Getenv("RECONCILER_LEASE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse RECONCILER_LEASE: %w", err)
		}
		c.ReconcilerLease = b
	}
	if v := os.Getenv("NOTIFY_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse NOTIFY_RATE_PER_SEC: %w", err)
		}
		c.NotifyRatePerSec = f
	}
	return nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.ExpiryGrace < 0 {
		return fmt.Errorf("expiry grace must not be negative: %s", c.ExpiryGrace)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("claim TTL must be positive: %s", c.ClaimTTL)
	}
	if c.ReconcilerLease && c.LeaseTTL <= 0 {
		return fmt.Errorf("lease TTL must be positive: %s", c.LeaseTTL)
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return errors.New("VAPID public and private keys must be set together")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
