// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

// Package config loads the kd configuration. Sources are layered with later
// ones winning: flag defaults, the YAML file named by --config, KD_*
// environment variables, then flags set on the command line.
//
// Nested keys use "." in flag names (--smtp.host) and "__" in environment
// names (KD_SMTP__HOST). DATABASE_URL is accepted as an alias for
// KD_DATABASE_URL.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/kdrestaurant/kd/internal/auth"
	"github.com/kdrestaurant/kd/internal/mail"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KD_"

// Config is the complete service configuration.
type Config struct {
	DatabaseURL   string          `koanf:"database_url"`
	Database      DatabaseConfig  `koanf:"database"`
	HTTP          HTTPConfig      `koanf:"http"`
	MetricsAddr   string          `koanf:"metrics_addr"`
	Log           LogConfig       `koanf:"log"`
	JWT           JWTConfig       `koanf:"jwt"`
	HashAlgorithm string          `koanf:"hash_algorithm"`
	SMTP          mail.SMTPConfig `koanf:"smtp"`
	Email         EmailConfig     `koanf:"email"`
	Reset         ResetConfig     `koanf:"reset"`
}

// DatabaseConfig tunes the connection pool. AutoMigrate applies pending
// migrations when serve starts.
type DatabaseConfig struct {
	MaxConns       int32  `koanf:"max_conns"`
	ConnectRetries uint64 `koanf:"connect_retries"`
	AutoMigrate    bool   `koanf:"auto_migrate"`
}

// HTTPConfig configures the public API listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// JWTConfig configures bearer tokens.
type JWTConfig struct {
	Secret   string        `koanf:"secret"`
	Issuer   string        `koanf:"issuer"`
	Audience string        `koanf:"audience"`
	TTL      time.Duration `koanf:"ttl"`
}

// EmailConfig tunes the background email dispatcher.
type EmailConfig struct {
	Concurrency int           `koanf:"concurrency"`
	QueueSize   int           `koanf:"queue_size"`
	Timeout     time.Duration `koanf:"timeout"`
}

// ResetConfig controls the expired reset code janitor. A zero interval
// disables it.
type ResetConfig struct {
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	Retention       time.Duration `koanf:"retention"`
}

// TokenConfig converts the JWT settings for auth.NewTokenIssuer.
func (c JWTConfig) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{Secret: c.Secret, Issuer: c.Issuer, Audience: c.Audience, TTL: c.TTL}
}

// SMTPEnabled reports whether emails go to an SMTP server rather than the log.
func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Host != ""
}

// RegisterFlags defines a flag for every key on fs. Flag defaults are the
// configuration defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	smtp := mail.DefaultSMTPConfig()

	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.Int32("database.max-conns", 10, "maximum pooled database connections")
	fs.Uint64("database.connect-retries", 5, "database connection attempts at startup")
	fs.Bool("database.auto-migrate", true, "apply pending migrations when serve starts")

	fs.String("http.addr", ":8080", "API listen address")
	fs.StringSlice("http.cors-origins", []string{"http://localhost:3000"}, "allowed CORS origins")
	fs.Duration("http.shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	fs.String("metrics-addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")

	fs.String("log.format", "json", "log format (json or text)")
	fs.String("log.level", "info", "log level (debug, info, warn, error)")

	fs.String("jwt.secret", "", "HS256 signing secret, at least 32 bytes")
	fs.String("jwt.issuer", "kd-restaurant", "token issuer")
	fs.String("jwt.audience", "kd-restaurant-client", "token audience")
	fs.Duration("jwt.ttl", 7*24*time.Hour, "token lifetime")
	fs.String("hash-algorithm", auth.HashArgon2id, "password hash algorithm for new hashes (argon2id or bcrypt)")

	fs.String("smtp.host", "", "SMTP host; empty logs codes instead of sending")
	fs.Int("smtp.port", smtp.Port, "SMTP port (465 = implicit TLS)")
	fs.String("smtp.username", "", "SMTP username")
	fs.String("smtp.password", "", "SMTP password")
	fs.String("smtp.from-email", smtp.FromEmail, "sender address")
	fs.String("smtp.from-name", smtp.FromName, "sender display name")
	fs.Duration("smtp.timeout", smtp.Timeout, "timeout for one SMTP delivery")
	fs.Uint64("smtp.retries", smtp.Retries, "retries for transient SMTP failures")

	fs.Int("email.concurrency", 4, "concurrent background email sends")
	fs.Int("email.queue-size", 100, "background emails waiting for a free sender before new ones are dropped")
	fs.Duration("email.timeout", 30*time.Second, "timeout for one background send including retries")

	fs.Duration("reset.cleanup-interval", time.Hour, "expired reset code cleanup interval (0 = disabled)")
	fs.Duration("reset.retention", 24*time.Hour, "how long expired reset codes are kept")
}

// flagKey maps --smtp.from-email to smtp.from_email.
func flagKey(fs *pflag.FlagSet) func(f *pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
	}
}

// envKey maps KD_SMTP__FROM_EMAIL to smtp.from_email.
func envKey(name, value string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if strings.HasSuffix(key, "cors_origins") {
		return key, splitList(value)
	}
	return key, value
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load builds a Config from fs and the optional YAML file at path. fs must
// have been set up with RegisterFlags and parsed.
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	alias := env.ProviderWithValue("DATABASE_URL", ".", func(name, value string) (string, any) {
		if name != "DATABASE_URL" {
			return "", nil
		}
		return "database_url", value
	})
	if err := k.Load(alias, nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	// Unchanged flags only fill keys no other source set.
	if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, flagKey(fs)), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "unmarshal").Wrap(err)
	}
	return &cfg, nil
}

// ValidateDatabase checks the settings every database command needs.
func (c *Config) ValidateDatabase() error {
	if c.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").
			With("key", "database_url").
			Errorf("database URL is required (--database-url, KD_DATABASE_URL or DATABASE_URL)")
	}
	return nil
}

// Validate checks the settings needed to serve. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(key, format string, args ...any) {
		errs = append(errs, oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...))
	}

	if err := c.ValidateDatabase(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Addr == "" {
		invalid("http.addr", "http address is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		invalid("log.format", "log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if len(c.JWT.Secret) < auth.MinSecretLength {
		invalid("jwt.secret", "jwt secret must be at least %d bytes", auth.MinSecretLength)
	}
	if c.JWT.Issuer == "" || c.JWT.Audience == "" {
		invalid("jwt", "jwt issuer and audience are required")
	}
	if c.JWT.TTL <= 0 {
		invalid("jwt.ttl", "jwt ttl must be positive")
	}
	if _, err := auth.NewPasswordHasher(c.HashAlgorithm); err != nil {
		invalid("hash_algorithm", "unknown hash algorithm %q", c.HashAlgorithm)
	}
	if c.SMTPEnabled() && (c.SMTP.Port <= 0 || c.SMTP.FromEmail == "") {
		invalid("smtp", "smtp port and from_email are required when smtp.host is set")
	}
	if c.Reset.CleanupInterval < 0 || c.Reset.Retention < 0 {
		invalid("reset", "reset cleanup interval and retention cannot be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	return oops.Code("CONFIG_INVALID").Wrap(errors.Join(errs...))
}
