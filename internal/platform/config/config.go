package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Log          LogConfig          `koanf:"log"`
	Auth         AuthConfig         `koanf:"auth"`
	Audit        AuditConfig        `koanf:"audit"`
	CORS         CORSConfig         `koanf:"cors"`
	Verification VerificationConfig `koanf:"verification"`
	Dedup        DedupConfig        `koanf:"dedup"`
	Events       EventsConfig       `koanf:"events"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

type AuthConfig struct {
	DevMode     bool      `koanf:"devmode"`
	DevTenantID string    `koanf:"dev_tenant_id"`
	JWT         JWTConfig `koanf:"jwt"`
}

type JWTConfig struct {
	SigningKey  string `koanf:"signingkey"`
	Issuer      string `koanf:"issuer"`
	ExpiryHours int    `koanf:"expiryhours"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MigrationsPath string `koanf:"migrations_path"`
	MaxConns       int    `koanf:"max_conns"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuditConfig struct {
	BufferSize    int `koanf:"buffer_size"`
	BatchSize     int `koanf:"batch_size"`
	FlushInterval int `koanf:"flush_interval_ms"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// VerificationConfig configures the payroll verification provider integration.
// BaseURL, APIKey and HMACSecret are required together; see Enabled.
type VerificationConfig struct {
	BaseURL            string        `koanf:"baseurl"`
	APIKey             string        `koanf:"apikey"`
	HMACSecret         string        `koanf:"hmacsecret"`
	Provider           string        `koanf:"provider"`
	Language           string        `koanf:"language"`
	MaxAgeSeconds      int           `koanf:"max_age_seconds"`
	RequestTimeoutSecs int           `koanf:"request_timeout_secs"`
	StrictCorrelation  bool          `koanf:"strict_correlation"`
	Breaker            BreakerConfig `koanf:"breaker"`
}

// Enabled reports whether all three provider settings are present. A partial
// configuration disables the whole integration.
func (c VerificationConfig) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != "" &&
		strings.TrimSpace(c.APIKey) != "" &&
		strings.TrimSpace(c.HMACSecret) != ""
}

func (c VerificationConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

func (c VerificationConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

type BreakerConfig struct {
	MaxRequests  int     `koanf:"max_requests"`
	IntervalSecs int     `koanf:"interval_secs"`
	TimeoutSecs  int     `koanf:"timeout_secs"`
	FailureRatio float64 `koanf:"failure_ratio"`
}

type DedupConfig struct {
	Backend string      `koanf:"backend"` // "none", "memory" or "redis"
	Redis   RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type EventsConfig struct {
	KafkaBrokers []string `koanf:"kafka_brokers"`
	Topic        string   `koanf:"topic"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                        8080,
		"server.host":                        "0.0.0.0",
		"database.max_conns":                 25,
		"database.migrations_path":           "migrations",
		"log.level":                          "info",
		"log.format":                         "json",
		"auth.devmode":                       false,
		"auth.jwt.issuer":                    "engage",
		"auth.jwt.expiryhours":               24,
		"audit.buffer_size":                  4096,
		"audit.batch_size":                   100,
		"audit.flush_interval_ms":            500,
		"verification.provider":              "iv-cbv-payroll",
		"verification.language":              "en",
		"verification.max_age_seconds":       300,
		"verification.request_timeout_secs":  30,
		"verification.strict_correlation":    false,
		"verification.breaker.max_requests":  5,
		"verification.breaker.interval_secs": 60,
		"verification.breaker.timeout_secs":  30,
		"verification.breaker.failure_ratio": 0.7,
		"dedup.backend":                      "none",
		"events.topic":                       "engagement.verification",
		"metrics.enabled":                    true,
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// ENGAGE_VERIFICATION_APIKEY -> verification.apikey
	_ = k.Load(env.ProviderWithValue("ENGAGE_", ".", func(s, v string) (string, any) {
		key := strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "ENGAGE_")),
			"_", ".",
		)
		key = restoreUnderscoredKey(key)
		if listKeys[key] {
			return key, splitAndTrim(v)
		}
		return key, v
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// underscoredKeys lists config keys whose leaf name itself contains an
// underscore, so ENGAGE_DATABASE_MAX_CONNS maps to database.max_conns.
var underscoredKeys = []string{
	"database.max_conns",
	"database.migrations_path",
	"auth.dev_tenant_id",
	"audit.buffer_size",
	"audit.batch_size",
	"audit.flush_interval_ms",
	"cors.allowed_origins",
	"verification.max_age_seconds",
	"verification.request_timeout_secs",
	"verification.strict_correlation",
	"verification.breaker.max_requests",
	"verification.breaker.interval_secs",
	"verification.breaker.timeout_secs",
	"verification.breaker.failure_ratio",
	"events.kafka_brokers",
}

var listKeys = map[string]bool{
	"cors.allowed_origins": true,
	"events.kafka_brokers": true,
}

func restoreUnderscoredKey(dotted string) string {
	for _, key := range underscoredKeys {
		if strings.ReplaceAll(key, "_", ".") == dotted {
			return key
		}
	}
	return dotted
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
