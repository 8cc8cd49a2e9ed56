package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	SignatureModeES256 = "es256"
	SignatureModeHS256 = "hs256"

	EnvProduction = "production"
)

type Config struct {
	HTTPAddr       string
	DatabaseDriver string
	PostgresDSN    string
	SQLitePath     string
	LogLevel       string
	LogFormat      string
	GatewayEnv     string
	AdminAPIKey    string

	KeyEncryptionKeyHex string
	TokenIssuer         string
	TokenLifetimeDays   int
	ConsentLifetimeDays int
	KeyLifetimeDays     int
	KeyRotationLeadDays int
	RenewalLeadDays     int
	ExpiryGraceDays     int
	SignatureMode       string
	KeySetCacheSeconds  int

	AuditSweepEnabled   bool
	AuditSweepHours     int
	AuditWindowDays     int
	AuditOverlapMinutes int
	AuditDigestDir      string
	AuditArchiveDir     string

	TenantsFile string
	PolicyPath  string
	Tenants     []TenantConfig

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitFailClosed    bool
	RateLimitMaxKeys       int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dsn := os.Getenv("POSTGRES_DSN")
	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = DriverSQLite
		if dsn != "" {
			driver = DriverPostgres
		}
	}
	return Config{
		HTTPAddr:               addr,
		DatabaseDriver:         strings.ToLower(driver),
		PostgresDSN:            dsn,
		SQLitePath:             envDefault("SQLITE_PATH", "./consentbridge.sqlite"),
		LogLevel:               envDefault("LOG_LEVEL", "info"),
		LogFormat:              envDefault("LOG_FORMAT", "json"),
		GatewayEnv:             envDefault("GATEWAY_ENV", "development"),
		AdminAPIKey:            os.Getenv("ADMIN_API_KEY"),
		KeyEncryptionKeyHex:    os.Getenv("KEY_ENCRYPTION_KEY"),
		TokenIssuer:            envDefault("TOKEN_ISSUER", "https://consentbridge.local"),
		TokenLifetimeDays:      envIntDefault("TOKEN_LIFETIME_DAYS", 180),
		ConsentLifetimeDays:    envIntDefault("CONSENT_LIFETIME_DAYS", 365),
		KeyLifetimeDays:        envIntDefault("KEY_LIFETIME_DAYS", 365),
		KeyRotationLeadDays:    envIntDefault("KEY_ROTATION_LEAD_DAYS", 30),
		RenewalLeadDays:        envIntDefault("RENEWAL_LEAD_DAYS", 14),
		ExpiryGraceDays:        envIntDefault("EXPIRY_GRACE_DAYS", 7),
		SignatureMode:          strings.ToLower(envDefault("SIGNATURE_MODE", SignatureModeES256)),
		KeySetCacheSeconds:     envIntDefault("KEYSET_CACHE_SECONDS", 30),
		AuditSweepEnabled:      envBoolDefault("AUDIT_SWEEP_ENABLED", true),
		AuditSweepHours:        envIntDefault("AUDIT_SWEEP_HOURS", 24),
		AuditWindowDays:        envIntDefault("AUDIT_WINDOW_DAYS", 1),
		AuditOverlapMinutes:    envNonNegativeDefault("AUDIT_OVERLAP_MINUTES", 5),
		AuditDigestDir:         envDefault("AUDIT_DIGEST_DIR", "./audit-digests"),
		AuditArchiveDir:        os.Getenv("AUDIT_ARCHIVE_DIR"),
		TenantsFile:            os.Getenv("TENANTS_FILE"),
		PolicyPath:             os.Getenv("POLICY_PATH"),
		RateLimitRequests:      envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds: envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:    envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:       envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                envIntDefault("REDIS_DB", 0),
	}
}

// Load reads the environment and, when TENANTS_FILE is set, the tenants file.
func Load() (Config, error) {
	cfg := FromEnv()
	if cfg.TenantsFile != "" {
		tenants, err := LoadTenantsFile(cfg.TenantsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Tenants = tenants
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := c.KeyEncryptionKey(); err != nil {
		return err
	}
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for driver %q", c.DatabaseDriver)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for driver %q", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.SignatureMode {
	case SignatureModeES256:
	case SignatureModeHS256:
		for _, t := range c.Tenants {
			if t.Type != "agent" && t.Type != "board" {
				continue
			}
			if len(t.HS256Secret) < minHS256SecretLen {
				return fmt.Errorf("tenant %s: hs256_secret must be at least %d bytes", t.Slug, minHS256SecretLen)
			}
		}
	default:
		return fmt.Errorf("unsupported SIGNATURE_MODE %q", c.SignatureMode)
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("TOKEN_ISSUER is required")
	}
	return nil
}

// KeyEncryptionKey decodes the 32-byte master key used to seal tenant private keys.
func (c Config) KeyEncryptionKey() ([]byte, error) {
	if len(c.KeyEncryptionKeyHex) != 64 {
		return nil, fmt.Errorf("KEY_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	key, err := hex.DecodeString(c.KeyEncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("KEY_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	return key, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.GatewayEnv, EnvProduction)
}

func (c Config) TokenLifetime() time.Duration {
	return days(c.TokenLifetimeDays)
}

func (c Config) ConsentLifetime() time.Duration {
	return days(c.ConsentLifetimeDays)
}

func (c Config) KeyLifetime() time.Duration {
	lifetime := c.KeyLifetimeDays
	if lifetime < 30 {
		lifetime = 30
	}
	return days(lifetime)
}

func (c Config) KeyRotationLead() time.Duration {
	return days(c.KeyRotationLeadDays)
}

func (c Config) RenewalLead() time.Duration {
	return days(c.RenewalLeadDays)
}

func (c Config) ExpiryGrace() time.Duration {
	return days(c.ExpiryGraceDays)
}

func (c Config) KeySetCacheTTL() time.Duration {
	return time.Duration(c.KeySetCacheSeconds) * time.Second
}

func (c Config) AuditSweepInterval() time.Duration {
	hours := c.AuditSweepHours
	if hours < 1 {
		hours = 1
	}
	return time.Duration(hours) * time.Hour
}

// AuditWindow is the span verified by each sweep, including the overlap with the previous run.
func (c Config) AuditWindow() time.Duration {
	windowDays := c.AuditWindowDays
	if windowDays < 1 {
		windowDays = 1
	}
	overlap := c.AuditOverlapMinutes
	if overlap < 0 {
		overlap = 0
	}
	return days(windowDays) + time.Duration(overlap)*time.Minute
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envNonNegativeDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}
