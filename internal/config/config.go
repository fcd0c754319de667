// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// minSecretLen is the shortest SESSION_SECRET accepted.
const minSecretLen = 32

// knownDefaultSecrets are placeholder values that must never reach production.
var knownDefaultSecrets = []string{
	"changeme", "change-me", "secret", "default", "password", "your-secret-key",
	"your-secret-key-change-in-production", "dev-secret",
}

// Config holds all env configuration vars for Aegis.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// SessionSecret signs tokens issued outside this service's core. Required,
	// at least 32 chars, and not a known placeholder.
	SessionSecret string

	// AllowedRedirectHosts are the hosts IsSafeRedirect accepts.
	AllowedRedirectHosts []string

	// RateLimitProfilesFile is an optional YAML file overriding the built-in
	// profiles; watched and reloaded on change.
	RateLimitProfilesFile string

	// MFA. Empty MFAEncryptionKey stores TOTP secrets unsealed.
	MFAIssuer        string
	MFAEncryptionKey string

	// APIKeyHash selects the hasher for new keys: argon2id (default) or bcrypt.
	APIKeyHash string

	// Audit log backend: postgres (default), sqlite or memory.
	AuditBackend        string
	AuditSQLitePath     string
	AuditVerifySchedule string

	// FallbackSweepInterval is how often expired entries are purged from the
	// process-local fallback store. Default 1m.
	FallbackSweepInterval time.Duration

	// LockDefaultTTL applies when a caller acquires a lock without a TTL. Default 30s.
	LockDefaultTTL time.Duration

	// MaxRequestBytes caps JSON request bodies. Default 1 MiB.
	MaxRequestBytes int

	// TrustedProxies are the peers allowed to set X-Forwarded-For / X-Real-IP.
	// Empty means forwarding headers are ignored and RemoteAddr is the client.
	TrustedProxies []netip.Prefix
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL, SESSION_SECRET) are missing or invalid.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if err := validateSecret(cfg.SessionSecret); err != nil {
		return nil, err
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.AllowedRedirectHosts = envList("ALLOWED_REDIRECT_HOSTS")
	cfg.RateLimitProfilesFile = os.Getenv("RATE_LIMIT_PROFILES_FILE")

	cfg.MFAIssuer = os.Getenv("MFA_ISSUER")
	if cfg.MFAIssuer == "" {
		cfg.MFAIssuer = "Aegis"
	}
	cfg.MFAEncryptionKey = os.Getenv("MFA_ENCRYPTION_KEY")

	cfg.APIKeyHash = strings.ToLower(os.Getenv("API_KEY_HASH"))
	switch cfg.APIKeyHash {
	case "":
		cfg.APIKeyHash = "argon2id"
	case "argon2id", "bcrypt":
	default:
		return nil, fmt.Errorf("API_KEY_HASH must be argon2id or bcrypt, got %q", cfg.APIKeyHash)
	}

	cfg.AuditBackend = strings.ToLower(os.Getenv("AUDIT_BACKEND"))
	switch cfg.AuditBackend {
	case "":
		cfg.AuditBackend = "postgres"
	case "postgres", "memory":
	case "sqlite":
		cfg.AuditSQLitePath = os.Getenv("AUDIT_SQLITE_PATH")
		if cfg.AuditSQLitePath == "" {
			cfg.AuditSQLitePath = "aegis-audit.db"
		}
	default:
		return nil, fmt.Errorf("AUDIT_BACKEND must be postgres, sqlite or memory, got %q", cfg.AuditBackend)
	}

	// Unset means the default nightly check; an explicit "off" disables it.
	cfg.AuditVerifySchedule = os.Getenv("AUDIT_VERIFY_SCHEDULE")
	switch cfg.AuditVerifySchedule {
	case "":
		cfg.AuditVerifySchedule = "0 3 * * *"
	case "off":
		cfg.AuditVerifySchedule = ""
	}

	cfg.FallbackSweepInterval = envDuration("FALLBACK_SWEEP_INTERVAL", time.Minute)
	cfg.LockDefaultTTL = envDuration("LOCK_DEFAULT_TTL", 30*time.Second)
	cfg.MaxRequestBytes = envInt("MAX_REQUEST_BYTES", 1<<20)

	proxies, err := parsePrefixes(envList("TRUSTED_PROXIES"))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	return cfg, nil
}

// IsSafeRedirect reports whether target is a relative path or an http(s) URL
// whose host is in AllowedRedirectHosts. Scheme-relative URLs ("//evil.com") are rejected.
func (c *Config) IsSafeRedirect(target string) bool {
	if target == "" {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range c.AllowedRedirectHosts {
		if host == allowed {
			return true
		}
	}
	return false
}

func validateSecret(s string) error {
	if s == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	lower := strings.ToLower(s)
	for _, d := range knownDefaultSecrets {
		if lower == d {
			return fmt.Errorf("SESSION_SECRET must not be a default placeholder value")
		}
	}
	if len(s) < minSecretLen {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", minSecretLen)
	}
	return nil
}

// parsePrefixes accepts CIDRs or bare addresses; a bare address is a single-host prefix.
func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range entries {
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q", e)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", e)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// envList reads a comma-separated env var into lowercase, trimmed, non-empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
