// Package config loads the rendezvous server's runtime configuration from
// environment variables (and an optional .env file) into a single
// immutable value passed to every component at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all rendezvous server configuration values. It is built
// once by Load and then treated as read-only, with the sole exception of
// GracePeriod: the Client state machine re-reads it on every grace-timer
// arm (see spec.md §4.2), and test builds are free to mutate it directly.
type Config struct {
	// Public plane
	Port    int
	Address string
	Secure  bool
	Domain  string

	// Admin plane
	AdminPort    int
	AdminAddress string
	Landing      string

	// Per-tunnel limits
	MaxSockets int

	// Port pool for tunnel-client listeners ([0,0] means "ephemeral, no pool")
	PortRangeStart int
	PortRangeEnd   int

	// URL construction
	HTTPProxyPort  int
	HTTPSProxyPort int

	// Backpressure / reservation
	RetryAfterSeconds int
	GracePeriod       time.Duration
	MaxGracePeriod    time.Duration
	IPValidationStrict bool
	TrustProxy        bool

	// Proxying
	RequestTimeout      time.Duration
	WebsocketTimeout     time.Duration
	SocketCheckInterval time.Duration

	// HMAC admin authentication
	HMACSecret            string
	HMACTimestampTolerance time.Duration
	HMACNonceThreshold     time.Duration
	HMACNonceCacheTTL      time.Duration
	NonceCleanupInterval   time.Duration

	// Optional distributed nonce cache backing
	RedisURL string

	// Admin-plane tunnel-creation rate limiting (0 disables)
	RateLimitRPM int

	// Logging
	LogLevel string
	Env      string
}

// Load reads configuration from environment variables and an optional
// .env file, applying the defaults from spec.md §6.4, then validates it.
// Fatal misconfiguration (HMAC secret too short) is reported via error so
// callers can log context before exiting; main.go prints it to stderr and
// exits with status 1.
func Load() (*Config, error) {
	_ = godotenv.Load()

	grace := clampGrace(getEnvDurationMS("LT_GRACE_PERIOD", 30000))
	maxGrace := getEnvDurationMS("LT_MAX_GRACE_PERIOD", 300000)
	if maxGrace <= 0 {
		maxGrace = 300000 * time.Millisecond
	}
	if grace > maxGrace {
		grace = maxGrace
	}

	cfg := &Config{
		Port:    getEnvInt("LT_PORT", 80),
		Address: getEnv("LT_ADDRESS", "0.0.0.0"),
		Secure:  getEnvBool("LT_SECURE", false),
		Domain:  getEnv("LT_DOMAIN", ""),

		AdminPort:    getEnvInt("LT_ADMIN_PORT", 0),
		AdminAddress: getEnv("LT_ADMIN_ADDRESS", "0.0.0.0"),
		Landing:      getEnv("LT_LANDING", "https://localtunnel.github.io/www/"),

		MaxSockets: getEnvInt("LT_MAX_SOCKETS", 10),

		PortRangeStart: getEnvInt("LT_PORT_RANGE_START", 0),
		PortRangeEnd:   getEnvInt("LT_PORT_RANGE_END", 0),

		HTTPProxyPort:  getEnvInt("LT_HTTP_PROXY_PORT", 0),
		HTTPSProxyPort: getEnvInt("LT_HTTPS_PROXY_PORT", 0),

		RetryAfterSeconds:  getEnvInt("LT_RETRY_AFTER", 5),
		GracePeriod:        grace,
		MaxGracePeriod:     maxGrace,
		IPValidationStrict: getEnvBool("LT_IP_VALIDATION_STRICT", false),
		TrustProxy:         getEnvBool("LT_TRUST_PROXY", false),

		RequestTimeout:      getEnvDurationMS("LT_REQUEST_TIMEOUT", 5000),
		WebsocketTimeout:    getEnvDurationMS("LT_WEBSOCKET_TIMEOUT", 10000),
		SocketCheckInterval: getEnvDurationMS("LT_SOCKET_CHECK_INTERVAL", 100),

		HMACTimestampTolerance: getEnvDurationSec("LT_HMAC_TIMESTAMP_TOLERANCE", 60),
		HMACNonceThreshold:     getEnvDurationSec("LT_HMAC_NONCE_THRESHOLD", 3600),
		HMACNonceCacheTTL:      getEnvDurationSec("LT_HMAC_NONCE_CACHE_TTL", 7200),
		NonceCleanupInterval:   getEnvDurationMS("LT_NONCE_CLEANUP_INTERVAL", 60000),

		RedisURL: getEnv("LT_REDIS_URL", ""),

		RateLimitRPM: getEnvInt("LT_CREATE_RATE_LIMIT_RPM", 0),

		LogLevel: getEnv("LT_LOG_LEVEL", "info"),
		Env:      getEnv("ENV", "development"),
	}

	secret, err := loadHMACSecret()
	if err != nil {
		return nil, err
	}
	cfg.HMACSecret = secret

	if cfg.HMACSecret != "" && len(cfg.HMACSecret) < 32 {
		return nil, fmt.Errorf("config: LT_HMAC_SECRET must be at least 32 characters, got %d", len(cfg.HMACSecret))
	}
	if cfg.HMACSecret != "" && cfg.HMACNonceCacheTTL < cfg.HMACNonceThreshold {
		return nil, fmt.Errorf("config: LT_HMAC_NONCE_CACHE_TTL (%s) must be >= LT_HMAC_NONCE_THRESHOLD (%s)", cfg.HMACNonceCacheTTL, cfg.HMACNonceThreshold)
	}
	if cfg.PortRangeStart != 0 || cfg.PortRangeEnd != 0 {
		if cfg.PortRangeStart <= 0 || cfg.PortRangeEnd <= 0 || cfg.PortRangeStart > cfg.PortRangeEnd {
			return nil, fmt.Errorf("config: invalid LT_PORT_RANGE_START/END (%d-%d)", cfg.PortRangeStart, cfg.PortRangeEnd)
		}
	}

	return cfg, nil
}

// loadHMACSecret prefers LT_HMAC_SECRET, falling back to the first line
// of the file named by FILE_LT_HMAC_SECRET. Returns "" if neither is set,
// which disables HMAC authentication entirely.
func loadHMACSecret() (string, error) {
	if v, ok := os.LookupEnv("LT_HMAC_SECRET"); ok && v != "" {
		return v, nil
	}
	path, ok := os.LookupEnv("FILE_LT_HMAC_SECRET")
	if !ok || path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: reading FILE_LT_HMAC_SECRET: %w", err)
	}
	line := strings.SplitN(string(data), "\n", 2)[0]
	return strings.TrimRight(line, "\r"), nil
}

func clampGrace(d time.Duration) time.Duration {
	if d <= 0 {
		return 30000 * time.Millisecond
	}
	return d
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HMACEnabled reports whether admin-plane tunnel-creation routes require
// HMAC authentication.
func (c *Config) HMACEnabled() bool {
	return c.HMACSecret != ""
}

// PortPoolConfigured reports whether a per-tunnel listen-port range is
// configured; if not, Agent.Listen always binds an ephemeral port.
func (c *Config) PortPoolConfigured() bool {
	return c.PortRangeStart > 0 && c.PortRangeEnd > 0
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDurationMS reads an integer millisecond value, falling back to
// fallbackMS when unset, invalid, or negative.
func getEnvDurationMS(key string, fallbackMS int) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return time.Duration(i) * time.Millisecond
		}
	}
	return time.Duration(fallbackMS) * time.Millisecond
}

// getEnvDurationSec reads an integer seconds value, falling back to
// fallbackSec when unset, invalid, or negative.
func getEnvDurationSec(key string, fallbackSec int) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return time.Duration(i) * time.Second
		}
	}
	return time.Duration(fallbackSec) * time.Second
}
