package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	RedisURL   string
	JWTSecret  string
	AccessTTL  time.Duration
	CORSOrigin string
	// Oracle configuration
	OracleAPIKey      string
	OracleModel       string
	OracleVisionModel string
	OracleTimeout     time.Duration
	// Ephemeral ("stealth mode") messages self-hide after this long
	EphemeralTTL time.Duration
	// Per-client rate limit on write routes
	RateRPS   int
	RateBurst int
}

func Load() Config {
	return Config{
		Addr:       getenv("API_ADDR", ":8790"),
		RedisURL:   getenv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:  getenv("SIGMAX_JWT_SECRET", "sigmax-dev-secret"),
		AccessTTL:  time.Duration(getenvInt("SIGMAX_ACCESS_TTL_SECONDS", 86400)) * time.Second,
		CORSOrigin: getenv("SIGMAX_CORS_ORIGIN", "*"),
		// Oracle - advisory features degrade when not configured
		OracleAPIKey:      getenv("ORACLE_API_KEY", ""),
		OracleModel:       getenv("ORACLE_MODEL", "claude-sonnet-4-5"),
		OracleVisionModel: getenv("ORACLE_VISION_MODEL", "claude-sonnet-4-5"),
		OracleTimeout:     time.Duration(getenvInt("ORACLE_TIMEOUT_SECONDS", 30)) * time.Second,
		EphemeralTTL:      time.Duration(getenvInt("SIGMAX_EPHEMERAL_TTL_SECONDS", 300)) * time.Second,
		RateRPS:           getenvInt("SIGMAX_RATE_RPS", 5),
		RateBurst:         getenvInt("SIGMAX_RATE_BURST", 10),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
