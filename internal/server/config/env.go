package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv overlays Config fields from TOKEND_* environment variables. A
// .env file in the working directory is loaded first when present; real
// environment variables win over the file.
func parseEnv(config *Config) {
	_ = godotenv.Load()

	envString("TOKEND_ADDRESS", &config.EndpointAddr)
	envString("TOKEND_DATABASE_DSN", &config.DatabaseDSN)
	envString("TOKEND_SECRET_KEY", &config.SecretKey)
	envSeconds("TOKEND_ACCESS_TTL_SECONDS", &config.AccessTokenValidity)
	envSeconds("TOKEND_REFRESH_TTL_SECONDS", &config.RefreshTokenValidity)
	envString("TOKEND_ISSUER", &config.Issuer)
	envString("TOKEND_USERS", &config.StaticUsers)
	envSeconds("TOKEND_PURGE_INTERVAL_SECONDS", &config.PurgeInterval)
	envSeconds("TOKEND_PURGE_GRACE_SECONDS", &config.PurgeGrace)
	envBool("TOKEND_COOKIE_SECURE", &config.CookieSecure)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envSeconds(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(secs) * time.Second
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
