// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds process-level settings. Pool/refresher behavior that can
// change at runtime (schedule mode, cooldown, refresh toggles) lives in
// app_settings instead and is read through store.Store.
type Config struct {
	Host string
	Port int

	DBPath string

	EncryptionKey string
	AdminToken    string

	// Upstream (native CloudCode generative-content backend).
	NativeAPIBaseURL  string
	GenericAPIBaseURL string
	NativeIsGCPTos    bool

	// GENERIC_CLI client identity, sent as loadCodeAssist/onboardUser's
	// metadata so the upstream can tell this client apart from other
	// GENERIC_CLI integrations.
	GenericIDEPlatform string
	GenericPluginType  string

	// OAuth (Identity Broker — external; we only hold the token endpoint).
	OAuthTokenURL string
	OAuthClientID string
	OAuthSecret   string

	// Pool / scheduling defaults (overridable via app_settings at runtime).
	PoolScheduleMode  string
	PoolCooldown      time.Duration
	SessionBindingTTL time.Duration
	MaxBindings       int

	// Refresher defaults.
	AutoRefreshEnabled  bool
	AutoRefreshInterval time.Duration
	TokenRefreshAdvance time.Duration

	// Request handling.
	RequestTimeout     time.Duration
	GenericHTTPTimeout time.Duration
	MaxRequestBodyMB   int
	MaxRetryAccounts   int

	// Onboarding LRO poll.
	OnboardPollInterval time.Duration
	OnboardPollBudget   time.Duration

	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		DBPath: envOr("DB_PATH", "./cloudcode-relay.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		AdminToken:    os.Getenv("API_TOKEN"),

		NativeAPIBaseURL:  envOr("NATIVE_API_BASE_URL", "https://cloudcode-pa.googleapis.com"),
		GenericAPIBaseURL: envOr("GENERIC_API_BASE_URL", "https://cloudcode-pa.googleapis.com"),
		NativeIsGCPTos:    envBool("NATIVE_IS_GCP_TOS", false),

		GenericIDEPlatform: envOr("GENERIC_IDE_PLATFORM", "PLATFORM_UNSPECIFIED"),
		GenericPluginType:  envOr("GENERIC_PLUGIN_TYPE", "GEMINI"),

		OAuthTokenURL: envOr("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		OAuthClientID: os.Getenv("OAUTH_CLIENT_ID"),
		OAuthSecret:   os.Getenv("OAUTH_CLIENT_SECRET"),

		PoolScheduleMode:  envOr("POOL_SCHEDULE_MODE", "balance"),
		PoolCooldown:      envDurationSeconds("POOL_COOLDOWN_SECONDS", 0),
		SessionBindingTTL: envDurationSeconds("SESSION_BINDING_TTL_SECONDS", 30*60),
		MaxBindings:       envInt("MAX_BINDINGS", 1000),

		AutoRefreshEnabled:  envBool("AUTO_REFRESH_ENABLED", true),
		AutoRefreshInterval: envDurationMinutes("AUTO_REFRESH_INTERVAL_MINUTES", 15),
		TokenRefreshAdvance: envDurationSeconds("TOKEN_REFRESH_ADVANCE_SECONDS", 60),

		RequestTimeout:     envDurationSeconds("REQUEST_TIMEOUT_SECONDS", 180),
		GenericHTTPTimeout: envDurationSeconds("GENERIC_HTTP_TIMEOUT_SECONDS", 30),
		MaxRequestBodyMB:   envInt("MAX_REQUEST_BODY_MB", 60),
		// MaxRetryAccounts caps the per-request retry budget; the forwarder
		// takes min(pool.Size(), MaxRetryAccounts) as the actual budget, so
		// this only matters for pools larger than 5 accounts.
		MaxRetryAccounts:   envInt("MAX_RETRY_ACCOUNTS", 5),

		OnboardPollInterval: envDurationSeconds("ONBOARD_POLL_INTERVAL_SECONDS", 5),
		OnboardPollBudget:   envDurationSeconds("ONBOARD_POLL_BUDGET_SECONDS", 60),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.AdminToken == "" {
		return errMissing("API_TOKEN")
	}
	return nil
}

func errMissing(field string) error {
	return errors.New("missing required env: " + field)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(envInt(key, fallbackSeconds)) * time.Second
}

func envDurationMinutes(key string, fallbackMinutes int) time.Duration {
	return time.Duration(envInt(key, fallbackMinutes)) * time.Minute
}
