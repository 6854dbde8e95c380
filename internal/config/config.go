package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	CORSAllowedOrigins []string

	// SMS provider credentials. Telnyx is preferred, Twilio is the fallback.
	SMSProvider              string
	SMSFromNumber            string
	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioFromNumber         string

	// Auth token issuance after a successful claim.
	AuthJWTSecret string
	AuthTokenTTL  time.Duration

	// Claim flow tunables. Defaults follow the product's security review;
	// override per deployment via environment.
	ClaimSessionTTL   time.Duration
	OTPTTL            time.Duration
	OTPAttemptLimit   int
	OTPResendCooldown time.Duration
	OTPResendLimit    int
	OTPResendWindow   time.Duration
	PasswordMinLength int

	// Search abuse throttling (per client IP).
	SearchRateLimit  int
	SearchRateWindow time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		CORSAllowedOrigins: splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "")),

		SMSProvider:              strings.ToLower(strings.TrimSpace(getEnv("SMS_PROVIDER", "auto"))),
		SMSFromNumber:            getEnv("SMS_FROM_NUMBER", ""),
		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TwilioAccountSID:         getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:         getEnv("TWILIO_FROM_NUMBER", ""),

		AuthJWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		AuthTokenTTL:  getEnvAsDuration("AUTH_TOKEN_TTL", 24*time.Hour),

		ClaimSessionTTL:   getEnvAsDuration("CLAIM_SESSION_TTL", 10*time.Minute),
		OTPTTL:            getEnvAsDuration("CLAIM_OTP_TTL", 5*time.Minute),
		OTPAttemptLimit:   getEnvAsInt("CLAIM_OTP_ATTEMPT_LIMIT", 5),
		OTPResendCooldown: getEnvAsDuration("CLAIM_OTP_RESEND_COOLDOWN", 30*time.Second),
		OTPResendLimit:    getEnvAsInt("CLAIM_OTP_RESEND_LIMIT", 3),
		OTPResendWindow:   getEnvAsDuration("CLAIM_OTP_RESEND_WINDOW", time.Hour),
		PasswordMinLength: getEnvAsInt("CLAIM_PASSWORD_MIN_LENGTH", 6),

		SearchRateLimit:  getEnvAsInt("CLAIM_SEARCH_RATE_LIMIT", 20),
		SearchRateWindow: getEnvAsDuration("CLAIM_SEARCH_RATE_WINDOW", time.Hour),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var out []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
