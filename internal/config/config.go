package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultGreetingReply is sent when a customer opens a conversation with a
// bare greeting.
const DefaultGreetingReply = "Hi! Welcome to our gemstone concierge. Tell me what you're looking for — stone, carat range, single or pair — and I'll check the inventory for you."

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Orchestration
	QuietPeriod       time.Duration
	MaxHistoryPairs   int
	DailyMessageLimit int
	HandoffTimeout    time.Duration
	SweepInterval     time.Duration
	SessionIdleExpiry time.Duration
	OperatorNumbers   []string
	GreetingReply     string
	RateLimitTimezone string

	// Assistant backend
	OpenAIAPIKey     string
	OpenAIModel      string
	SystemPromptPath string

	// Outbound delivery
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioWhatsAppFrom  string
	ValidateTwilio      bool
	DeliveryPollTimeout time.Duration

	// Inventory source
	SheetsID  string
	SheetsGID string

	// Optional shared stores
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	DatabaseURL   string

	// Admin / dashboard surfaces
	AdminToken          string
	DashboardToken      string
	TranscriptRetention time.Duration
	CORSAllowedOrigins  []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		QuietPeriod:       getEnvAsDuration("MESSAGE_BUFFER_SECONDS", 30*time.Second),
		MaxHistoryPairs:   getEnvAsInt("MAX_HISTORY_PAIRS", 20),
		DailyMessageLimit: getEnvAsInt("DAILY_MESSAGE_LIMIT", 0),
		HandoffTimeout:    getEnvAsDuration("HANDOFF_TIMEOUT", 30*time.Minute),
		SweepInterval:     getEnvAsDuration("HANDOFF_SWEEP_INTERVAL", time.Minute),
		SessionIdleExpiry: getEnvAsDuration("SESSION_IDLE_EXPIRY", 12*time.Hour),
		OperatorNumbers:   splitList(getEnv("OPERATOR_NUMBERS", "")),
		GreetingReply:     getEnv("GREETING_REPLY", DefaultGreetingReply),
		RateLimitTimezone: getEnv("RATE_LIMIT_TZ", "UTC"),

		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o"),
		SystemPromptPath: getEnv("SYSTEM_PROMPT_PATH", "prompt.md"),

		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWhatsAppFrom:  getEnv("TWILIO_WHATSAPP_NUMBER", ""),
		ValidateTwilio:      getEnvAsBool("VALIDATE_TWILIO", true),
		DeliveryPollTimeout: getEnvAsDuration("DELIVERY_POLL_TIMEOUT", 15*time.Second),

		SheetsID:  getEnv("GOOGLE_SHEETS_ID", ""),
		SheetsGID: getEnv("GOOGLE_SHEETS_GID", "0"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		AdminToken:          getEnv("ADMIN_TOKEN", ""),
		DashboardToken:      getEnv("DASHBOARD_TOKEN", ""),
		TranscriptRetention: getEnvAsDuration("TRANSCRIPT_RETENTION", 6*time.Hour),
		CORSAllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

// splitList parses a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration parses a duration value, accepting either a Go duration
// string ("45s") or a bare number of seconds ("45") for compatibility with
// older deployments.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
