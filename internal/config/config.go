package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Credential backends.
const (
	BackendMemory         = "memory"
	BackendFile           = "file"
	BackendRedis          = "redis"
	BackendSecretsManager = "secretsmanager"
)

type Config struct {
	Addr         string
	LogLevel     string
	LogFormat    string
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string
	// TraceSampleRatio is the fraction of root traces exported.
	TraceSampleRatio float64

	// Credentials
	EncryptionKey         string
	CredentialsBackend    string
	CredentialsFile       string
	CredentialsSecretName string
	KeyPolicy             string
	// AdminUsers guards the credential routes, as name:role:bcrypt-hash
	// entries separated by commas. Empty leaves them open.
	AdminUsers string

	// Title pipeline
	TitleModel           string
	TitleTimeout         time.Duration
	TitleAllowRegenerate bool
	TitleWorkers         int
	TitleQueueURL        string
	NotifyTopicARN       string
	// CompletionURL sends pipeline requests to a remote completion
	// endpoint instead of serving them in process.
	CompletionURL string

	RateLimitRPM int

	// Provider circuit breakers
	CircuitBreakerFailures int
	CircuitBreakerTimeout  time.Duration

	// Upstream endpoints
	OpenAIBaseURL     string
	OpenRouterBaseURL string
	GoogleBaseURL     string
	LiteLLMBaseURL    string

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

// Load reads the environment, after merging an optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := &Config{
		Addr:         getEnv("ADDR", ":8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:    getEnv("AWS_REGION", ""),

		TraceSampleRatio: getFloatEnv("TRACE_SAMPLE_RATIO", 1),

		EncryptionKey:         getEnv("ENCRYPTION_KEY", ""),
		CredentialsBackend:    strings.ToLower(getEnv("CREDENTIALS_BACKEND", BackendMemory)),
		CredentialsFile:       getEnv("CREDENTIALS_FILE", "credentials.json"),
		CredentialsSecretName: getEnv("CREDENTIALS_SECRET_NAME", ""),
		KeyPolicy:             strings.ToLower(getEnv("KEY_POLICY", "none")),
		AdminUsers:            getEnv("ADMIN_USERS", ""),

		TitleModel:           getEnv("TITLE_MODEL", ""),
		TitleTimeout:         getDurationEnv("TITLE_TIMEOUT", 8*time.Second),
		TitleAllowRegenerate: getBoolEnv("TITLE_ALLOW_REGENERATE", true),
		TitleWorkers:         getIntEnv("TITLE_WORKERS", 2),
		TitleQueueURL:        getEnv("TITLE_QUEUE_URL", ""),
		NotifyTopicARN:       getEnv("NOTIFY_TOPIC_ARN", ""),
		CompletionURL:        getEnv("COMPLETION_URL", ""),

		RateLimitRPM: getIntEnv("RATE_LIMIT_RPM", 60),

		CircuitBreakerFailures: getIntEnv("CIRCUIT_BREAKER_FAILURES", 5),
		CircuitBreakerTimeout:  getDurationEnv("CIRCUIT_BREAKER_TIMEOUT", 30*time.Second),

		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		GoogleBaseURL:     getEnv("GOOGLE_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		LiteLLMBaseURL:    getEnv("LITELLM_BASE_URL", ""),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.CredentialsBackend {
	case BackendMemory, BackendFile:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("CREDENTIALS_BACKEND=redis requires REDIS_URL")
		}
	case BackendSecretsManager:
		if c.CredentialsSecretName == "" || c.AWSRegion == "" {
			return fmt.Errorf("CREDENTIALS_BACKEND=secretsmanager requires CREDENTIALS_SECRET_NAME and AWS_REGION")
		}
	default:
		return fmt.Errorf("unknown CREDENTIALS_BACKEND %q", c.CredentialsBackend)
	}

	if (c.TitleQueueURL != "" || c.NotifyTopicARN != "") && c.AWSRegion == "" {
		return fmt.Errorf("TITLE_QUEUE_URL and NOTIFY_TOPIC_ARN require AWS_REGION")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.TitleTimeout <= 0 {
		return fmt.Errorf("TITLE_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("30") or a Go duration ("1m30s").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	slog.Warn("invalid duration, using default", "key", key, "value", value, "default", defaultValue)
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("invalid boolean, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return b
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}

func getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("invalid number, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return f
}
