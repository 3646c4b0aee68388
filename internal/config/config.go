package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the chartqueue server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	LINE     LINEConfig
	AI       AIConfig
	Queue    QueueConfig
	Admin    AdminConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type LINEConfig struct {
	ChannelSecret      string
	ChannelAccessToken string
	APIBaseURL         string
	DataBaseURL        string
	Timeout            time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Anthropic        AnthropicConfig
}

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

// QueueConfig tunes the job queue and its worker pool.
type QueueConfig struct {
	EstSecondsPerImage float64
	HistoryKeep        int
	MaxAttempts        int
	IDBucket           time.Duration
	PollInterval       time.Duration
	// StaleAfter is how long a job may stay processing before the pool
	// assumes its worker died and resolves it.
	StaleAfter        time.Duration
	WorkerConcurrency int
}

type AdminConfig struct {
	TokenHash string
}

var validProviders = map[string]bool{
	"anthropic": true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("CHARTQUEUE_PORT", 8080),
			Env:             envString("CHARTQUEUE_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		LINE: LINEConfig{
			ChannelSecret:      os.Getenv("LINE_CHANNEL_SECRET"),
			ChannelAccessToken: os.Getenv("LINE_CHANNEL_ACCESS_TOKEN"),
			APIBaseURL:         envString("LINE_API_BASE_URL", "https://api.line.me"),
			DataBaseURL:        envString("LINE_DATA_BASE_URL", "https://api-data.line.me"),
			Timeout:            envDuration("LINE_TIMEOUT", 15*time.Second),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 90*time.Second),
			Anthropic: AnthropicConfig{
				APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
				Model:     envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				MaxTokens: envInt("ANTHROPIC_MAX_TOKENS", 2048),
				BaseURL:   os.Getenv("ANTHROPIC_BASE_URL"),
			},
		},
		Queue: QueueConfig{
			EstSecondsPerImage: envFloat("QUEUE_EST_SECONDS_PER_IMAGE", 45),
			HistoryKeep:        envInt("QUEUE_HISTORY_KEEP", 5),
			MaxAttempts:        envInt("QUEUE_MAX_ATTEMPTS", 3),
			IDBucket:           envDuration("QUEUE_ID_BUCKET", 24*time.Hour),
			PollInterval:       envDuration("QUEUE_POLL_INTERVAL", 5*time.Second),
			StaleAfter:         envDuration("QUEUE_STALE_AFTER", 15*time.Minute),
			WorkerConcurrency:  envInt("QUEUE_WORKER_CONCURRENCY", 4),
		},
		Admin: AdminConfig{
			TokenHash: os.Getenv("ADMIN_TOKEN_HASH"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.LINE.ChannelSecret == "" {
		return fmt.Errorf("LINE_CHANNEL_SECRET is required")
	}
	if c.LINE.ChannelAccessToken == "" {
		return fmt.Errorf("LINE_CHANNEL_ACCESS_TOKEN is required")
	}
	for key, u := range map[string]string{
		"LINE_API_BASE_URL":  c.LINE.APIBaseURL,
		"LINE_DATA_BASE_URL": c.LINE.DataBaseURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", key, u)
		}
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	if c.Queue.HistoryKeep < 1 {
		return fmt.Errorf("QUEUE_HISTORY_KEEP must be at least 1, got %d", c.Queue.HistoryKeep)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.WorkerConcurrency < 1 {
		return fmt.Errorf("QUEUE_WORKER_CONCURRENCY must be at least 1, got %d", c.Queue.WorkerConcurrency)
	}
	if c.Queue.IDBucket <= 0 {
		return fmt.Errorf("QUEUE_ID_BUCKET must be positive, got %s", c.Queue.IDBucket)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive, got %s", c.Queue.PollInterval)
	}
	if c.Queue.StaleAfter <= c.AI.InferenceTimeout {
		return fmt.Errorf("QUEUE_STALE_AFTER must exceed AI_INFERENCE_TIMEOUT_SECS (%s), got %s",
			c.AI.InferenceTimeout, c.Queue.StaleAfter)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
