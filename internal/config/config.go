package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Plan names accepted by PLAN
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Capture sources accepted by CAPTURE_SOURCE
const (
	CaptureWebSocket = "websocket"
	CaptureFile      = "file"
)

// Config holds all configuration for the memoir recorder daemon
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""` // Empty disables the gRPC health service

	// Story library persistence
	StorePath string `envconfig:"STORE_PATH" default:"memoir.sqlite"`
	StoreKey  string `envconfig:"STORE_KEY" default:"memoir_stories"`

	// Plan and duration caps
	Plan           string `envconfig:"PLAN" default:"free"`
	FreeCapSeconds int    `envconfig:"FREE_CAP_SECONDS" default:"120"`
	ProCapSeconds  int    `envconfig:"PRO_CAP_SECONDS" default:"3600"`

	// Locale used when a session does not name one
	DefaultLocale string `envconfig:"DEFAULT_LOCALE" default:"en-US"`

	// Audio capture
	AudioMIME              string `envconfig:"AUDIO_MIME" default:"audio/webm"`
	CaptureSource          string `envconfig:"CAPTURE_SOURCE" default:"websocket"` // websocket or file
	CaptureFile            string `envconfig:"CAPTURE_FILE" default:""`
	CaptureChunkBytes      int    `envconfig:"CAPTURE_CHUNK_BYTES" default:"3200"`
	CaptureChunkIntervalMs int    `envconfig:"CAPTURE_CHUNK_INTERVAL_MS" default:"100"`
	CaptureBuffer          int    `envconfig:"CAPTURE_BUFFER" default:"256"` // Pending chunks per recorder
	StopReleaseTimeoutMs   int    `envconfig:"STOP_RELEASE_TIMEOUT_MS" default:"5000"`

	// Deepgram streaming STT. An empty key means transcription is unavailable.
	DeepgramAPIKey     string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel      string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage   string `envconfig:"DEEPGRAM_LANGUAGE" default:""` // Overrides the session locale when set
	DeepgramEncoding   string `envconfig:"DEEPGRAM_ENCODING" default:""` // Empty lets Deepgram sniff the container
	DeepgramSampleRate int    `envconfig:"DEEPGRAM_SAMPLE_RATE" default:"0"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if _, err := c.CapSeconds(c.Plan); err != nil {
		return err
	}
	if c.FreeCapSeconds <= 0 || c.ProCapSeconds <= 0 {
		return fmt.Errorf("plan caps must be positive (free=%d, pro=%d)", c.FreeCapSeconds, c.ProCapSeconds)
	}

	switch c.CaptureSource {
	case CaptureWebSocket:
	case CaptureFile:
		if c.CaptureFile == "" {
			return fmt.Errorf("CAPTURE_FILE is required when CAPTURE_SOURCE=file")
		}
	default:
		return fmt.Errorf("unknown CAPTURE_SOURCE %q", c.CaptureSource)
	}

	if c.CaptureChunkBytes <= 0 {
		return fmt.Errorf("CAPTURE_CHUNK_BYTES must be positive")
	}
	if c.StoreKey == "" {
		return fmt.Errorf("STORE_KEY is required")
	}
	return nil
}

// CapSeconds returns the maximum recording duration allowed by a plan
func (c *Config) CapSeconds(plan string) (int, error) {
	switch strings.ToLower(plan) {
	case PlanFree:
		return c.FreeCapSeconds, nil
	case PlanPro:
		return c.ProCapSeconds, nil
	default:
		return 0, fmt.Errorf("unknown plan %q", plan)
	}
}

// TranscriptionEnabled reports whether a streaming recognizer can be built
func (c *Config) TranscriptionEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// ChunkInterval returns the pacing used by the file capture source
func (c *Config) ChunkInterval() time.Duration {
	return time.Duration(c.CaptureChunkIntervalMs) * time.Millisecond
}

// StopReleaseTimeout bounds how long a stopping session waits for the device
func (c *Config) StopReleaseTimeout() time.Duration {
	return time.Duration(c.StopReleaseTimeoutMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
