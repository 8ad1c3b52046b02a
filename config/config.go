package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	Port           int
	RedisURL       string
	RedisPassword  string
	MaxSessions    int
	SessionTimeout time.Duration
	AllowedOrigins []string
	MaxBufferSize  int // Maximum pending-audio size in bytes per session

	// External collaborator endpoints
	STTEndpoint    string
	LLMEndpoint    string
	TTSEndpoint    string
	LookupEndpoint string

	// Completion backend: "openai" (OpenAI-compatible SSE) or "gemini"
	LLMProvider  string
	LLMModel     string
	LLMAPIKey    string
	GeminiAPIKey string
	GeminiModel  string

	// Per-call timeouts for collaborator requests
	STTTimeout    time.Duration
	LLMTimeout    time.Duration
	TTSTimeout    time.Duration
	LookupTimeout time.Duration

	// Number of sentences that may be in synthesis flight at once
	SynthQueueDepth int
}

// Load reads configuration from environment variables with defaults
func Load() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:            8000,
		RedisURL:        "localhost:6379",
		RedisPassword:   "",
		MaxSessions:     100,
		SessionTimeout:  time.Hour,
		AllowedOrigins:  []string{"*"},
		MaxBufferSize:   5 * 1024 * 1024, // 5MB default
		STTEndpoint:     "http://localhost:8005/inference",
		LLMEndpoint:     "http://localhost:8002/v1/chat/completions",
		TTSEndpoint:     "http://localhost:8003/tts",
		LookupEndpoint:  "http://localhost:8006/records",
		LLMProvider:     "openai",
		LLMModel:        "gpt-4o-mini",
		GeminiModel:     "models/gemini-2.0-flash",
		STTTimeout:      30 * time.Second,
		LLMTimeout:      120 * time.Second,
		TTSTimeout:      60 * time.Second,
		LookupTimeout:   10 * time.Second,
		SynthQueueDepth: 4,
	}

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: MAX_SESSIONS
	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: MAX_BUFFER_SIZE (in bytes)
	if bufferSize := os.Getenv("MAX_BUFFER_SIZE"); bufferSize != "" {
		b, err := strconv.Atoi(bufferSize)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BUFFER_SIZE: %w", err)
		}
		config.MaxBufferSize = b
	}

	// Optional: collaborator endpoints
	if v := os.Getenv("SRT_ENDPOINT"); v != "" {
		config.STTEndpoint = v
	}
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		config.LLMEndpoint = v
	}
	if v := os.Getenv("TTS_ENDPOINT"); v != "" {
		config.TTSEndpoint = v
	}
	if v := os.Getenv("LOOKUP_ENDPOINT"); v != "" {
		config.LookupEndpoint = v
	}

	// Optional: LLM_PROVIDER ("openai" or "gemini")
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		switch provider {
		case "openai", "gemini":
			config.LLMProvider = provider
		default:
			return nil, fmt.Errorf("invalid LLM_PROVIDER: must be 'openai' or 'gemini'")
		}
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		config.LLMModel = v
	}
	config.LLMAPIKey = os.Getenv("LLM_API_KEY")

	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		config.GeminiModel = v
	}
	if config.LLMProvider == "gemini" && config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required when LLM_PROVIDER is 'gemini'")
	}

	// Optional: collaborator timeouts (in seconds)
	for _, tc := range []struct {
		env string
		dst *time.Duration
	}{
		{"STT_TIMEOUT", &config.STTTimeout},
		{"LLM_TIMEOUT", &config.LLMTimeout},
		{"TTS_TIMEOUT", &config.TTSTimeout},
		{"LOOKUP_TIMEOUT", &config.LookupTimeout},
	} {
		if v := os.Getenv(tc.env); v != "" {
			s, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", tc.env, err)
			}
			*tc.dst = time.Duration(s) * time.Second
		}
	}

	// Optional: SYNTH_QUEUE_DEPTH
	if depth := os.Getenv("SYNTH_QUEUE_DEPTH"); depth != "" {
		d, err := strconv.Atoi(depth)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNTH_QUEUE_DEPTH: %w", err)
		}
		if d < 1 {
			return nil, fmt.Errorf("invalid SYNTH_QUEUE_DEPTH: must be at least 1")
		}
		config.SynthQueueDepth = d
	}

	return config, nil
}
