package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Model gateway
	LiteLLMURL       string
	LLMAPIKey        string
	ModelID          string // decide step
	SynthesisModelID string // synthesize step; falls back to ModelID when unset
	GatewayTimeout   time.Duration
	GatewayRetries   int

	// Neo4j (pharmacology graph)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Tool upstreams
	TrialsAPIURL string
	PharosAPIURL string

	// Turn execution
	TurnDeadline    time.Duration // whole turn, submission to terminal state
	ToolTimeout     time.Duration // single tool call, spans its retries
	ToolRetryBudget int           // retries shared across one fan-out
	ProgressBuffer  int           // publisher queue depth before events drop
	ResultTTL       time.Duration // how long terminal turns stay fetchable
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		LiteLLMURL:       getEnv("LITELLM_URL", "http://localhost:4000"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		ModelID:          getEnv("MODEL_ID", "gpt-4o"),
		SynthesisModelID: getEnv("SYNTHESIS_MODEL_ID", ""),
		GatewayTimeout:   getEnvDuration("GATEWAY_TIMEOUT", 60*time.Second),
		GatewayRetries:   getEnvInt("GATEWAY_RETRIES", 3),
		Neo4jURI:         getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:        getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:    getEnv("NEO4J_PASSWORD", "password"),
		TrialsAPIURL:     getEnv("TRIALS_API_URL", "https://clinicaltrials.gov/api/v2"),
		PharosAPIURL:     getEnv("PHAROS_API_URL", "https://pharos-api.ncats.io/graphql"),
		TurnDeadline:     getEnvDuration("TURN_DEADLINE", 120*time.Second),
		ToolTimeout:      getEnvDuration("TOOL_TIMEOUT", 45*time.Second),
		ToolRetryBudget:  getEnvInt("TOOL_RETRY_BUDGET", 2),
		ProgressBuffer:   getEnvInt("PROGRESS_BUFFER", 256),
		ResultTTL:        getEnvDuration("RESULT_TTL", 10*time.Minute),
	}
	if cfg.SynthesisModelID == "" {
		cfg.SynthesisModelID = cfg.ModelID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and that the
// timing knobs are coherent
func (c *Config) Validate() error {
	if c.Neo4jURI == "" {
		return fmt.Errorf("NEO4J_URI is required")
	}
	if c.Neo4jUser == "" {
		return fmt.Errorf("NEO4J_USER is required")
	}
	if c.Neo4jPassword == "" {
		return fmt.Errorf("NEO4J_PASSWORD is required")
	}
	if c.LiteLLMURL == "" {
		return fmt.Errorf("LITELLM_URL is required")
	}
	if c.ModelID == "" {
		return fmt.Errorf("MODEL_ID is required")
	}
	if c.TurnDeadline <= 0 {
		return fmt.Errorf("TURN_DEADLINE must be positive")
	}
	if c.ToolTimeout <= 0 || c.ToolTimeout > c.TurnDeadline {
		return fmt.Errorf("TOOL_TIMEOUT must be positive and no longer than TURN_DEADLINE")
	}
	if c.GatewayTimeout <= 0 || c.GatewayTimeout > c.TurnDeadline {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive and no longer than TURN_DEADLINE")
	}
	if c.ToolRetryBudget < 0 {
		return fmt.Errorf("TOOL_RETRY_BUDGET must not be negative")
	}
	// LLM API key is optional: LiteLLM deployments often sit behind a proxy
	// that injects credentials.
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
