package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with defaults should succeed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.TurnDeadline != 120*time.Second {
		t.Errorf("TurnDeadline = %v, want 2m", cfg.TurnDeadline)
	}
	if cfg.ToolRetryBudget != 2 {
		t.Errorf("ToolRetryBudget = %d, want 2", cfg.ToolRetryBudget)
	}
	if cfg.SynthesisModelID != cfg.ModelID {
		t.Errorf("SynthesisModelID should fall back to ModelID, got %q", cfg.SynthesisModelID)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TURN_DEADLINE", "90s")
	t.Setenv("TOOL_TIMEOUT", "10s")
	t.Setenv("SYNTHESIS_MODEL_ID", "gpt-4o-mini")
	t.Setenv("TOOL_RETRY_BUDGET", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TurnDeadline != 90*time.Second {
		t.Errorf("TurnDeadline = %v, want 90s", cfg.TurnDeadline)
	}
	if cfg.ToolTimeout != 10*time.Second {
		t.Errorf("ToolTimeout = %v, want 10s", cfg.ToolTimeout)
	}
	if cfg.SynthesisModelID != "gpt-4o-mini" {
		t.Errorf("SynthesisModelID = %q", cfg.SynthesisModelID)
	}
	if cfg.ToolRetryBudget != 5 {
		t.Errorf("ToolRetryBudget = %d, want 5", cfg.ToolRetryBudget)
	}
}

func TestLoadMalformedDurationFallsBack(t *testing.T) {
	t.Setenv("TURN_DEADLINE", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TurnDeadline != 120*time.Second {
		t.Errorf("malformed duration should fall back to default, got %v", cfg.TurnDeadline)
	}
}

func TestValidateRejectsIncoherentTimeouts(t *testing.T) {
	cfg := &Config{
		Neo4jURI:       "bolt://localhost:7687",
		Neo4jUser:      "neo4j",
		Neo4jPassword:  "password",
		LiteLLMURL:     "http://localhost:4000",
		ModelID:        "gpt-4o",
		TurnDeadline:   30 * time.Second,
		ToolTimeout:    45 * time.Second, // longer than the whole turn
		GatewayTimeout: 10 * time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("tool timeout longer than turn deadline should fail validation")
	}

	cfg.ToolTimeout = 10 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Errorf("coherent config should validate: %v", err)
	}
}

func TestValidateRequiresGraphCredentials(t *testing.T) {
	cfg := &Config{
		LiteLLMURL:     "http://localhost:4000",
		ModelID:        "gpt-4o",
		TurnDeadline:   time.Minute,
		ToolTimeout:    time.Second,
		GatewayTimeout: time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("missing NEO4J_URI should fail validation")
	}
}
