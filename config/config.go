// Package config loads the YAML configuration file wiring a threatmesh
// deployment: worker pool sizing, memory store settings, collaborator
// endpoints and the operator profile. The package is pure data; turning a
// Config into live collaborators happens in the root package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MemoryConfig tunes the hybrid memory store.
type MemoryConfig struct {
	// Capacity is the hard entry ceiling.
	Capacity int `yaml:"capacity"`
	// Dimensions pins the embedding size; zero adopts the first write.
	Dimensions int `yaml:"dimensions"`
	// SnapshotPath enables restart-surviving persistence when set.
	SnapshotPath string `yaml:"snapshot_path"`
}

// TaskStoreConfig selects task snapshot persistence.
type TaskStoreConfig struct {
	// Dir enables the file-backed store when set; empty keeps snapshots
	// in memory.
	Dir string `yaml:"dir"`
}

// LLMConfig selects and tunes the text generation collaborator.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`
	// Model overrides the provider default model id.
	Model string `yaml:"model"`
	// APIKey overrides environment-based authentication.
	APIKey string `yaml:"api_key"`
	// MaxTokens bounds completions.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature for generation calls.
	Temperature float64 `yaml:"temperature"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	// Provider is "openai" or "mock".
	Provider string `yaml:"provider"`
	// Model overrides the provider default embedding model.
	Model string `yaml:"model"`
	// Dimensions overrides the provider default vector size.
	Dimensions int `yaml:"dimensions"`
}

// OpenCTIConfig points at the CTI platform.
type OpenCTIConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ProfileConfig describes the operator for prompt scoping.
type ProfileConfig struct {
	Organization string `yaml:"organization"`
	Industry     string `yaml:"industry"`
	Region       string `yaml:"region"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Workers            int      `yaml:"workers"`
	QueueSize          int      `yaml:"queue_size"`
	MaxAttempts        int      `yaml:"max_attempts"`
	StageTimeout       Duration `yaml:"stage_timeout"`
	InitialBackoff     Duration `yaml:"initial_backoff"`
	MaxBackoff         Duration `yaml:"max_backoff"`
	GateCapacity       int64    `yaml:"gate_capacity"`
	GateTimeout        Duration `yaml:"gate_timeout"`
	SimilarityK        int      `yaml:"similarity_k"`
	SimilarityMinScore float32  `yaml:"similarity_min_score"`
	TokenBudget        int      `yaml:"token_budget"`

	Memory    MemoryConfig    `yaml:"memory"`
	TaskStore TaskStoreConfig `yaml:"task_store"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	OpenCTI   OpenCTIConfig   `yaml:"opencti"`
	Profile   ProfileConfig   `yaml:"profile"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns a configuration suitable for local development: in-memory
// stores, mock embedder, no collaborators.
func Default() *Config {
	return &Config{
		Workers:            4,
		QueueSize:          64,
		MaxAttempts:        3,
		StageTimeout:       Duration(60 * time.Second),
		InitialBackoff:     Duration(500 * time.Millisecond),
		MaxBackoff:         Duration(30 * time.Second),
		GateCapacity:       8,
		GateTimeout:        Duration(10 * time.Second),
		SimilarityK:        5,
		SimilarityMinScore: 0.75,
		Memory:             MemoryConfig{Capacity: 4096},
		Embedder:           EmbedderConfig{Provider: "mock"},
		Logging:            LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and validates a YAML configuration file. Missing fields keep
// their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff.Std() <= 0 {
		return fmt.Errorf("initial_backoff must be positive, got %s", c.InitialBackoff.Std())
	}
	if c.MaxBackoff.Std() < c.InitialBackoff.Std() {
		return fmt.Errorf("max_backoff %s is below initial_backoff %s", c.MaxBackoff.Std(), c.InitialBackoff.Std())
	}
	if c.SimilarityK <= 0 {
		return fmt.Errorf("similarity_k must be positive, got %d", c.SimilarityK)
	}
	if c.SimilarityMinScore < 0 || c.SimilarityMinScore > 1 {
		return fmt.Errorf("similarity_min_score must be within [0, 1], got %g", c.SimilarityMinScore)
	}
	if c.Memory.Capacity <= 0 {
		return fmt.Errorf("memory.capacity must be positive, got %d", c.Memory.Capacity)
	}
	switch c.LLM.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Embedder.Provider {
	case "", "mock", "openai":
	default:
		return fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
