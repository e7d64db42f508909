package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	LLM        LLMConfig        `yaml:"llm"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Limiter    LimiterConfig    `yaml:"limiter"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// AgentConfig holds orchestrator settings.
type AgentConfig struct {
	SystemPrompt  string        `yaml:"system_prompt"`
	MaxIterations int           `yaml:"max_iterations"` // default 10
	MaxMessages   int           `yaml:"max_messages"`   // history window, default 50
	ToolTimeout   time.Duration `yaml:"tool_timeout"`   // per tool call, default 30s
	Interrupt     bool          `yaml:"interrupt"`      // suspend before tool execution
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // "openai" (OpenAI-compatible endpoint)
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"` // ${ENV} references are expanded
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"` // HTTP timeout, default 120s

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for the LLM provider.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"` // default 5
	Timeout     time.Duration `yaml:"timeout"`      // open duration, default 30s
	Interval    time.Duration `yaml:"interval"`     // failure count reset, default 60s
}

// RetrievalConfig holds retrieval engine and chunker settings.
type RetrievalConfig struct {
	DBPath         string  `yaml:"db_path"` // SQLite corpus, default "./data/corpus.db"
	TopK           int     `yaml:"top_k"`   // default 5
	SemanticWeight float64 `yaml:"semantic_weight"`
	LexicalWeight  float64 `yaml:"lexical_weight"`
	ContextTokens  int     `yaml:"context_tokens"` // FormatContext budget, default 2000

	ChunkSize    int `yaml:"chunk_size"`    // tokens, default 800
	ChunkOverlap int `yaml:"chunk_overlap"` // tokens, default 150
	MinChunkSize int `yaml:"min_chunk_size"`

	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string  `yaml:"provider"` // "openai"
	Model      string  `yaml:"model"`
	APIKey     string  `yaml:"api_key"`
	BaseURL    string  `yaml:"base_url"`
	Dimensions int     `yaml:"dimensions"`
	CacheSize  int     `yaml:"cache_size"` // LRU query cache, 0 disables
	MaxQPS     float64 `yaml:"max_qps"`    // outbound throttle, 0 disables
}

// LimiterConfig holds admission gate settings.
type LimiterConfig struct {
	Limit      int           `yaml:"limit"`           // per principal, default 100
	Window     time.Duration `yaml:"window"`          // rolling, default 1h
	AnonLimit  int           `yaml:"anonymous_limit"` // default 10
	AnonPrefix string        `yaml:"anonymous_prefix"`
}

// CheckpointConfig holds checkpoint store settings.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "memory"
	DBPath  string `yaml:"db_path"` // default "./data/threads.db"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Load reads and parses the config file, applies defaults, expands
// ${ENV} references in secret fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.expandEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with all defaults applied and no providers
// configured. Useful for tests and the in-process REPL.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxMessages <= 0 {
		c.Agent.MaxMessages = 50
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = "You are a helpful assistant for the PromptDesk product. " +
			"Use the search_knowledge_base tool to ground answers in product documentation, " +
			"and cite the documents you used."
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 120 * time.Second
	}
	if c.LLM.Breaker.MaxFailures == 0 {
		c.LLM.Breaker.MaxFailures = 5
	}
	if c.LLM.Breaker.Timeout <= 0 {
		c.LLM.Breaker.Timeout = 30 * time.Second
	}
	if c.LLM.Breaker.Interval <= 0 {
		c.LLM.Breaker.Interval = 60 * time.Second
	}

	if c.Retrieval.DBPath == "" {
		c.Retrieval.DBPath = "./data/corpus.db"
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.SemanticWeight == 0 && c.Retrieval.LexicalWeight == 0 {
		c.Retrieval.SemanticWeight = 0.7
		c.Retrieval.LexicalWeight = 0.3
	}
	if c.Retrieval.ContextTokens <= 0 {
		c.Retrieval.ContextTokens = 2000
	}
	if c.Retrieval.ChunkSize <= 0 {
		c.Retrieval.ChunkSize = 800
	}
	if c.Retrieval.ChunkOverlap <= 0 {
		c.Retrieval.ChunkOverlap = 150
	}
	if c.Retrieval.MinChunkSize <= 0 {
		c.Retrieval.MinChunkSize = 200
	}
	if c.Retrieval.Embedding.Provider == "" {
		c.Retrieval.Embedding.Provider = "openai"
	}

	if c.Limiter.Limit <= 0 {
		c.Limiter.Limit = 100
	}
	if c.Limiter.Window <= 0 {
		c.Limiter.Window = time.Hour
	}
	if c.Limiter.AnonLimit <= 0 {
		c.Limiter.AnonLimit = 10
	}
	if c.Limiter.AnonPrefix == "" {
		c.Limiter.AnonPrefix = "anon:"
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "sqlite"
	}
	if c.Checkpoint.DBPath == "" {
		c.Checkpoint.DBPath = "./data/threads.db"
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Tracer.Exporter == "" {
		c.Tracer.Exporter = "noop"
	}
}

// expandEnv resolves ${VAR} references in secret-bearing fields so API
// keys never need to live in the config file itself.
func (c *Config) expandEnv() {
	c.LLM.APIKey = os.Expand(c.LLM.APIKey, os.Getenv)
	c.Retrieval.Embedding.APIKey = os.Expand(c.Retrieval.Embedding.APIKey, os.Getenv)
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	if c.Retrieval.SemanticWeight < 0 || c.Retrieval.LexicalWeight < 0 {
		return fmt.Errorf("config: fusion weights must be non-negative")
	}
	if c.Retrieval.SemanticWeight+c.Retrieval.LexicalWeight == 0 {
		return fmt.Errorf("config: at least one fusion weight must be positive")
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("config: chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Retrieval.ChunkOverlap, c.Retrieval.ChunkSize)
	}
	if c.Retrieval.MinChunkSize > c.Retrieval.ChunkSize {
		return fmt.Errorf("config: min_chunk_size (%d) must not exceed chunk_size (%d)",
			c.Retrieval.MinChunkSize, c.Retrieval.ChunkSize)
	}
	switch c.Checkpoint.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	return nil
}
