// Package config loads the static process configuration: model chains,
// rate limits, risk policy knobs, and observability settings. Everything here
// is fixed for the process lifetime; only runtime counters mutate elsewhere.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Chains     map[string]Chain `koanf:"chains"`
	RateLimits map[string]Rate  `koanf:"rate_limits"`
	Complexity ComplexityConfig `koanf:"complexity"`
	Risk       RiskConfig       `koanf:"risk"`
	Confidence ConfidenceConfig `koanf:"confidence"`
	Loop       LoopConfig       `koanf:"loop"`
	Storage    StorageConfig    `koanf:"storage"`
	MCP        MCPConfig        `koanf:"mcp"`
	Tools      ToolsConfig      `koanf:"tools"`
}

// ToolsConfig attaches extra tool sources beyond the builtins. SQLPath points
// at a sqlite database whose tables become CRUD tools.
type ToolsConfig struct {
	SQLPath     string `koanf:"sql_path"`
	SQLReadOnly bool   `koanf:"sql_read_only"`
	SQLPrefix   string `koanf:"sql_prefix"`
}

// StorageConfig selects the persistence backend for audit records and error
// patterns. An empty path keeps everything in process memory.
type StorageConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// Chain is an ordered list of providers tried in sequence for resilience.
type Chain struct {
	Providers []ChainProvider `koanf:"providers"`
}

// ChainProvider names one provider slot in a chain.
type ChainProvider struct {
	Name        string `koanf:"name"` // anthropic, openai, ollama, mock
	Model       string `koanf:"model"`
	BaseURL     string `koanf:"base_url"`
	APIKey      string `koanf:"api_key"`
	TimeoutSecs int    `koanf:"timeout_secs"`
}

// Rate is a per-agent-tier call budget with fixed minute/day boundaries.
type Rate struct {
	CallsPerMinute int `koanf:"calls_per_minute"`
	CallsPerDay    int `koanf:"calls_per_day"`
}

// ComplexityConfig drives the deliberation activation predicate. The rule is
// explicit and overridable, not a hidden heuristic.
type ComplexityConfig struct {
	MinLength   int      `koanf:"min_length"`
	MinKeywords int      `koanf:"min_keywords"`
	Keywords    []string `koanf:"keywords"`
}

type RiskConfig struct {
	TierTablePath string `koanf:"tier_table_path"`
	DailyBudget   int    `koanf:"daily_budget"`
}

// ConfidenceConfig tunes calibration. When QdrantAddr is set, error patterns
// live in a Qdrant collection with embeddings from an Ollama model; otherwise
// they fall back to the configured storage backend.
type ConfidenceConfig struct {
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	PenaltyPerMatch     float64 `koanf:"penalty_per_match"`
	Chain               string  `koanf:"chain"`
	QdrantAddr          string  `koanf:"qdrant_addr"`
	QdrantCollection    string  `koanf:"qdrant_collection"`
	EmbedBaseURL        string  `koanf:"embed_base_url"`
	EmbedModel          string  `koanf:"embed_model"`
	VectorSize          int     `koanf:"vector_size"`
}

// MCPConfig attaches remote MCP tool servers whose tools are registered as
// capabilities at startup.
type MCPConfig struct {
	Servers map[string]MCPServer `koanf:"servers"`
}

// MCPServer describes one MCP endpoint. Transport is "stdio" or "http".
type MCPServer struct {
	Transport   string            `koanf:"transport"`
	Command     string            `koanf:"command"`
	Args        []string          `koanf:"args"`
	URL         string            `koanf:"url"`
	TimeoutSecs int               `koanf:"timeout_secs"`
	Tiers       map[string]string `koanf:"tiers"`
	DefaultTier string            `koanf:"default_tier"`
}

type LoopConfig struct {
	MaxSteps      int    `koanf:"max_steps"`
	WallClockSecs int    `koanf:"wall_clock_secs"`
	DefaultChain  string `koanf:"default_chain"`
	ComplexChain  string `koanf:"complex_chain"`
}

// Load reads configuration from an optional yaml file and NOESIS_ env
// overrides on top of built-in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "none")

	k.Set("complexity.min_length", 200)
	k.Set("complexity.min_keywords", 2)
	k.Set("complexity.keywords", DefaultComplexityKeywords())

	k.Set("risk.daily_budget", 50)

	k.Set("confidence.similarity_threshold", 0.55)
	k.Set("confidence.penalty_per_match", 0.1)
	k.Set("confidence.chain", "economy")
	k.Set("confidence.qdrant_collection", "noesis_error_patterns")
	k.Set("confidence.embed_model", "nomic-embed-text")
	k.Set("confidence.vector_size", 768)

	k.Set("loop.max_steps", 10)
	k.Set("loop.wall_clock_secs", 120)
	k.Set("loop.default_chain", "default")
	k.Set("loop.complex_chain", "complex")

	k.Set("rate_limits.standard.calls_per_minute", 30)
	k.Set("rate_limits.standard.calls_per_day", 1000)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (NOESIS_LOG_LEVEL -> log.level)
	if err := k.Load(env.Provider("NOESIS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "NOESIS_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, chain := range c.Chains {
		if len(chain.Providers) == 0 {
			return fmt.Errorf("chain %q has no providers", name)
		}
		for i, p := range chain.Providers {
			if p.Name == "" {
				return fmt.Errorf("chain %q provider %d has no name", name, i)
			}
		}
	}
	for tier, rate := range c.RateLimits {
		if rate.CallsPerMinute < 0 || rate.CallsPerDay < 0 {
			return fmt.Errorf("rate limit for tier %q is negative", tier)
		}
	}
	if c.Confidence.SimilarityThreshold < 0 || c.Confidence.SimilarityThreshold > 1 {
		return fmt.Errorf("confidence.similarity_threshold must be in [0,1]")
	}
	for name, srv := range c.MCP.Servers {
		switch strings.ToLower(strings.TrimSpace(srv.Transport)) {
		case "", "stdio":
			if strings.TrimSpace(srv.Command) == "" {
				return fmt.Errorf("mcp server %q missing command", name)
			}
		case "http":
			if strings.TrimSpace(srv.URL) == "" {
				return fmt.Errorf("mcp server %q missing url", name)
			}
		default:
			return fmt.Errorf("mcp server %q has unsupported transport %q", name, srv.Transport)
		}
	}
	return nil
}

// DefaultComplexityKeywords returns the default decision/analysis keyword list
// used by the complexity classifier.
func DefaultComplexityKeywords() []string {
	return []string{
		"compare", "comparison", "trade-off", "tradeoff", "analyze", "analysis",
		"evaluate", "strategy", "decide", "decision", "pros and cons",
		"recommend", "versus", " vs ", "plan", "design",
	}
}
