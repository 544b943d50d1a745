package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Providers []ProviderConfig `json:"providers" yaml:"providers"`
	Database  DatabaseConfig   `json:"database" yaml:"database"`
	Embedding EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	Context   ContextConfig    `json:"context" yaml:"context"`
	Cache     CacheConfig      `json:"cache" yaml:"cache"`
	Guard     GuardConfig      `json:"guard" yaml:"guard"`
	Retrieval RetrievalConfig  `json:"retrieval" yaml:"retrieval"`
	Turn      TurnConfig       `json:"turn" yaml:"turn"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type" yaml:"type"`
	Name     string            `json:"name" yaml:"name"`
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	APIKey   string            `json:"api_key" yaml:"api_key"`
	Models   []string          `json:"models,omitempty" yaml:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Routes lists the router keys bound to this provider.
	Routes []string `json:"routes,omitempty" yaml:"routes,omitempty"`
	// FallbackFor lists router keys this provider serves when the bound
	// provider fails, in provider file order.
	FallbackFor []string `json:"fallback_for,omitempty" yaml:"fallback_for,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant" yaml:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	URL    string `json:"url" yaml:"url"`
	Stream string `json:"stream" yaml:"stream"`
}

type QdrantConfig struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	APIKey string `json:"api_key" yaml:"api_key"`
}

type EmbeddingConfig struct {
	Provider  string   `json:"provider" yaml:"provider"`
	Endpoint  string   `json:"endpoint" yaml:"endpoint"`
	Model     string   `json:"model" yaml:"model"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
	Dimension int      `json:"dimension" yaml:"dimension"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// ContextConfig bounds the conversation window.
type ContextConfig struct {
	MaxTokensBeforeSummary int      `json:"max_tokens_before_summary" yaml:"max_tokens_before_summary"`
	MessagesToKeep         int      `json:"messages_to_keep" yaml:"messages_to_keep"`
	SummaryTokenCap        int      `json:"summary_token_cap" yaml:"summary_token_cap"`
	SummaryTimeout         Duration `json:"summary_timeout" yaml:"summary_timeout"`
	SummaryModel           string   `json:"summary_model" yaml:"summary_model"`
	SummaryMaxTokens       int      `json:"summary_max_tokens" yaml:"summary_max_tokens"`
}

// CacheConfig bounds the retrieval result cache.
type CacheConfig struct {
	TTL      Duration `json:"ttl" yaml:"ttl"`
	Capacity int      `json:"capacity" yaml:"capacity"`
}

type GuardConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Model    string   `json:"model" yaml:"model"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
	Capacity int      `json:"capacity" yaml:"capacity"`
}

type RetrievalConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	Collection     string  `json:"collection" yaml:"collection"`
	TopK           int     `json:"top_k" yaml:"top_k"`
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
}

type TurnConfig struct {
	Model         string `json:"model" yaml:"model"`
	SystemPrompt  string `json:"system_prompt" yaml:"system_prompt"`
	MaxTokens     int    `json:"max_tokens" yaml:"max_tokens"`
	MaxToolRounds int    `json:"max_tool_rounds" yaml:"max_tool_rounds"`
}

// Duration is a time.Duration written as a Go duration string ("30s")
// or as a number of seconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v interface{}
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch x := v.(type) {
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file, chosen by extension, substitutes
// environment variable references and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(resolved), &cfg)
	default:
		err = json.Unmarshal([]byte(resolved), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Defaults()
	return &cfg, nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "development"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Embedding.Timeout == 0 {
		c.Embedding.Timeout = Duration(30 * time.Second)
	}

	ctx := &c.Context
	if ctx.MaxTokensBeforeSummary == 0 {
		ctx.MaxTokensBeforeSummary = 3000
	}
	if ctx.MessagesToKeep == 0 {
		ctx.MessagesToKeep = 20
	}
	if ctx.SummaryTokenCap == 0 {
		ctx.SummaryTokenCap = 2500
	}
	if ctx.SummaryTimeout == 0 {
		ctx.SummaryTimeout = Duration(30 * time.Second)
	}
	if ctx.SummaryMaxTokens == 0 {
		ctx.SummaryMaxTokens = 512
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(10 * time.Minute)
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 100
	}
	if c.Guard.TTL == 0 {
		c.Guard.TTL = Duration(time.Hour)
	}
	if c.Guard.Capacity == 0 {
		c.Guard.Capacity = 1000
	}

	if c.Retrieval.Collection == "" {
		c.Retrieval.Collection = "documents"
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 3
	}
	if c.Retrieval.ScoreThreshold == 0 {
		c.Retrieval.ScoreThreshold = 0.7
	}
	if c.Turn.MaxToolRounds == 0 {
		c.Turn.MaxToolRounds = 5
	}
}
