// Package daemon loads the skilloptd TOML configuration, following the
// teacher's nested-sections-with-defaults config shape.
package daemon

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig configures the SQLite-backed Storage Port.
type StorageConfig struct {
	Path string `toml:"path"`
}

// BanditConfig configures default Thompson-sampling knobs applied when a
// Skill does not override them.
type BanditConfig struct {
	DefaultExplorationTemperature float64 `toml:"default_exploration_temperature"`
	DefaultClusteringInterval     int     `toml:"default_clustering_interval"`
	WarmUpFloor                   uint64  `toml:"warm_up_floor"`
}

// LocksConfig configures advisory lock TTLs.
type LocksConfig struct {
	OptimizeTTL string `toml:"optimize_ttl"`
	ReflectTTL  string `toml:"reflect_ttl"`
}

// OptimizeTTLDuration parses OptimizeTTL, defaulting to 10 minutes.
func (l LocksConfig) OptimizeTTLDuration() time.Duration {
	return parseDuration(l.OptimizeTTL, 10*time.Minute)
}

// ReflectTTLDuration parses ReflectTTL, defaulting to 5 minutes.
func (l LocksConfig) ReflectTTLDuration() time.Duration {
	return parseDuration(l.ReflectTTL, 5*time.Minute)
}

// JudgeConfig configures the judge-LLM call policy.
type JudgeConfig struct {
	TimeoutSeconds   int     `toml:"timeout_seconds"`
	MaxRetries       int     `toml:"max_retries"`
	BackoffSeconds   float64 `toml:"backoff_seconds"`
	FallbackScore    float64 `toml:"fallback_score"`
	PerSkillCapacity int     `toml:"per_skill_capacity"`
	GlobalCapacity   int     `toml:"global_capacity"`
}

// EmbeddingsConfig configures the request-embedding vector space.
type EmbeddingsConfig struct {
	Dimension int `toml:"dimension"`
}

// Config is the top-level skilloptd configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Bandit     BanditConfig     `toml:"bandit"`
	Locks      LocksConfig      `toml:"locks"`
	Judge      JudgeConfig      `toml:"judge"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
}

// DefaultConfig returns the configuration used when no file is present or
// a section is omitted from one.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Storage: StorageConfig{
			Path: "skillopt.db",
		},
		Bandit: BanditConfig{
			DefaultExplorationTemperature: 1.0,
			DefaultClusteringInterval:     50,
			WarmUpFloor:                   3,
		},
		Locks: LocksConfig{
			OptimizeTTL: "10m",
			ReflectTTL:  "5m",
		},
		Judge: JudgeConfig{
			TimeoutSeconds:   30,
			MaxRetries:       3,
			BackoffSeconds:   1.0,
			FallbackScore:    0.5,
			PerSkillCapacity: 10,
			GlobalCapacity:   100,
		},
		Embeddings: EmbeddingsConfig{
			Dimension: 256,
		},
	}
}

// Load reads and parses a TOML config file at path, applying
// DefaultConfig() first so that a file omitting a whole section still
// gets sensible defaults for it.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// parseDuration parses s with time.ParseDuration, falling back to def on
// an empty string or a parse error.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
