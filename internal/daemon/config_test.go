package daemon

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Bandit.DefaultExplorationTemperature != 1.0 {
		t.Errorf("Bandit.DefaultExplorationTemperature = %v, want 1.0", cfg.Bandit.DefaultExplorationTemperature)
	}
	if cfg.Bandit.DefaultClusteringInterval != 50 {
		t.Errorf("Bandit.DefaultClusteringInterval = %d, want 50", cfg.Bandit.DefaultClusteringInterval)
	}
	if cfg.Judge.MaxRetries != 3 {
		t.Errorf("Judge.MaxRetries = %d, want 3", cfg.Judge.MaxRetries)
	}
	if cfg.Judge.FallbackScore != 0.5 {
		t.Errorf("Judge.FallbackScore = %v, want 0.5", cfg.Judge.FallbackScore)
	}
	if cfg.Embeddings.Dimension != 256 {
		t.Errorf("Embeddings.Dimension = %d, want 256", cfg.Embeddings.Dimension)
	}
}

func TestLocksConfig_TTLDurationsFallBackOnEmpty(t *testing.T) {
	var l LocksConfig
	if got := l.OptimizeTTLDuration(); got.String() != "10m0s" {
		t.Errorf("OptimizeTTLDuration() = %v, want 10m0s", got)
	}
	if got := l.ReflectTTLDuration(); got.String() != "5m0s" {
		t.Errorf("ReflectTTLDuration() = %v, want 5m0s", got)
	}
}
