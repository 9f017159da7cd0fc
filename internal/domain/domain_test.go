package domain

import (
	"errors"
	"testing"
)

// ─── Skill Validation ───────────────────────────────────────────────────────

func TestSkillValidate(t *testing.T) {
	base := Skill{
		ConfigurationCount:          3,
		ClusteringInterval:          50,
		ReflectionMinRequestsPerArm: 10,
		ExplorationTemperature:      1.0,
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid skill, got %v", err)
	}

	tests := []struct {
		name  string
		break_ func(Skill) Skill
	}{
		{"configuration_count too low", func(s Skill) Skill { s.ConfigurationCount = 0; return s }},
		{"configuration_count too high", func(s Skill) Skill { s.ConfigurationCount = 26; return s }},
		{"clustering_interval too low", func(s Skill) Skill { s.ClusteringInterval = 0; return s }},
		{"clustering_interval too high", func(s Skill) Skill { s.ClusteringInterval = 1001; return s }},
		{"reflection_min too low", func(s Skill) Skill { s.ReflectionMinRequestsPerArm = 0; return s }},
		{"exploration_temperature too low", func(s Skill) Skill { s.ExplorationTemperature = 0.05; return s }},
		{"exploration_temperature too high", func(s Skill) Skill { s.ExplorationTemperature = 11; return s }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.break_(base)
			var verr *ValidationError
			if err := s.Validate(); !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSkillEffectiveConfigurationCount(t *testing.T) {
	s := Skill{ConfigurationCount: 7, Optimize: true}
	if got := s.EffectiveConfigurationCount(); got != 7 {
		t.Errorf("optimize=true: got %d, want 7", got)
	}
	s.Optimize = false
	if got := s.EffectiveConfigurationCount(); got != 1 {
		t.Errorf("optimize=false: got %d, want 1", got)
	}
}

// ─── ArmStat Welford Update ─────────────────────────────────────────────────

func TestArmStatUpdate(t *testing.T) {
	var a ArmStat
	rewards := []float64{1.0, 0.0, 0.5}
	for _, r := range rewards {
		a.Update(r)
	}

	if a.N != 3 {
		t.Fatalf("N = %d, want 3", a.N)
	}
	wantMean := 0.5
	if diff := a.Mean - wantMean; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("mean = %v, want %v", a.Mean, wantMean)
	}
	if a.TotalReward != 1.5 {
		t.Errorf("total reward = %v, want 1.5", a.TotalReward)
	}
}

func TestArmStatVariancePrior(t *testing.T) {
	var a ArmStat
	if v := a.Variance(); v != 1.0 {
		t.Errorf("n=0: variance = %v, want prior 1.0", v)
	}
	a.Update(1.0)
	if v := a.Variance(); v != 1.0 {
		t.Errorf("n=1: variance = %v, want prior 1.0", v)
	}
	a.Update(0.0)
	// n=2: m2/(n*(n-1)) = m2/2
	if v := a.Variance(); v != a.M2/2 {
		t.Errorf("n=2: variance = %v, want %v", v, a.M2/2)
	}
}

// ─── Reward Composition ─────────────────────────────────────────────────────

func TestComposeReward(t *testing.T) {
	evaluations := []Evaluation{
		{EvaluationMethod: "rubric", Weight: 0.5},
		{EvaluationMethod: "reference", Weight: 0.5},
	}
	results := []EvaluationResult{
		{Method: "rubric", Score: 1.0},
		{Method: "reference", Score: 0.0},
	}
	got := ComposeReward(results, evaluations)
	if got != 0.5 {
		t.Errorf("got %v, want 0.5", got)
	}
}

func TestComposeReward_MissingScoreDropped(t *testing.T) {
	evaluations := []Evaluation{
		{EvaluationMethod: "rubric", Weight: 1.0},
		{EvaluationMethod: "reference", Weight: 1.0},
	}
	// Only "rubric" produced a result — "reference" is dropped from both sums.
	results := []EvaluationResult{
		{Method: "rubric", Score: 0.8},
	}
	got := ComposeReward(results, evaluations)
	if got != 0.8 {
		t.Errorf("got %v, want 0.8", got)
	}
}

func TestComposeReward_ClampedToUnitInterval(t *testing.T) {
	evaluations := []Evaluation{{EvaluationMethod: "m", Weight: 1.0}}
	results := []EvaluationResult{{Method: "m", Score: 1.5}}
	if got := ComposeReward(results, evaluations); got != 1.0 {
		t.Errorf("got %v, want clamped 1.0", got)
	}
}

func TestComposeReward_NoApplicableWeight(t *testing.T) {
	if got := ComposeReward(nil, nil); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}
