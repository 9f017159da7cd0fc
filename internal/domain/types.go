// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import "time"

// ─── Skill ──────────────────────────────────────────────────────────────────

// Skill is the top-level optimization unit: one (agent, skill) identity
// that the bandit learns a configuration policy for.
type Skill struct {
	ID     string `json:"id"`
	AgentID string `json:"agent_id"`
	Name   string `json:"name"`

	ConfigurationCount          int     `json:"configuration_count"`           // [1,25]
	ClusteringInterval          int     `json:"clustering_interval"`           // [1,1000]
	ReflectionMinRequestsPerArm int     `json:"reflection_min_requests_per_arm"` // [1,1000]
	ExplorationTemperature      float64 `json:"exploration_temperature"`       // [0.1,10.0]
	AllowedTemplateVariables    []string `json:"allowed_template_variables"`
	Optimize                    bool    `json:"optimize"`

	EvaluationsRegeneratedAt *time.Time `json:"evaluations_regenerated_at,omitempty"`
	OptimizeLockAcquiredAt   *time.Time `json:"optimize_lock_acquired_at,omitempty"`
	ReflectLockAcquiredAt    *time.Time `json:"reflect_lock_acquired_at,omitempty"`

	LastClusteringAt            *time.Time `json:"last_clustering_at,omitempty"`
	LastClusteringLogStartTime  *time.Time `json:"last_clustering_log_start_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate enforces the configuration-knob ranges from the data model.
// Out-of-range input is a ValidationError, rejected at the edge — it
// must never reach the bandit/cluster/reflection core.
func (s Skill) Validate() error {
	switch {
	case s.ConfigurationCount < 1 || s.ConfigurationCount > 25:
		return &ValidationError{Field: "configuration_count", Msg: "must be in [1,25]"}
	case s.ClusteringInterval < 1 || s.ClusteringInterval > 1000:
		return &ValidationError{Field: "clustering_interval", Msg: "must be in [1,1000]"}
	case s.ReflectionMinRequestsPerArm < 1 || s.ReflectionMinRequestsPerArm > 1000:
		return &ValidationError{Field: "reflection_min_requests_per_arm", Msg: "must be in [1,1000]"}
	case s.ExplorationTemperature < 0.1 || s.ExplorationTemperature > 10.0:
		return &ValidationError{Field: "exploration_temperature", Msg: "must be in [0.1,10.0]"}
	}
	return nil
}

// EffectiveConfigurationCount collapses to a single implicit arm when
// optimization is disabled (data model invariant, §3).
func (s Skill) EffectiveConfigurationCount() int {
	if !s.Optimize {
		return 1
	}
	return s.ConfigurationCount
}

// ─── Cluster ────────────────────────────────────────────────────────────────

// Cluster is a centroid in embedding space grouping semantically similar
// requests under one set of arms.
type Cluster struct {
	ID         string    `json:"id"`
	SkillID    string    `json:"skill_id"`
	Name       string    `json:"name"`
	Centroid   []float32 `json:"centroid"`
	TotalSteps uint64    `json:"total_steps"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ─── Arm ────────────────────────────────────────────────────────────────────

// ArmParams is the (prompt, model, hyperparameter) configuration an arm
// evaluates to. Kept as a concrete struct — not an opaque map — per the
// "shape translation" guidance: params are a tagged payload, not a blob.
type ArmParams struct {
	SystemPrompt string             `json:"system_prompt"`
	ModelID      string             `json:"model_id"`
	Temperature  float64            `json:"temperature"`
	Extra        map[string]string  `json:"extra,omitempty"` // provider-specific knobs, untyped at the storage boundary only
}

// Arm is one configuration the bandit can choose from, scoped to a cluster.
type Arm struct {
	ID        string    `json:"id"`
	SkillID   string    `json:"skill_id"`
	ClusterID string    `json:"cluster_id"`
	Name      string    `json:"name"`
	Params    ArmParams `json:"params"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ─── ArmStat ────────────────────────────────────────────────────────────────

// ArmStat holds Welford's online sufficient statistics for one arm's
// reward distribution.
type ArmStat struct {
	ArmID       string  `json:"arm_id"`
	N           uint64  `json:"n"`
	Mean        float64 `json:"mean"`
	M2          float64 `json:"m2"`
	TotalReward float64 `json:"total_reward"`
}

// Update folds reward r into the running statistics using Welford's
// online algorithm (spec §4.3). n, mean and m2 are mutated in place.
func (a *ArmStat) Update(r float64) {
	a.N++
	delta := r - a.Mean
	a.Mean += delta / float64(a.N)
	delta2 := r - a.Mean
	a.M2 += delta * delta2
	a.TotalReward += r
}

// Variance returns the posterior variance proxy used by Thompson
// sampling: m2/(n*(n-1)) for n>=2, else the high prior sigma0^2 = 1.
func (a ArmStat) Variance() float64 {
	if a.N < 2 {
		return 1.0
	}
	return a.M2 / (float64(a.N) * float64(a.N-1))
}

// ─── Evaluation ─────────────────────────────────────────────────────────────

// EvaluationMethod names a judge strategy. Kept as a string-backed type
// so storage can round-trip it without a lookup table.
type EvaluationMethod string

// EvaluationParams is the method-specific, validated payload for one
// Evaluation. Fields beyond what a method uses are left zero.
type EvaluationParams struct {
	RubricPrompt string            `json:"rubric_prompt,omitempty"`
	ReferenceKey string            `json:"reference_key,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Evaluation is one LLM-as-judge dimension scored against a Log.
type Evaluation struct {
	ID               string           `json:"id"`
	SkillID          string           `json:"skill_id"`
	EvaluationMethod EvaluationMethod `json:"evaluation_method"`
	Params           EvaluationParams `json:"params"`
	// Weight is [0,1] and, unlike most numeric fields here, 0 is a
	// meaningful value (an evaluation scored for observability only,
	// deliberately excluded from reward). It must already be final by
	// the time an Evaluation reaches this struct — defaulting an unset
	// weight to 1.0 belongs at whichever boundary first decoded the
	// source representation and could still tell "omitted" apart from
	// "explicitly zero" (e.g. a *float64 in a wire struct), never here.
	Weight float64 `json:"weight"`
}

// Validate checks an Evaluation's fields are in range. It does not
// default Weight — by construction time 0 and "unset" are the same
// float64 and Validate has no way to tell them apart; it only rejects
// an out-of-range value.
func (e Evaluation) Validate() error {
	if e.EvaluationMethod == "" {
		return &ValidationError{Field: "evaluation_method", Msg: "must not be empty"}
	}
	if e.Weight < 0 || e.Weight > 1 {
		return &ValidationError{Field: "weight", Msg: "must be in [0,1]"}
	}
	return nil
}

// ─── Log ────────────────────────────────────────────────────────────────────

// Log is a single request/response round trip attributed to a
// (skill, cluster, arm) triple.
type Log struct {
	ID           string     `json:"id"`
	SkillID      string     `json:"skill_id"`
	ClusterID    string     `json:"cluster_id"`
	ArmID        string     `json:"arm_id"`
	RequestBody  string     `json:"request_body"`
	ResponseBody string     `json:"response_body"`
	Embedding    []float32  `json:"embedding,omitempty"` // nil until computed
	StartTime    time.Time  `json:"start_time"`
}

// ─── EvaluationRun ──────────────────────────────────────────────────────────

// EvaluationResult is one judge's score for one EvaluationRun.
type EvaluationResult struct {
	Method   EvaluationMethod `json:"method"`
	Score    float64          `json:"score"` // [0,1]
	Fallback bool             `json:"fallback,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
}

// EvaluationRun is the result of one C6 invocation against a Log.
type EvaluationRun struct {
	ID        string              `json:"id"`
	LogID     string              `json:"log_id"`
	ArmID     string              `json:"arm_id"`
	ClusterID string              `json:"cluster_id"`
	Results   []EvaluationResult  `json:"results"`
	Reward    float64             `json:"reward"`
	CreatedAt time.Time           `json:"created_at"`
}

// ComposeReward computes the weighted-mean reward of §4.3: missing
// scores are dropped from both sums, and the result is clamped to [0,1].
// An Evaluation's Weight is taken literally, including an explicit 0 —
// defaulting an unset weight to 1.0 is the caller's job, at whatever
// boundary can actually tell "never set" apart from "set to zero"
// (the wire decoder that first materializes the struct, such as the
// pointer-typed weight field read by llm.Client.RegenerateEvaluations;
// Evaluation.Validate only range-checks it); by the time an Evaluation reaches this function its weight
// is assumed final.
func ComposeReward(results []EvaluationResult, evaluations []Evaluation) float64 {
	weightByMethod := make(map[EvaluationMethod]float64, len(evaluations))
	for _, e := range evaluations {
		weightByMethod[e.EvaluationMethod] = e.Weight
	}

	var num, den float64
	for _, r := range results {
		w, ok := weightByMethod[r.Method]
		if !ok {
			w = 1.0
		}
		num += w * r.Score
		den += w
	}
	if den == 0 {
		return 0
	}
	reward := num / den
	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}
	return reward
}

// ─── Lock purposes ──────────────────────────────────────────────────────────

// LockPurpose names one of the two advisory-lock roles a skill can hold.
type LockPurpose string

const (
	LockOptimize LockPurpose = "OPTIMIZE"
	LockReflect  LockPurpose = "REFLECT"
)

// Lock is the CAS-protected advisory lock row for one (skill, purpose).
type Lock struct {
	SkillID      string
	Purpose      LockPurpose
	FencingToken uint64
	AcquiredAt   time.Time
	Holder       string
}
