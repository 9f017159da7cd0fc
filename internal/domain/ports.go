package domain

import "context"

// ─── Storage Port (C1) ──────────────────────────────────────────────────────
// These interfaces define boundaries between layers. Infrastructure
// implements them; the core (bandit, cluster, pipeline, evaluation,
// partition, reflection) depends only on these, never on a concrete
// storage engine. Every method may fail with ErrStorageUnavailable,
// ErrNotFound, or ErrConflictingUpdate.

// Storage is the abstract persistence port described in spec.md §4.1.
type Storage interface {
	// Skill
	UpsertSkill(ctx context.Context, s Skill) error
	GetSkill(ctx context.Context, id string) (Skill, error)
	DeleteSkill(ctx context.Context, id string) error

	// Cluster
	UpsertCluster(ctx context.Context, c Cluster) error
	GetCluster(ctx context.Context, id string) (Cluster, error)
	ListClustersForSkill(ctx context.Context, skillID string) ([]Cluster, error)
	DeleteCluster(ctx context.Context, id string) error
	IncrementClusterSteps(ctx context.Context, clusterID string, delta uint64) error

	// Arm
	UpsertArm(ctx context.Context, a Arm) error
	GetArm(ctx context.Context, id string) (Arm, error)
	ListArmsForCluster(ctx context.Context, clusterID string) ([]Arm, error)
	DeleteArm(ctx context.Context, id string) error

	// ArmStat
	UpsertArmStat(ctx context.Context, stat ArmStat) error
	GetArmStat(ctx context.Context, armID string) (ArmStat, error)
	ResetArmStats(ctx context.Context, armID string) error
	// CompareAndSwapArmStat applies update to the arm's stat row iff the
	// stored row still matches expected. Returns ErrConflictingUpdate
	// otherwise — the single-writer serialization point for §4.3.
	CompareAndSwapArmStat(ctx context.Context, expected, updated ArmStat) error

	// Evaluation — the set is rewritten atomically by C8.
	ReplaceEvaluations(ctx context.Context, skillID string, evaluations []Evaluation) error
	ListEvaluationsForSkill(ctx context.Context, skillID string) ([]Evaluation, error)

	// Log
	InsertLog(ctx context.Context, l Log) error
	GetLogsForSkill(ctx context.Context, skillID string, afterStartTime int64, embeddingNotNull bool, limit int) ([]Log, error)
	CountLogsWithEmbeddings(ctx context.Context, skillID string) (int, error)
	CountLogsSince(ctx context.Context, skillID string, afterStartTime int64) (int, error)

	// EvaluationRun
	AppendEvaluationRun(ctx context.Context, run EvaluationRun) error
	ListEvaluationRunsForArm(ctx context.Context, armID string, limit int) ([]EvaluationRun, error)

	// Lock — compare-and-swap semantics; see Locker for the policy layer.
	TryAcquireLock(ctx context.Context, skillID string, purpose LockPurpose, holder string, ttlSeconds int64) (acquired bool, token uint64, err error)
	ReleaseLock(ctx context.Context, skillID string, purpose LockPurpose, token uint64) error
	GetLock(ctx context.Context, skillID string, purpose LockPurpose) (Lock, error)
}

// ─── Upstream LLM Port ──────────────────────────────────────────────────────

// UpstreamLLM proxies a model invocation. The core treats request/response
// bodies as opaque; only system_prompt and model are mutated outbound.
type UpstreamLLM interface {
	Invoke(ctx context.Context, provider, model string, requestBody string) (responseBody string, err error)
}

// ─── Judge LLM Port ─────────────────────────────────────────────────────────

// JudgeResult is the structured response a judge call must conform to.
type JudgeResult struct {
	Score     float64
	Reasoning string
	Metadata  map[string]string
}

// JudgeRequest bundles the judge call's prompt material.
type JudgeRequest struct {
	SystemPrompt string
	UserPrompt   string
}

// JudgeLLM scores one log against one evaluation method.
type JudgeLLM interface {
	Judge(ctx context.Context, req JudgeRequest) (JudgeResult, error)
}

// JudgeErrorClass discriminates judge-call failures for C6's retry
// policy. Implementations of JudgeLLM that can distinguish a transient
// failure from a fatal one should wrap it in a *JudgeError carrying the
// matching class, instead of letting callers pattern-match error text
// (spec.md §9 flags string-matching on error messages as a defect to
// repair).
type JudgeErrorClass int

const (
	// JudgeErrorFatal is not retried; it produces a fallback score
	// immediately.
	JudgeErrorFatal JudgeErrorClass = iota
	JudgeErrorTimeout
	JudgeErrorRateLimited
	JudgeErrorUpstream5xx
	JudgeErrorConnection
	JudgeErrorTemporary
)

// Retryable reports whether C6 should retry a call that failed with
// this class, per the policy in spec.md §4.6.
func (c JudgeErrorClass) Retryable() bool {
	return c != JudgeErrorFatal
}

// JudgeError is the typed, discriminator-carrying error a JudgeLLM
// implementation returns for a classified failure.
type JudgeError struct {
	Class JudgeErrorClass
	Cause error
}

func (e *JudgeError) Error() string {
	return e.Cause.Error()
}

func (e *JudgeError) Unwrap() error { return e.Cause }

// ─── Meta-prompt LLM Port (C8) ──────────────────────────────────────────────

// MetaPromptLLM drives reflection/regeneration: rewriting system prompts
// and evaluation sets from examples.
type MetaPromptLLM interface {
	RegenerateEvaluations(ctx context.Context, skill Skill, exampleLogs []Log) ([]Evaluation, error)
	RegenerateSeedPrompt(ctx context.Context, skill Skill, exampleLogs []Log) (string, error)
	RewritePrompt(ctx context.Context, skill Skill, currentPrompt string, best []Log, worst []Log) (string, error)
}

// ─── Embedding Port ─────────────────────────────────────────────────────────

// Embedder computes the embedding vector for a request body. Dimension d
// is fixed per deployment; the core never assumes a value for d.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ─── Event Port ─────────────────────────────────────────────────────────────

// EventName identifies one of the fire-and-forget events the core emits.
type EventName string

const (
	EventArmSelected            EventName = "skill-optimization:arm-selected"
	EventEvaluationRunCreated   EventName = "evaluation-run-created"
	EventEvaluationsRegenerated EventName = "evaluations-regenerated"
	EventPartitioningCompleted  EventName = "partitioning-completed"
	EventReflectionCompleted    EventName = "reflection-completed"
)

// EventSink emits named events. Ordering across events is not guaranteed.
type EventSink interface {
	Emit(name EventName, payload map[string]any)
}
