// Package evaluation implements the Evaluation Runner (C6): the async
// LLM-as-judge pass that scores a freshly persisted Log against a
// skill's active Evaluations, composes a reward, and folds it back
// into the bandit's statistics.
//
// Concurrency is bounded the way the teacher's executor package bounds
// task execution — fixed-capacity semaphore channels, one global and
// one per skill — so a burst of logs can never spawn unbounded judge
// calls. C5 enqueues fire-and-forget; this package never reports back
// to the request path.
package evaluation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skillopt/skillopt/internal/bandit"
	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/infra/observability"
)

const (
	// PerSkillConcurrency bounds concurrently in-flight log evaluations
	// for a single skill (spec.md §4.6).
	PerSkillConcurrency = 10
	// GlobalConcurrency bounds concurrently in-flight log evaluations
	// across all skills.
	GlobalConcurrency = 100

	// JudgeTimeout bounds a single judge call.
	JudgeTimeout = 30 * time.Second
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries = 3
	// FallbackScore is used when an Evaluation's judge call exhausts
	// its retries or fails fatally.
	FallbackScore = 0.5
)

var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ReflectionTrigger schedules C8's ongoing, per-cluster reflection pass.
type ReflectionTrigger interface {
	TriggerOngoingReflection(ctx context.Context, skillID, clusterID string)
}

// Runner fans a Log out to all of a skill's active Evaluations,
// composes a reward, records an EvaluationRun, and updates the arm's
// statistics.
type Runner struct {
	storage    domain.Storage
	judge      domain.JudgeLLM
	bandit     *bandit.Bandit
	events     domain.EventSink
	reflection ReflectionTrigger

	globalSem chan struct{}

	mu          sync.Mutex
	perSkillSem map[string]chan struct{}

	newID func() string
	sleep func(time.Duration)
}

// New constructs a Runner. reflection may be nil, in which case ongoing
// reflection is never triggered (e.g. in tests that don't exercise it).
func New(storage domain.Storage, judge domain.JudgeLLM, b *bandit.Bandit, events domain.EventSink, reflection ReflectionTrigger) *Runner {
	return &Runner{
		storage:     storage,
		judge:       judge,
		bandit:      b,
		events:      events,
		reflection:  reflection,
		globalSem:   make(chan struct{}, GlobalConcurrency),
		perSkillSem: make(map[string]chan struct{}),
		newID:       uuid.NewString,
		sleep:       time.Sleep,
	}
}

// Enqueue starts the async evaluation pass for l and returns
// immediately (spec.md §4.5 step 7). The supplied ctx is not used to
// cancel the background work — request cancellation must never cancel
// an already-accepted evaluation.
func (r *Runner) Enqueue(ctx context.Context, skill domain.Skill, l domain.Log) {
	go r.run(skill, l)
}

func (r *Runner) skillSem(skillID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.perSkillSem[skillID]
	if !ok {
		sem = make(chan struct{}, PerSkillConcurrency)
		r.perSkillSem[skillID] = sem
	}
	return sem
}

func (r *Runner) run(skill domain.Skill, l domain.Log) {
	sem := r.skillSem(skill.ID)
	sem <- struct{}{}
	r.globalSem <- struct{}{}
	defer func() { <-sem; <-r.globalSem }()

	ctx := context.Background()

	evaluations, err := r.storage.ListEvaluationsForSkill(ctx, skill.ID)
	if err != nil {
		log.Printf("[evaluation] list evaluations for skill %s: %v", skill.ID, err)
		return
	}
	if len(evaluations) == 0 {
		return
	}

	results := r.judgeAll(ctx, l, evaluations)
	reward := domain.ComposeReward(results, evaluations)

	run := domain.EvaluationRun{
		ID:        r.newID(),
		LogID:     l.ID,
		ArmID:     l.ArmID,
		ClusterID: l.ClusterID,
		Results:   results,
		Reward:    reward,
		CreatedAt: time.Now(),
	}
	if err := r.storage.AppendEvaluationRun(ctx, run); err != nil {
		log.Printf("[evaluation] append evaluation run for log %s: %v", l.ID, err)
		return
	}

	// spec.md §8: optimize=false still runs evaluations for
	// observability but must not perturb arm statistics.
	if skill.Optimize {
		if err := r.bandit.Update(ctx, r.storage, l.ArmID, reward); err != nil {
			log.Printf("[evaluation] update arm %s stats: %v", l.ArmID, err)
		} else {
			r.maybeTriggerOngoingReflection(ctx, skill, l.ClusterID)
		}
	}

	if r.events != nil {
		r.events.Emit(domain.EventEvaluationRunCreated, map[string]any{
			"arm_id": l.ArmID, "log_id": l.ID, "reward": reward,
		})
	}
}

// maybeTriggerOngoingReflection fires C8's ongoing reflection pass
// (spec.md §4.8) once every arm in the cluster has cleared
// reflection_min_requests_per_arm pulls. reflectArm itself resets each
// arm's stats, so this check only ever fires once per cluster per
// accumulation cycle.
func (r *Runner) maybeTriggerOngoingReflection(ctx context.Context, skill domain.Skill, clusterID string) {
	if r.reflection == nil || clusterID == "" {
		return
	}
	arms, err := r.storage.ListArmsForCluster(ctx, clusterID)
	if err != nil {
		log.Printf("[evaluation] list arms for cluster %s: %v", clusterID, err)
		return
	}
	floor := uint64(skill.ReflectionMinRequestsPerArm)
	for _, a := range arms {
		stat, err := r.storage.GetArmStat(ctx, a.ID)
		if err != nil {
			log.Printf("[evaluation] get arm stat %s: %v", a.ID, err)
			return
		}
		if stat.N < floor {
			return
		}
	}
	r.reflection.TriggerOngoingReflection(ctx, skill.ID, clusterID)
}

// judgeAll runs every Evaluation concurrently against l and collects
// their results, in no particular order.
func (r *Runner) judgeAll(ctx context.Context, l domain.Log, evaluations []domain.Evaluation) []domain.EvaluationResult {
	var wg sync.WaitGroup
	results := make([]domain.EvaluationResult, len(evaluations))
	for i, e := range evaluations {
		wg.Add(1)
		go func(i int, e domain.Evaluation) {
			defer wg.Done()
			results[i] = r.judgeOne(ctx, l, e)
		}(i, e)
	}
	wg.Wait()
	return results
}

// judgeOne runs a single Evaluation's retry policy (spec.md §4.6):
// timeout 30s per attempt, up to MaxRetries retries with delays
// 1s/2s/4s on a retryable JudgeErrorClass, else an immediate fallback
// score tagged with the error's class.
func (r *Runner) judgeOne(ctx context.Context, l domain.Log, e domain.Evaluation) domain.EvaluationResult {
	req := buildJudgeRequest(l, e)
	start := time.Now()
	defer func() {
		observability.EvaluationLatency.WithLabelValues(e.EvaluationMethod).Observe(float64(time.Since(start).Milliseconds()))
	}()

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, JudgeTimeout)
		result, err := r.judge.Judge(callCtx, req)
		cancel()

		if err == nil {
			return domain.EvaluationResult{Method: e.EvaluationMethod, Score: clamp01(result.Score)}
		}
		lastErr = err

		var jerr *domain.JudgeError
		retryable := errors.As(err, &jerr) && jerr.Class.Retryable()
		if !retryable || attempt == MaxRetries {
			break
		}
		r.sleep(retryDelays[attempt])
	}

	et := errorType(lastErr)
	observability.EvaluationFallbacks.WithLabelValues(et).Inc()
	jf := &domain.JudgeFailure{Method: string(e.EvaluationMethod), Cause: lastErr}
	log.Printf("[evaluation] %v, falling back to score %v", jf, FallbackScore)
	return domain.EvaluationResult{
		Method:    e.EvaluationMethod,
		Score:     FallbackScore,
		Fallback:  true,
		ErrorType: et,
	}
}

// errorType names a judge failure for observability purposes only — it
// is never consulted to decide retry behavior, which instead branches
// on the typed JudgeErrorClass above.
func errorType(err error) string {
	var jerr *domain.JudgeError
	if !errors.As(err, &jerr) {
		return "unknown"
	}
	switch jerr.Class {
	case domain.JudgeErrorTimeout:
		return "timeout"
	case domain.JudgeErrorRateLimited:
		return "rate_limit"
	case domain.JudgeErrorUpstream5xx:
		return "upstream_5xx"
	case domain.JudgeErrorConnection:
		return "connection"
	case domain.JudgeErrorTemporary:
		return "temporary"
	default:
		return "fatal"
	}
}

func buildJudgeRequest(l domain.Log, e domain.Evaluation) domain.JudgeRequest {
	return domain.JudgeRequest{
		SystemPrompt: e.Params.RubricPrompt,
		UserPrompt:   l.RequestBody + "\n---\n" + l.ResponseBody,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
