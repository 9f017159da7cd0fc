// Package reflection implements the Reflection Controller (C8): the
// one-shot early-regeneration pass that bootstraps a skill's
// Evaluations and seed prompt, and the ongoing per-cluster prompt
// rewriting pass that follows, once enough data has accumulated.
package reflection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/infra/observability"
	"github.com/skillopt/skillopt/internal/lock"
)

// EarlyRegenerationLogCount is the number of embedding-bearing logs
// drawn as examples for the one-shot early regeneration (spec.md §4.8).
const EarlyRegenerationLogCount = 5

// DefaultWorstK is the number of lowest-reward exemplar logs ongoing
// reflection shows the meta-prompt LLM alongside the single best log.
const DefaultWorstK = 3

// LockHolder identifies this controller as a lock holder.
const LockHolder = "reflection-controller"

// Controller runs C8's two modes for one skill/cluster at a time,
// gated by the shared REFLECT lock.
type Controller struct {
	storage    domain.Storage
	locker     *lock.Locker
	metaPrompt domain.MetaPromptLLM
	events     domain.EventSink
	now        func() time.Time
}

// New constructs a Controller.
func New(storage domain.Storage, locker *lock.Locker, metaPrompt domain.MetaPromptLLM, events domain.EventSink) *Controller {
	return &Controller{storage: storage, locker: locker, metaPrompt: metaPrompt, events: events, now: time.Now}
}

// TriggerEarlyRegeneration implements pipeline.ReflectionTrigger:
// fire-and-forget, schedules the one-shot early regeneration pass.
func (c *Controller) TriggerEarlyRegeneration(ctx context.Context, skill domain.Skill) {
	go func() {
		if err := c.RunEarlyRegeneration(context.Background(), skill.ID); err != nil {
			log.Printf("[reflection] early regeneration for skill %s: %v", skill.ID, err)
		}
	}()
}

// TriggerOngoingReflection implements evaluation.ReflectionTrigger:
// fire-and-forget, schedules the ongoing per-cluster reflection pass.
func (c *Controller) TriggerOngoingReflection(ctx context.Context, skillID, clusterID string) {
	go func() {
		if err := c.RunOngoingReflection(context.Background(), skillID, clusterID); err != nil {
			log.Printf("[reflection] ongoing reflection for skill %s cluster %s: %v", skillID, clusterID, err)
		}
	}()
}

// RunEarlyRegeneration implements spec.md §4.8's early-regeneration
// mode. It is idempotent: a second call after evaluations_regenerated_at
// has been set is a silent no-op, so a racing duplicate trigger is
// harmless.
func (c *Controller) RunEarlyRegeneration(ctx context.Context, skillID string) error {
	return c.locker.WithLock(ctx, skillID, domain.LockReflect, LockHolder, func(ctx context.Context, h *lock.Handle) error {
		skill, err := c.storage.GetSkill(ctx, skillID)
		if err != nil {
			return fmt.Errorf("get skill: %w", err)
		}
		if skill.EvaluationsRegeneratedAt != nil {
			return nil
		}

		examples, err := c.storage.GetLogsForSkill(ctx, skillID, 0, true, EarlyRegenerationLogCount)
		if err != nil {
			return fmt.Errorf("get example logs: %w", err)
		}
		if len(examples) < EarlyRegenerationLogCount {
			return nil
		}

		newEvaluations, newPrompt, err := c.regenerateInParallel(ctx, skill, examples)
		if err != nil {
			return err
		}

		existing, err := c.storage.ListEvaluationsForSkill(ctx, skillID)
		if err != nil {
			return fmt.Errorf("list evaluations: %w", err)
		}
		merged := mergeEvaluationsByMethod(existing, newEvaluations)
		for _, e := range merged {
			if err := e.Validate(); err != nil {
				return fmt.Errorf("regenerated evaluation %s failed validation: %w", e.EvaluationMethod, err)
			}
		}
		if err := c.storage.ReplaceEvaluations(ctx, skillID, merged); err != nil {
			return fmt.Errorf("replace evaluations: %w", err)
		}

		if err := c.reseedAllArms(ctx, skillID, newPrompt); err != nil {
			return err
		}

		now := c.now()
		skill.EvaluationsRegeneratedAt = &now
		if err := c.storage.UpsertSkill(ctx, skill); err != nil {
			return fmt.Errorf("set evaluations_regenerated_at: %w", err)
		}

		observability.ReflectionRuns.WithLabelValues("early_regeneration").Inc()
		if c.events != nil {
			c.events.Emit(domain.EventEvaluationsRegenerated, map[string]any{"skill_id": skillID})
		}
		return nil
	})
}

// regenerateInParallel calls the meta-prompt LLM twice concurrently per
// spec.md §4.8 step 3.
func (c *Controller) regenerateInParallel(ctx context.Context, skill domain.Skill, examples []domain.Log) ([]domain.Evaluation, string, error) {
	var wg sync.WaitGroup
	var evaluations []domain.Evaluation
	var prompt string
	var evalErr, promptErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		evaluations, evalErr = c.metaPrompt.RegenerateEvaluations(ctx, skill, examples)
	}()
	go func() {
		defer wg.Done()
		prompt, promptErr = c.metaPrompt.RegenerateSeedPrompt(ctx, skill, examples)
	}()
	wg.Wait()

	if evalErr != nil {
		return nil, "", fmt.Errorf("regenerate evaluations: %w", evalErr)
	}
	if promptErr != nil {
		return nil, "", fmt.Errorf("regenerate seed prompt: %w", promptErr)
	}
	return evaluations, prompt, nil
}

// mergeEvaluationsByMethod implements the "update in place, preserving
// ids" rule of spec.md §4.8 step 4: each existing Evaluation keeps its
// id, and has params/weight overwritten from the incoming evaluation
// that shares its method. Incoming evaluations whose method doesn't
// match any existing one are dropped — regeneration refines the
// existing dimension set, it does not add new ones.
func mergeEvaluationsByMethod(existing, incoming []domain.Evaluation) []domain.Evaluation {
	byMethod := make(map[domain.EvaluationMethod]domain.Evaluation, len(incoming))
	for _, e := range incoming {
		byMethod[e.EvaluationMethod] = e
	}
	merged := make([]domain.Evaluation, len(existing))
	for i, e := range existing {
		if n, ok := byMethod[e.EvaluationMethod]; ok {
			e.Params = n.Params
			e.Weight = n.Weight
		}
		merged[i] = e
	}
	return merged
}

// reseedAllArms overwrites every arm's system prompt to newPrompt,
// hard-resets its ArmStat, and zeroes every cluster's total_steps
// (spec.md §4.8 step 4).
func (c *Controller) reseedAllArms(ctx context.Context, skillID, newPrompt string) error {
	clusters, err := c.storage.ListClustersForSkill(ctx, skillID)
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}
	for _, cl := range clusters {
		arms, err := c.storage.ListArmsForCluster(ctx, cl.ID)
		if err != nil {
			return fmt.Errorf("list arms for cluster %s: %w", cl.ID, err)
		}
		for _, a := range arms {
			a.Params.SystemPrompt = newPrompt
			if err := c.storage.UpsertArm(ctx, a); err != nil {
				return fmt.Errorf("overwrite arm %s prompt: %w", a.ID, err)
			}
			if err := c.storage.ResetArmStats(ctx, a.ID); err != nil {
				return fmt.Errorf("reset arm stats %s: %w", a.ID, err)
			}
		}
		cl.TotalSteps = 0
		if err := c.storage.UpsertCluster(ctx, cl); err != nil {
			return fmt.Errorf("reset cluster total_steps %s: %w", cl.ID, err)
		}
	}
	return nil
}

// RunOngoingReflection implements spec.md §4.8's ongoing-reflection
// mode for one cluster: once every arm has cleared
// reflection_min_requests_per_arm pulls, each arm's prompt is rewritten
// from its best and worst exemplar logs.
func (c *Controller) RunOngoingReflection(ctx context.Context, skillID, clusterID string) error {
	return c.locker.WithLock(ctx, skillID, domain.LockReflect, LockHolder, func(ctx context.Context, h *lock.Handle) error {
		skill, err := c.storage.GetSkill(ctx, skillID)
		if err != nil {
			return fmt.Errorf("get skill: %w", err)
		}
		arms, err := c.storage.ListArmsForCluster(ctx, clusterID)
		if err != nil {
			return fmt.Errorf("list arms: %w", err)
		}

		floor := uint64(skill.ReflectionMinRequestsPerArm)
		for _, a := range arms {
			stat, err := c.storage.GetArmStat(ctx, a.ID)
			if err != nil {
				return fmt.Errorf("get arm stat %s: %w", a.ID, err)
			}
			if stat.N < floor {
				return nil // not every arm is ready yet; abort this pass
			}
		}

		for _, a := range arms {
			if err := c.reflectArm(ctx, skill, a); err != nil {
				return fmt.Errorf("reflect arm %s: %w", a.ID, err)
			}
		}
		observability.ReflectionRuns.WithLabelValues("ongoing").Inc()
		return nil
	})
}

func (c *Controller) reflectArm(ctx context.Context, skill domain.Skill, arm domain.Arm) error {
	runs, err := c.storage.ListEvaluationRunsForArm(ctx, arm.ID, 0)
	if err != nil {
		return fmt.Errorf("list evaluation runs: %w", err)
	}
	items := make([]rewardItem, len(runs))
	for i, r := range runs {
		items[i] = rewardItem{logID: r.LogID, reward: r.Reward}
	}
	bestIDs := topKBest(items, 1)
	worstIDs := bottomKWorst(items, DefaultWorstK)

	bestLogs, err := c.fetchLogs(ctx, skill.ID, bestIDs)
	if err != nil {
		return err
	}
	worstLogs, err := c.fetchLogs(ctx, skill.ID, worstIDs)
	if err != nil {
		return err
	}

	newPrompt, err := c.metaPrompt.RewritePrompt(ctx, skill, arm.Params.SystemPrompt, bestLogs, worstLogs)
	if err != nil {
		return fmt.Errorf("rewrite prompt: %w", err)
	}

	arm.Params.SystemPrompt = newPrompt
	if err := c.storage.UpsertArm(ctx, arm); err != nil {
		return fmt.Errorf("overwrite arm prompt: %w", err)
	}
	if err := c.storage.ResetArmStats(ctx, arm.ID); err != nil {
		return fmt.Errorf("reset arm stats: %w", err)
	}
	if c.events != nil {
		c.events.Emit(domain.EventReflectionCompleted, map[string]any{"arm_id": arm.ID, "cluster_id": arm.ClusterID})
	}
	return nil
}

// fetchLogs resolves a set of log ids to full Log records. The storage
// port exposes no get-by-id for logs (only per-skill listing), so this
// scans the skill's logs once and filters — acceptable at C8's
// reflection cadence, which runs far less often than request serving.
func (c *Controller) fetchLogs(ctx context.Context, skillID string, ids []string) ([]domain.Log, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	all, err := c.storage.GetLogsForSkill(ctx, skillID, 0, false, 0)
	if err != nil {
		return nil, fmt.Errorf("get logs for skill: %w", err)
	}
	out := make([]domain.Log, 0, len(ids))
	for _, l := range all {
		if wanted[l.ID] {
			out = append(out, l)
		}
	}
	return out, nil
}
