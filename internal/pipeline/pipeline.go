// Package pipeline implements the Request Pipeline (C5): the synchronous
// embed → route → select → proxy → persist path described in spec.md
// §4.5, plus the fire-and-forget triggers it schedules afterward.
//
// The async hand-offs (evaluation, partitioning, early regeneration)
// hold no semaphore of their own in this package: the evaluation runner
// bounds its own concurrency (per skill and globally), while the
// partition and reflection triggers start one goroutine per trigger.
// C5 itself never blocks on any of them completing.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/skillopt/skillopt/internal/bandit"
	"github.com/skillopt/skillopt/internal/cluster"
	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/infra/observability"
)

// EvaluationRunner enqueues the async judge pass for a freshly persisted
// log (C6). Implementations must not block the caller.
type EvaluationRunner interface {
	Enqueue(ctx context.Context, skill domain.Skill, l domain.Log)
}

// PartitionTrigger schedules C7 when the periodic partitioning
// threshold has been met. Implementations must not block the caller.
type PartitionTrigger interface {
	TriggerIfDue(ctx context.Context, skill domain.Skill, logsSinceLastClustering int)
}

// ReflectionTrigger schedules C8's one-shot early regeneration.
// Implementations must not block the caller.
type ReflectionTrigger interface {
	TriggerEarlyRegeneration(ctx context.Context, skill domain.Skill)
}

// earlyRegenerationThreshold is the fixed log count that fires the
// one-shot early-regeneration trigger (spec.md §4.5).
const earlyRegenerationThreshold = 5

// Config wires the Pipeline's collaborators.
type Config struct {
	Storage    domain.Storage
	Router     *cluster.Router
	Bandit     *bandit.Bandit
	Embedder   domain.Embedder
	Upstream   domain.UpstreamLLM
	Events     domain.EventSink
	Evaluation EvaluationRunner
	Partition  PartitionTrigger
	Reflection ReflectionTrigger
	Now        func() time.Time
}

// Pipeline handles one inbound request end to end.
type Pipeline struct {
	cfg Config
}

// New constructs a Pipeline. Now defaults to time.Now when unset.
func New(cfg Config) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{cfg: cfg}
}

// HandleRequest implements spec.md §4.5's contract:
// handleRequest(skill, request) -> response.
func (p *Pipeline) HandleRequest(ctx context.Context, skill domain.Skill, requestBody string) (string, error) {
	start := p.cfg.Now()
	defer func() {
		observability.RequestLatency.WithLabelValues(skill.ID).Observe(float64(time.Since(start).Milliseconds()))
	}()

	embedding, err := p.cfg.Embedder.Embed(ctx, requestBody)
	if err != nil {
		observability.RequestsTotal.WithLabelValues(skill.ID, "embed_error").Inc()
		return "", fmt.Errorf("embed request: %w", err)
	}

	c, err := p.cfg.Router.Route(ctx, skill, embedding)
	if err != nil {
		observability.RequestsTotal.WithLabelValues(skill.ID, "route_error").Inc()
		return "", fmt.Errorf("route to cluster: %w", err)
	}

	arm, err := p.selectArm(ctx, skill, c)
	if err != nil {
		observability.RequestsTotal.WithLabelValues(skill.ID, "select_error").Inc()
		return "", fmt.Errorf("select arm: %w", err)
	}
	observability.ArmSelections.WithLabelValues(skill.ID, arm.ID).Inc()

	outboundBody, err := renderRequest(requestBody, arm, skill.AllowedTemplateVariables)
	if err != nil {
		return "", fmt.Errorf("render request: %w", err)
	}

	provider := arm.Params.Extra["provider"]
	responseBody, err := p.cfg.Upstream.Invoke(ctx, provider, arm.Params.ModelID, outboundBody)
	if err != nil {
		// Per spec.md §4.5 step 4: propagate upstream failures without
		// touching arm stats.
		observability.RequestsTotal.WithLabelValues(skill.ID, "upstream_error").Inc()
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamFailure, err)
	}

	now := p.cfg.Now()
	l := domain.Log{
		ID:           newLogID(),
		SkillID:      skill.ID,
		ClusterID:    c.ID,
		ArmID:        arm.ID,
		RequestBody:  requestBody,
		ResponseBody: responseBody,
		Embedding:    embedding,
		StartTime:    now,
	}
	if err := p.cfg.Storage.InsertLog(ctx, l); err != nil {
		return "", fmt.Errorf("persist log: %w", err)
	}

	if p.cfg.Events != nil {
		p.cfg.Events.Emit(domain.EventArmSelected, map[string]any{
			"skill_id": skill.ID, "cluster_id": c.ID, "arm_id": arm.ID,
		})
	}

	p.cfg.Evaluation.Enqueue(ctx, skill, l)
	p.maybeTriggerEarlyRegeneration(ctx, skill)
	p.maybeTriggerPartitioning(ctx, skill)

	observability.RequestsTotal.WithLabelValues(skill.ID, "ok").Inc()
	return responseBody, nil
}

// selectArm builds the bandit's candidate set from the cluster's arms
// and their current statistics, then delegates to C3. configuration
// collapses to the single seeded arm when optimization is off.
func (p *Pipeline) selectArm(ctx context.Context, skill domain.Skill, c domain.Cluster) (domain.Arm, error) {
	arms, err := p.cfg.Storage.ListArmsForCluster(ctx, c.ID)
	if err != nil {
		return domain.Arm{}, err
	}
	if len(arms) == 0 {
		return domain.Arm{}, fmt.Errorf("cluster %s has no arms", c.ID)
	}
	if !skill.Optimize || len(arms) == 1 {
		return arms[0], nil
	}

	candidates := make([]bandit.Candidate, len(arms))
	for i, a := range arms {
		stat, err := p.cfg.Storage.GetArmStat(ctx, a.ID)
		if err != nil {
			return domain.Arm{}, err
		}
		candidates[i] = bandit.Candidate{Arm: a, Stat: stat}
	}

	return p.cfg.Bandit.Select(c.ID, candidates, skill.ExplorationTemperature, uint64(skill.ReflectionMinRequestsPerArm))
}

// renderRequest parses requestBody as JSON, interpolates arm.Params.
// SystemPrompt against the fields named in allowedVars, and overwrites
// the outbound "system_prompt" and "model" fields (spec.md §4.5 step 4
// — these are the only two fields the pipeline is allowed to mutate).
func renderRequest(requestBody string, arm domain.Arm, allowedVars []string) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(requestBody), &fields); err != nil {
		return "", fmt.Errorf("parse request body: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}

	vars := make(map[string]any, len(allowedVars))
	for _, name := range allowedVars {
		if v, ok := fields[name]; ok {
			vars[name] = v
		}
	}

	prompt, err := renderTemplate(arm.Params.SystemPrompt, vars)
	if err != nil {
		return "", err
	}

	fields["system_prompt"] = prompt
	fields["model"] = arm.Params.ModelID

	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal outbound request: %w", err)
	}
	return string(out), nil
}

func newLogID() string { return uuid.NewString() }

func renderTemplate(prompt string, vars map[string]any) (string, error) {
	tmpl, err := template.New("system_prompt").Option("missingkey=zero").Parse(prompt)
	if err != nil {
		// A malformed template in stored arm params should not take down
		// a live request; fall back to the raw, unsubstituted prompt.
		log.Printf("[pipeline] system_prompt template parse error, using raw prompt: %v", err)
		return prompt, nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		log.Printf("[pipeline] system_prompt template exec error, using raw prompt: %v", err)
		return prompt, nil
	}
	return buf.String(), nil
}

func (p *Pipeline) maybeTriggerEarlyRegeneration(ctx context.Context, skill domain.Skill) {
	if skill.EvaluationsRegeneratedAt != nil || p.cfg.Reflection == nil {
		return
	}
	count, err := p.cfg.Storage.CountLogsWithEmbeddings(ctx, skill.ID)
	if err != nil {
		log.Printf("[pipeline] count logs for early regeneration check: %v", err)
		return
	}
	if count >= earlyRegenerationThreshold {
		p.cfg.Reflection.TriggerEarlyRegeneration(ctx, skill)
	}
}

func (p *Pipeline) maybeTriggerPartitioning(ctx context.Context, skill domain.Skill) {
	if p.cfg.Partition == nil {
		return
	}
	var since int64
	if skill.LastClusteringLogStartTime != nil {
		since = skill.LastClusteringLogStartTime.UnixNano()
	}
	count, err := p.cfg.Storage.CountLogsSince(ctx, skill.ID, since)
	if err != nil {
		log.Printf("[pipeline] count logs for partitioning check: %v", err)
		return
	}
	p.cfg.Partition.TriggerIfDue(ctx, skill, count)
}
