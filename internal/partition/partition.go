// Package partition implements the Partitioning Controller (C7):
// triggered k-means over a skill's embedding space, with greedy
// closest-pair matching back onto existing clusters so cluster (and
// therefore arm) identity survives re-partitioning.
package partition

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/infra/observability"
	"github.com/skillopt/skillopt/internal/lock"
)

const (
	// MaxIterations bounds Lloyd's iteration per spec.md §4.7.
	MaxIterations = 50
	// ConvergenceThreshold is the total-centroid-movement stop
	// condition per spec.md §4.7.
	ConvergenceThreshold = 1e-4
	// SafetyCapLogs bounds how many logs a single partitioning run will
	// fetch, so a skill with an unbounded log backlog can't make C7
	// fetch the whole table.
	SafetyCapLogs = 10000
	// LockHolder identifies this controller as a lock holder.
	LockHolder = "partition-controller"
)

// ErrInsufficientLogs means fewer than clustering_interval
// embedding-bearing logs are available; the run is a no-op.
var ErrInsufficientLogs = fmt.Errorf("partition: insufficient logs for clustering")

// Controller runs C7 for one skill at a time, gated by the OPTIMIZE
// lock.
type Controller struct {
	storage domain.Storage
	locker  *lock.Locker
	events  domain.EventSink
	rng     *rand.Rand
}

// New constructs a Controller.
func New(storage domain.Storage, locker *lock.Locker, events domain.EventSink, rng *rand.Rand) *Controller {
	return &Controller{storage: storage, locker: locker, events: events, rng: rng}
}

// TriggerIfDue implements pipeline.PartitionTrigger: fire-and-forget,
// schedules Run when logsSinceLastClustering has met the skill's
// clustering_interval.
func (c *Controller) TriggerIfDue(ctx context.Context, skill domain.Skill, logsSinceLastClustering int) {
	if logsSinceLastClustering < skill.ClusteringInterval {
		return
	}
	go func() {
		if err := c.Run(context.Background(), skill.ID); err != nil && err != ErrInsufficientLogs {
			log.Printf("[partition] run for skill %s: %v", skill.ID, err)
		}
	}()
}

// Run executes the full C7 algorithm for one skill, gated by the
// OPTIMIZE lock (spec.md §4.7).
func (c *Controller) Run(ctx context.Context, skillID string) error {
	return c.locker.WithLock(ctx, skillID, domain.LockOptimize, LockHolder, func(ctx context.Context, h *lock.Handle) error {
		return c.run(ctx, skillID)
	})
}

func (c *Controller) run(ctx context.Context, skillID string) error {
	skill, err := c.storage.GetSkill(ctx, skillID)
	if err != nil {
		return fmt.Errorf("get skill: %w", err)
	}

	var since int64
	if skill.LastClusteringLogStartTime != nil {
		since = skill.LastClusteringLogStartTime.UnixNano()
	}
	logs, err := c.storage.GetLogsForSkill(ctx, skillID, since, true, SafetyCapLogs)
	if err != nil {
		return fmt.Errorf("get logs: %w", err)
	}
	if len(logs) < skill.ClusteringInterval {
		return ErrInsufficientLogs
	}

	points := make([][]float64, len(logs))
	for i, l := range logs {
		points[i] = toFloat64(l.Embedding)
	}

	k := skill.EffectiveConfigurationCount()
	newCentroids := kMeans(points, k, c.rng)

	existing, err := c.storage.ListClustersForSkill(ctx, skillID)
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}

	bindings := greedyMatch(existing, newCentroids)
	for clusterID, centroid := range bindings {
		cl, err := c.storage.GetCluster(ctx, clusterID)
		if err != nil {
			return fmt.Errorf("get cluster %s: %w", clusterID, err)
		}
		cl.Centroid = toFloat32(centroid)
		if err := c.storage.UpsertCluster(ctx, cl); err != nil {
			return fmt.Errorf("write back centroid for cluster %s: %w", clusterID, err)
		}
	}

	maxStart := logs[0].StartTime
	for _, l := range logs {
		if l.StartTime.After(maxStart) {
			maxStart = l.StartTime
		}
	}
	now := time.Now()
	skill.LastClusteringAt = &now
	skill.LastClusteringLogStartTime = &maxStart
	if err := c.storage.UpsertSkill(ctx, skill); err != nil {
		return fmt.Errorf("update skill clustering timestamps: %w", err)
	}

	observability.ClusterCount.WithLabelValues(skillID).Set(float64(len(newCentroids)))
	observability.PartitioningRuns.WithLabelValues(skillID).Inc()

	if c.events != nil {
		c.events.Emit(domain.EventPartitioningCompleted, map[string]any{"skill_id": skillID, "clusters": len(bindings)})
	}
	return nil
}

// greedyMatch binds each existing cluster to the unmatched new
// centroid with minimum Euclidean distance, per spec.md §4.7 step 4.
// Unmatched clusters (more existing clusters than new centroids) are
// omitted from the result and keep their prior centroid.
func greedyMatch(existing []domain.Cluster, newCentroids [][]float64) map[string][]float64 {
	bindings := make(map[string][]float64, len(existing))
	used := make([]bool, len(newCentroids))

	for _, cl := range existing {
		bestIdx := -1
		bestDist := math.Inf(1)
		for j, nc := range newCentroids {
			if used[j] {
				continue
			}
			d := floats.Distance(toFloat64(cl.Centroid), nc, 2)
			if d < bestDist {
				bestDist = d
				bestIdx = j
			}
		}
		if bestIdx >= 0 {
			used[bestIdx] = true
			bindings[cl.ID] = newCentroids[bestIdx]
		}
	}
	return bindings
}

// kMeans runs k-means++ initialization followed by Lloyd's iteration,
// per spec.md §4.7 step 3.
func kMeans(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	if k > len(points) {
		k = len(points)
	}
	centroids := kMeansPlusPlusInit(points, k, rng)

	for iter := 0; iter < MaxIterations; iter++ {
		assignments := make([]int, len(points))
		for i, p := range points {
			assignments[i] = nearestCentroidIndex(p, centroids)
		}

		newCentroids := make([][]float64, k)
		counts := make([]int, k)
		for j := range newCentroids {
			newCentroids[j] = make([]float64, len(points[0]))
		}
		for i, p := range points {
			j := assignments[i]
			floats.Add(newCentroids[j], p)
			counts[j]++
		}
		for j := range newCentroids {
			if counts[j] == 0 {
				newCentroids[j] = centroids[j] // keep empty clusters put
				continue
			}
			floats.Scale(1/float64(counts[j]), newCentroids[j])
		}

		movement := 0.0
		for j := range centroids {
			movement += floats.Distance(centroids[j], newCentroids[j], 2)
		}
		centroids = newCentroids
		if movement < ConvergenceThreshold {
			break
		}
	}
	return centroids
}

// kMeansPlusPlusInit seeds k centroids via k-means++: the first is
// uniform-random, each subsequent one is chosen with probability
// proportional to its squared distance from the nearest already-chosen
// centroid.
func kMeansPlusPlusInit(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := points[rng.Intn(len(points))]
	centroids = append(centroids, append([]float64(nil), first...))

	for len(centroids) < k {
		distSq := make([]float64, len(points))
		var total float64
		for i, p := range points {
			d := nearestCentroidDistance(p, centroids)
			distSq[i] = d * d
			total += distSq[i]
		}
		if total == 0 {
			// All remaining points coincide with a chosen centroid;
			// fall back to uniform choice to avoid stalling.
			centroids = append(centroids, append([]float64(nil), points[rng.Intn(len(points))]...))
			continue
		}
		target := rng.Float64() * total
		var cum float64
		for i, d := range distSq {
			cum += d
			if cum >= target {
				centroids = append(centroids, append([]float64(nil), points[i]...))
				break
			}
		}
	}
	return centroids
}

func nearestCentroidIndex(p []float64, centroids [][]float64) int {
	best := 0
	bestDist := floats.Distance(p, centroids[0], 2)
	for j := 1; j < len(centroids); j++ {
		d := floats.Distance(p, centroids[j], 2)
		if d < bestDist {
			bestDist = d
			best = j
		}
	}
	return best
}

func nearestCentroidDistance(p []float64, centroids [][]float64) float64 {
	best := math.Inf(1)
	for _, c := range centroids {
		if d := floats.Distance(p, c, 2); d < best {
			best = d
		}
	}
	return best
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
