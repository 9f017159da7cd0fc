// Package cluster implements the Cluster Router (C4): nearest-centroid
// lookup for an inbound request embedding, with lazy creation of a
// skill's first cluster and its seeded arms.
package cluster

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/skillopt/skillopt/internal/domain"
)

// DefaultSeedPrompt is the placeholder system prompt every initial arm
// is seeded with. C8's early regeneration overwrites it in place once
// enough logs have accumulated (spec.md §4.8).
const DefaultSeedPrompt = "You are a helpful assistant."

// Router routes request embeddings to clusters and lazily seeds a
// skill's first cluster and arms on cold start.
type Router struct {
	storage domain.Storage
	newID   func() string
}

// New constructs a Router backed by storage.
func New(storage domain.Storage) *Router {
	return &Router{storage: storage, newID: uuid.NewString}
}

// Route implements spec.md §4.4: return the cluster of minimum
// Euclidean distance to centroid, ties broken by smallest cluster id.
// If the skill has no clusters yet, one default cluster is lazily
// created with centroid = embedding and seeded with
// skill.EffectiveConfigurationCount() initial arms. On every routing
// decision cluster.total_steps is atomically incremented.
func (r *Router) Route(ctx context.Context, skill domain.Skill, embedding []float32) (domain.Cluster, error) {
	clusters, err := r.storage.ListClustersForSkill(ctx, skill.ID)
	if err != nil {
		return domain.Cluster{}, fmt.Errorf("list clusters: %w", err)
	}

	var chosen domain.Cluster
	if len(clusters) == 0 {
		chosen, err = r.seedDefaultCluster(ctx, skill, embedding)
		if err != nil {
			return domain.Cluster{}, err
		}
	} else {
		chosen = nearest(clusters, embedding)
	}

	if err := r.storage.IncrementClusterSteps(ctx, chosen.ID, 1); err != nil {
		return domain.Cluster{}, fmt.Errorf("increment cluster steps: %w", err)
	}
	chosen.TotalSteps++
	return chosen, nil
}

// nearest returns the cluster with minimum Euclidean distance to e,
// ties broken by the smallest cluster id (spec.md §4.4).
func nearest(clusters []domain.Cluster, e []float32) domain.Cluster {
	best := clusters[0]
	bestDist := distance(best.Centroid, e)
	for _, c := range clusters[1:] {
		d := distance(c.Centroid, e)
		if d < bestDist || (d == bestDist && c.ID < best.ID) {
			best = c
			bestDist = d
		}
	}
	return best
}

// distance computes Euclidean distance between two float32 embeddings
// via gonum/floats, which operates on float64 slices.
func distance(a, b []float32) float64 {
	fa := toFloat64(a)
	fb := toFloat64(b)
	return floats.Distance(fa, fb, 2)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// seedDefaultCluster creates a skill's first cluster, centered on the
// triggering embedding, and populates it with EffectiveConfigurationCount
// arms sharing DefaultSeedPrompt — the seeding protocol referenced by
// §4.4 and exercised by the cold-start scenario of §8.
func (r *Router) seedDefaultCluster(ctx context.Context, skill domain.Skill, embedding []float32) (domain.Cluster, error) {
	c := domain.Cluster{
		ID:       r.newID(),
		SkillID:  skill.ID,
		Name:     "default",
		Centroid: append([]float32(nil), embedding...),
	}
	if err := r.storage.UpsertCluster(ctx, c); err != nil {
		return domain.Cluster{}, fmt.Errorf("seed default cluster: %w", err)
	}

	for i := 0; i < skill.EffectiveConfigurationCount(); i++ {
		arm := domain.Arm{
			ID:        r.newID(),
			SkillID:   skill.ID,
			ClusterID: c.ID,
			Name:      fmt.Sprintf("arm-%d", i),
			Params: domain.ArmParams{
				SystemPrompt: DefaultSeedPrompt,
			},
		}
		if err := r.storage.UpsertArm(ctx, arm); err != nil {
			return domain.Cluster{}, fmt.Errorf("seed arm %s: %w", arm.Name, err)
		}
	}
	return c, nil
}
