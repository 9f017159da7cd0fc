package cluster

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/storage/sqlite"
)

func newTestStorage(t *testing.T) domain.Storage {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "cluster.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Scenario: cold start (spec.md §8 scenario 1).
func TestRoute_ColdStartSeedsDefaultClusterAndArms(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	skill := domain.Skill{ID: "s1", ConfigurationCount: 3, Optimize: true}
	storage.UpsertSkill(ctx, skill)

	r := New(storage)
	c, err := r.Route(ctx, skill, []float32{1, 0})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if len(c.Centroid) != 2 || c.Centroid[0] != 1 || c.Centroid[1] != 0 {
		t.Errorf("Centroid = %v, want [1 0]", c.Centroid)
	}
	if c.TotalSteps != 1 {
		t.Errorf("TotalSteps = %d, want 1", c.TotalSteps)
	}

	arms, err := storage.ListArmsForCluster(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListArmsForCluster() error: %v", err)
	}
	if len(arms) != 3 {
		t.Fatalf("got %d arms, want 3", len(arms))
	}
	for _, a := range arms {
		if a.Params.SystemPrompt != DefaultSeedPrompt {
			t.Errorf("arm %s prompt = %q, want identical seed prompt", a.Name, a.Params.SystemPrompt)
		}
	}
}

// Invariant: optimize=false collapses seeding to a single implicit arm.
func TestRoute_OptimizeOffSeedsSingleArm(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	skill := domain.Skill{ID: "s1", ConfigurationCount: 5, Optimize: false}
	storage.UpsertSkill(ctx, skill)

	r := New(storage)
	c, err := r.Route(ctx, skill, []float32{0, 1})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	arms, _ := storage.ListArmsForCluster(ctx, c.ID)
	if len(arms) != 1 {
		t.Fatalf("got %d arms, want 1", len(arms))
	}
}

func TestRoute_NearestCentroidWithTieBreak(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	skill := domain.Skill{ID: "s1", ConfigurationCount: 1, Optimize: true}
	storage.UpsertSkill(ctx, skill)

	// Two clusters equidistant from the probe embedding; "c-a" must win
	// the tie over "c-b" by smallest id.
	storage.UpsertCluster(ctx, domain.Cluster{ID: "c-b", SkillID: "s1", Name: "b", Centroid: []float32{0, 2}})
	storage.UpsertCluster(ctx, domain.Cluster{ID: "c-a", SkillID: "s1", Name: "a", Centroid: []float32{2, 0}})

	r := New(storage)
	c, err := r.Route(ctx, skill, []float32{1, 1})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if c.ID != "c-a" {
		t.Errorf("Route() = %q, want tie-break winner c-a", c.ID)
	}
}

func TestRoute_PicksStrictlyNearerCluster(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	skill := domain.Skill{ID: "s1", ConfigurationCount: 1, Optimize: true}
	storage.UpsertSkill(ctx, skill)

	storage.UpsertCluster(ctx, domain.Cluster{ID: "near", SkillID: "s1", Name: "near", Centroid: []float32{1, 1}})
	storage.UpsertCluster(ctx, domain.Cluster{ID: "far", SkillID: "s1", Name: "far", Centroid: []float32{10, 10}})

	r := New(storage)
	c, err := r.Route(ctx, skill, []float32{1, 2})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if c.ID != "near" {
		t.Errorf("Route() = %q, want near", c.ID)
	}
}

func TestRoute_IncrementsTotalStepsAcrossCalls(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	skill := domain.Skill{ID: "s1", ConfigurationCount: 1, Optimize: true}
	storage.UpsertSkill(ctx, skill)

	r := New(storage)
	r.Route(ctx, skill, []float32{0, 0})
	c, err := r.Route(ctx, skill, []float32{0.1, 0.1})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if c.TotalSteps != 2 {
		t.Errorf("TotalSteps = %d, want 2", c.TotalSteps)
	}
}
