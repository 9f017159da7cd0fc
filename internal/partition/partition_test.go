package partition

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/lock"
	"github.com/skillopt/skillopt/internal/storage/sqlite"
)

func newTestStorage(t *testing.T) domain.Storage {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "partition.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedLogsAroundCenters(t *testing.T, storage domain.Storage, skillID string, centers [][]float32, perCenter int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	for _, center := range centers {
		for i := 0; i < perCenter; i++ {
			jitter := float32(i%3) * 0.01
			e := make([]float32, len(center))
			for d, v := range center {
				e[d] = v + jitter
			}
			storage.InsertLog(ctx, domain.Log{
				ID: idFor(n), SkillID: skillID, ClusterID: "c", ArmID: "a",
				Embedding: e, StartTime: base.Add(time.Duration(n) * time.Second),
			})
			n++
		}
	}
}

func idFor(n int) string { return "log-" + string(rune('a'+n%26)) + string(rune('0'+n/26)) }

// Scenario: partitioning stability (spec.md §8 scenario 4) — two
// distant centers, K=2, greedy matching binds new centroids to
// existing clusters without swapping identities.
func TestRun_BindsNewCentroidsToNearestExistingCluster(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	skill := domain.Skill{ID: "s1", ConfigurationCount: 2, ClusteringInterval: 10, Optimize: true}
	storage.UpsertSkill(ctx, skill)
	storage.UpsertCluster(ctx, domain.Cluster{ID: "cluster-low", SkillID: "s1", Name: "low", Centroid: []float32{0, 0}})
	storage.UpsertCluster(ctx, domain.Cluster{ID: "cluster-high", SkillID: "s1", Name: "high", Centroid: []float32{9, 9}})

	seedLogsAroundCenters(t, storage, "s1", [][]float32{{0, 0}, {10, 10}}, 6)

	locker := lock.New(storage)
	c := New(storage, locker, nil, rand.New(rand.NewSource(1)))

	if err := c.Run(ctx, "s1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	low, err := storage.GetCluster(ctx, "cluster-low")
	if err != nil {
		t.Fatalf("GetCluster(cluster-low) error: %v", err)
	}
	high, err := storage.GetCluster(ctx, "cluster-high")
	if err != nil {
		t.Fatalf("GetCluster(cluster-high) error: %v", err)
	}

	if low.Centroid[0] > 5 {
		t.Errorf("cluster-low centroid drifted to the high cluster: %v", low.Centroid)
	}
	if high.Centroid[0] < 5 {
		t.Errorf("cluster-high centroid drifted to the low cluster: %v", high.Centroid)
	}

	updated, err := storage.GetSkill(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSkill() error: %v", err)
	}
	if updated.LastClusteringAt == nil {
		t.Error("last_clustering_at not set after Run()")
	}
}

func TestRun_RejectsWhenTooFewLogs(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	skill := domain.Skill{ID: "s1", ConfigurationCount: 2, ClusteringInterval: 100}
	storage.UpsertSkill(ctx, skill)
	storage.UpsertCluster(ctx, domain.Cluster{ID: "c1", SkillID: "s1", Name: "only", Centroid: []float32{0, 0}})
	seedLogsAroundCenters(t, storage, "s1", [][]float32{{0, 0}}, 3)

	locker := lock.New(storage)
	c := New(storage, locker, nil, rand.New(rand.NewSource(1)))

	err := c.Run(ctx, "s1")
	if err != ErrInsufficientLogs {
		t.Errorf("Run() err = %v, want ErrInsufficientLogs", err)
	}
}

func TestTriggerIfDue_BelowThresholdDoesNothing(t *testing.T) {
	storage := newTestStorage(t)
	locker := lock.New(storage)
	c := New(storage, locker, nil, rand.New(rand.NewSource(1)))
	skill := domain.Skill{ID: "s1", ClusteringInterval: 50}

	// Must not panic or attempt a lock acquisition for an unseeded skill.
	c.TriggerIfDue(context.Background(), skill, 10)
}

func TestGreedyMatch_PrefersNearestUnmatchedCentroid(t *testing.T) {
	existing := []domain.Cluster{
		{ID: "a", Centroid: []float32{0, 0}},
		{ID: "b", Centroid: []float32{10, 10}},
	}
	newCentroids := [][]float64{{9, 9}, {1, 1}}

	bindings := greedyMatch(existing, newCentroids)
	if bindings["a"][0] != 1 {
		t.Errorf("cluster a bound to %v, want the nearer centroid [1 1]", bindings["a"])
	}
	if bindings["b"][0] != 9 {
		t.Errorf("cluster b bound to %v, want the nearer centroid [9 9]", bindings["b"])
	}
}
