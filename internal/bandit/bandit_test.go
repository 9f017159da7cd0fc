package bandit

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/storage/sqlite"
)

func candidatesWithN(ns ...uint64) []Candidate {
	cands := make([]Candidate, len(ns))
	for i, n := range ns {
		cands[i] = Candidate{
			Arm:  domain.Arm{ID: string(rune('a' + i))},
			Stat: domain.ArmStat{ArmID: string(rune('a' + i)), N: n},
		}
	}
	return cands
}

// Scenario: warm-up floor (spec.md §8 scenario 2).
func TestSelect_WarmUpFloorReturnsLeastPulled(t *testing.T) {
	b := New(rand.New(rand.NewSource(1)))
	cands := candidatesWithN(2, 0, 5)

	arm, err := b.Select("cluster-1", cands, 1.0, 3)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if arm.ID != "b" {
		t.Fatalf("Select() = %q, want %q (the n=0 arm)", arm.ID, "b")
	}
}

func TestSelect_WarmUpFloorRoundRobinsTies(t *testing.T) {
	b := New(rand.New(rand.NewSource(1)))
	cands := candidatesWithN(0, 0, 5)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		arm, err := b.Select("cluster-1", cands, 1.0, 3)
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		seen[arm.ID]++
	}
	if seen["a"] == 0 || seen["b"] == 0 {
		t.Errorf("round-robin did not alternate ties: %v", seen)
	}
}

func TestSelect_NoCandidatesErrors(t *testing.T) {
	b := New(rand.New(rand.NewSource(1)))
	if _, err := b.Select("c", nil, 1.0, 3); err == nil {
		t.Error("expected error for empty candidate set")
	}
}

func TestSelect_SingleArmAlwaysReturned(t *testing.T) {
	b := New(rand.New(rand.NewSource(1)))
	cands := candidatesWithN(100)
	arm, err := b.Select("c", cands, 1.0, 3)
	if err != nil || arm.ID != "a" {
		t.Fatalf("Select() = %v, %v", arm, err)
	}
}

// Scenario: low temperature exploits the best mean with high
// probability once all arms have cleared warm-up (spec.md §8).
func TestSelect_LowTemperatureExploitsBestMean(t *testing.T) {
	b := New(rand.New(rand.NewSource(42)))
	cands := []Candidate{
		{Arm: domain.Arm{ID: "low"}, Stat: domain.ArmStat{N: 50, Mean: 0.2, M2: 0.5}},
		{Arm: domain.Arm{ID: "high"}, Stat: domain.ArmStat{N: 50, Mean: 0.9, M2: 0.5}},
	}

	wins := 0
	trials := 200
	for i := 0; i < trials; i++ {
		arm, err := b.Select("c", cands, 0.1, 3)
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		if arm.ID == "high" {
			wins++
		}
	}
	if ratio := float64(wins) / float64(trials); ratio < 0.9 {
		t.Errorf("high-mean arm won %v%% of trials at tau=0.1, want >=90%%", ratio*100)
	}
}

// Scenario: high temperature ensures every arm gets explored.
func TestSelect_HighTemperatureExploresEveryArm(t *testing.T) {
	b := New(rand.New(rand.NewSource(7)))
	cands := []Candidate{
		{Arm: domain.Arm{ID: "a"}, Stat: domain.ArmStat{N: 50, Mean: 0.1, M2: 0.5}},
		{Arm: domain.Arm{ID: "b"}, Stat: domain.ArmStat{N: 50, Mean: 0.9, M2: 0.5}},
		{Arm: domain.Arm{ID: "c"}, Stat: domain.ArmStat{N: 50, Mean: 0.5, M2: 0.5}},
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		arm, _ := b.Select("c", cands, 10.0, 3)
		seen[arm.ID] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("arm %q never selected at tau=10.0 over 100 trials", id)
		}
	}
}

// ─── Update / CAS retry ─────────────────────────────────────────────────────

func newTestStorage(t *testing.T) domain.Storage {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "bandit.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpdate_AppliesWelford(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	b := New(rand.New(rand.NewSource(1)))
	b.SetRetryBackoff(0, func(time.Duration) {})

	if err := b.Update(ctx, storage, "arm-1", 0.8); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	stat, err := storage.GetArmStat(ctx, "arm-1")
	if err != nil {
		t.Fatalf("GetArmStat() error: %v", err)
	}
	if stat.N != 1 || stat.Mean != 0.8 {
		t.Errorf("GetArmStat() = %+v, want N=1 Mean=0.8", stat)
	}
}

// conflictingStorage wraps a real storage and forces the first N calls to
// CompareAndSwapArmStat to report a lost race, exercising Update's retry
// loop without relying on genuine concurrent writers.
type conflictingStorage struct {
	domain.Storage
	failures int
}

func (c *conflictingStorage) CompareAndSwapArmStat(ctx context.Context, expected, updated domain.ArmStat) error {
	if c.failures > 0 {
		c.failures--
		return domain.ErrConflictingUpdate
	}
	return c.Storage.CompareAndSwapArmStat(ctx, expected, updated)
}

func TestUpdate_RetriesOnConflictThenSucceeds(t *testing.T) {
	storage := &conflictingStorage{Storage: newTestStorage(t), failures: 2}
	ctx := context.Background()
	b := New(rand.New(rand.NewSource(1)))

	var slept []time.Duration
	b.SetRetryBackoff(10*time.Millisecond, func(d time.Duration) { slept = append(slept, d) })

	if err := b.Update(ctx, storage, "arm-1", 0.5); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if len(slept) != 2 {
		t.Fatalf("slept %d times, want 2 backoff waits", len(slept))
	}
	if slept[0] != 10*time.Millisecond || slept[1] != 20*time.Millisecond {
		t.Errorf("backoff sequence = %v, want [10ms 20ms]", slept)
	}
}

func TestUpdate_ExhaustsRetriesAndReturnsConflict(t *testing.T) {
	storage := &conflictingStorage{Storage: newTestStorage(t), failures: MaxCASRetries + 1}
	ctx := context.Background()
	b := New(rand.New(rand.NewSource(1)))
	b.SetRetryBackoff(0, func(time.Duration) {})

	err := b.Update(ctx, storage, "arm-1", 0.5)
	if err != domain.ErrConflictingUpdate {
		t.Fatalf("Update() err = %v, want ErrConflictingUpdate", err)
	}
}
