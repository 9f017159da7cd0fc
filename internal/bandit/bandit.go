// Package bandit implements the Bandit Core (C3): Thompson sampling
// over per-cluster arms, with a warm-up floor that guarantees every arm
// gets pulled reflection_min_requests_per_arm times before the sampler
// trusts its statistics. Reward updates use Welford's online algorithm
// serialized against the storage layer via compare-and-swap.
//
// Key concepts for beginners:
//
//   - Thompson Sampling: instead of always picking the arm with the best
//     average reward so far (pure exploitation, which can get stuck on a
//     lucky-but-mediocre arm), we draw one random sample from each arm's
//     *belief* about its own mean reward, and play whichever sample came
//     out highest. Arms we're uncertain about (few pulls, high variance)
//     occasionally draw a high sample purely by chance — that's how
//     exploration happens without a separate exploration bonus term.
//
//   - Welford's Algorithm: a numerically stable way to maintain a running
//     mean and variance from a stream of rewards without ever re-summing
//     the whole history.
package bandit

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/skillopt/skillopt/internal/domain"
)

// MaxCASRetries bounds the number of times Update retries a lost
// compare-and-swap race before giving up, per spec.md §4.3.
const MaxCASRetries = 3

// retryBackoff returns the exponential backoff delay before attempt n
// (0-indexed): 1x, 2x, 4x a base unit.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

// Bandit selects and updates arms for clusters. It holds only the
// round-robin tie-break state for warm-up selection — all durable state
// lives in the storage port.
type Bandit struct {
	mu       sync.Mutex
	rrCursor map[string]int // clusterID -> rotating cursor for warm-up ties

	rng       *rand.Rand
	retryBase time.Duration // base CAS retry backoff (default 1s)
	sleep     func(time.Duration)
}

// New creates a Bandit. rng is the entropy source for Thompson sampling
// — inject a seeded *rand.Rand in tests for determinism.
func New(rng *rand.Rand) *Bandit {
	return &Bandit{
		rrCursor:  make(map[string]int),
		rng:       rng,
		retryBase: time.Second,
		sleep:     time.Sleep,
	}
}

// SetRetryBackoff overrides the base CAS retry delay and the sleep
// function — tests use this to avoid real waits.
func (b *Bandit) SetRetryBackoff(base time.Duration, sleep func(time.Duration)) {
	b.retryBase = base
	b.sleep = sleep
}

// Candidate is one arm plus its current statistics, as seen by Select.
type Candidate struct {
	Arm  domain.Arm
	Stat domain.ArmStat
}

// Select implements spec.md §4.3's selection rule:
//  1. If any arm has n < reflectionMinRequestsPerArm, return the
//     least-pulled such arm, breaking ties round-robin.
//  2. Otherwise draw s_i ~ Normal(mean_i, (tau*sigma_i)^2) for each arm
//     and return the argmax.
//
// clusterID scopes the round-robin tie-break cursor; it need not be the
// arm's actual cluster id, only a stable key for this group of arms.
func (b *Bandit) Select(clusterID string, candidates []Candidate, explorationTemperature float64, reflectionMinRequestsPerArm uint64) (domain.Arm, error) {
	if len(candidates) == 0 {
		return domain.Arm{}, errNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0].Arm, nil
	}

	if arm, ok := b.warmUpFloor(clusterID, candidates, reflectionMinRequestsPerArm); ok {
		return arm, nil
	}

	return b.thompsonArgmax(candidates, explorationTemperature), nil
}

// warmUpFloor returns the least-pulled arm if any candidate is still
// below the warm-up floor, rotating among ties across successive calls
// for the same clusterID so a warm-up cohort gets pulled evenly rather
// than always handing the tie to the lowest-indexed arm.
func (b *Bandit) warmUpFloor(clusterID string, candidates []Candidate, floor uint64) (domain.Arm, bool) {
	var underFloor []Candidate
	for _, c := range candidates {
		if c.Stat.N < floor {
			underFloor = append(underFloor, c)
		}
	}
	if len(underFloor) == 0 {
		return domain.Arm{}, false
	}

	sort.SliceStable(underFloor, func(i, j int) bool { return underFloor[i].Stat.N < underFloor[j].Stat.N })
	minN := underFloor[0].Stat.N
	var tied []Candidate
	for _, c := range underFloor {
		if c.Stat.N == minN {
			tied = append(tied, c)
		}
	}

	b.mu.Lock()
	cursor := b.rrCursor[clusterID]
	b.rrCursor[clusterID] = cursor + 1
	b.mu.Unlock()

	return tied[cursor%len(tied)].Arm, true
}

func (b *Bandit) thompsonArgmax(candidates []Candidate, tau float64) domain.Arm {
	var best domain.Arm
	bestScore := -1.0
	first := true

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range candidates {
		sigma := tau * posteriorSigma(c.Stat)
		dist := distuv.Normal{Mu: c.Stat.Mean, Sigma: sigma, Src: b.rng}
		sample := dist.Rand()
		if first || sample > bestScore {
			best = c.Arm
			bestScore = sample
			first = false
		}
	}
	return best
}

// posteriorSigma returns sqrt(Variance()) — the posterior standard
// deviation proxy of spec.md §4.3.
func posteriorSigma(stat domain.ArmStat) float64 {
	v := stat.Variance()
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

var errNoCandidates = noCandidatesError{}

type noCandidatesError struct{}

func (noCandidatesError) Error() string { return "bandit: no candidate arms" }

// Update folds reward r into the chosen arm's statistics, serialized
// against the storage layer via compare-and-swap retried up to
// MaxCASRetries times with exponential backoff (spec.md §4.3). Returns
// domain.ErrConflictingUpdate if all retries are exhausted.
func (b *Bandit) Update(ctx context.Context, storage domain.Storage, armID string, reward float64) error {
	for attempt := 0; attempt <= MaxCASRetries; attempt++ {
		current, err := storage.GetArmStat(ctx, armID)
		if err != nil {
			return err
		}
		updated := current
		updated.Update(reward)

		err = storage.CompareAndSwapArmStat(ctx, current, updated)
		if err == nil {
			return nil
		}
		if err != domain.ErrConflictingUpdate {
			return err
		}
		if attempt < MaxCASRetries {
			b.sleep(retryBackoff(b.retryBase, attempt))
		}
	}
	return domain.ErrConflictingUpdate
}
