package reflection

import "testing"

func TestTopKBest(t *testing.T) {
	runs := []rewardItem{
		{logID: "a", reward: 0.2},
		{logID: "b", reward: 0.9},
		{logID: "c", reward: 0.5},
		{logID: "d", reward: 0.7},
	}
	got := topKBest(runs, 1)
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("topKBest(1) = %v, want [b]", got)
	}

	got2 := topKBest(runs, 2)
	set := map[string]bool{}
	for _, id := range got2 {
		set[id] = true
	}
	if !set["b"] || !set["d"] {
		t.Errorf("topKBest(2) = %v, want {b,d}", got2)
	}
}

func TestBottomKWorst(t *testing.T) {
	runs := []rewardItem{
		{logID: "a", reward: 0.2},
		{logID: "b", reward: 0.9},
		{logID: "c", reward: 0.5},
		{logID: "d", reward: 0.7},
	}
	got := bottomKWorst(runs, 1)
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("bottomKWorst(1) = %v, want [a]", got)
	}

	got3 := bottomKWorst(runs, 3)
	set := map[string]bool{}
	for _, id := range got3 {
		set[id] = true
	}
	for _, want := range []string{"a", "c", "d"} {
		if !set[want] {
			t.Errorf("bottomKWorst(3) = %v, want to contain %s", got3, want)
		}
	}
}

func TestBoundedRewardHeap_CapacityLargerThanInputKeepsAll(t *testing.T) {
	runs := []rewardItem{{logID: "x", reward: 0.1}}
	if got := topKBest(runs, 5); len(got) != 1 {
		t.Errorf("got %v, want 1 item when capacity exceeds input size", got)
	}
}

func TestBoundedRewardHeap_ZeroCapacityKeepsNothing(t *testing.T) {
	runs := []rewardItem{{logID: "x", reward: 0.1}}
	if got := topKBest(runs, 0); len(got) != 0 {
		t.Errorf("got %v, want empty for zero capacity", got)
	}
}
