package reflection

// rewardItem pairs a log id with the reward its EvaluationRun produced,
// the unit boundedRewardHeap orders on.
type rewardItem struct {
	logID  string
	reward float64
}

// boundedRewardHeap keeps the best K items seen via Offer, by whichever
// ordering less() encodes, in O(log K) per offer instead of sorting the
// full history. Adapted from the teacher's priority-queue sift-up/
// sift-down mechanics (internal/infra/dsa): here the heap's root is
// always the weakest item currently kept, so a stronger candidate can
// evict it in one sift-down instead of a full re-sort.
type boundedRewardHeap struct {
	items []rewardItem
	cap   int
	less  func(a, b rewardItem) bool // true if a belongs closer to the root than b
}

func newBoundedRewardHeap(capacity int, less func(a, b rewardItem) bool) *boundedRewardHeap {
	return &boundedRewardHeap{cap: capacity, less: less}
}

// Offer considers item for inclusion in the kept set. While under
// capacity every item is kept; once full, item only displaces the
// current root if it is a stronger candidate than the root.
func (h *boundedRewardHeap) Offer(item rewardItem) {
	if h.cap <= 0 {
		return
	}
	if len(h.items) < h.cap {
		h.items = append(h.items, item)
		h.siftUp(len(h.items) - 1)
		return
	}
	if len(h.items) == 0 || !h.less(h.items[0], item) {
		return
	}
	h.items[0] = item
	h.siftDown(0)
}

// LogIDs returns the kept set's log ids, in no particular order.
func (h *boundedRewardHeap) LogIDs() []string {
	ids := make([]string, len(h.items))
	for i, it := range h.items {
		ids[i] = it.logID
	}
	return ids
}

func (h *boundedRewardHeap) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if h.less(h.items[idx], h.items[parent]) {
			h.items[idx], h.items[parent] = h.items[parent], h.items[idx]
			idx = parent
		} else {
			break
		}
	}
}

func (h *boundedRewardHeap) siftDown(idx int) {
	n := len(h.items)
	for {
		weakest := idx
		left, right := 2*idx+1, 2*idx+2
		if left < n && h.less(h.items[left], h.items[weakest]) {
			weakest = left
		}
		if right < n && h.less(h.items[right], h.items[weakest]) {
			weakest = right
		}
		if weakest == idx {
			break
		}
		h.items[idx], h.items[weakest] = h.items[weakest], h.items[idx]
		idx = weakest
	}
}

// topKBest returns the log ids of the k EvaluationRuns with the
// highest reward (spec.md §4.8: "top-1 best ... logs").
func topKBest(runs []rewardItem, k int) []string {
	h := newBoundedRewardHeap(k, func(a, b rewardItem) bool { return a.reward < b.reward })
	for _, r := range runs {
		h.Offer(r)
	}
	return h.LogIDs()
}

// bottomKWorst returns the log ids of the k EvaluationRuns with the
// lowest reward (spec.md §4.8: "bottom-K worst ... logs").
func bottomKWorst(runs []rewardItem, k int) []string {
	h := newBoundedRewardHeap(k, func(a, b rewardItem) bool { return a.reward > b.reward })
	for _, r := range runs {
		h.Offer(r)
	}
	return h.LogIDs()
}
