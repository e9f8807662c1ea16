// Min-heap backing the timer Directory.
//
//   - peek (soonest-due entry)  → O(1)
//   - arm / cancel              → O(log N)
//
// The Directory's run goroutine peeks at the heap root, sleeps until it is
// due, then pops and fires. A buffered notify channel lets Arm and
// ReplaceAllForPrefix interrupt the sleep whenever a newly armed entry is
// due sooner than the current root.
package timer

import (
	"container/heap"
	"time"
)

// item is one live timer entry in the heap.
type item struct {
	owner string // owning user ID
	key   string // composite key, e.g. "<pillboxID>_<slot>"
	kind  Kind

	fireAt   int64         // UTC milliseconds — sort key
	interval time.Duration // repeat period (Scheduled, Interval)
	fire     func()

	// heapIdx is the item's current position in the heap slice, maintained
	// by minHeap.Swap so cancellation can heap.Remove in O(log N).
	heapIdx int
}

// minHeap is a slice of *item satisfying heap.Interface; the soonest-due
// entry sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].fireAt < h[j].fireAt
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil   // allow GC
	it.heapIdx = -1  // mark as not in heap
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
