// Package progress implements the ProgressTracker primitive from spec.md
// §4.1: an ordered key space with a current position, where callers can
// wait for the position to advance past a threshold. Waiters are held in a
// min-heap keyed by threshold and woken in full whenever advance() passes
// their key.
//
// ProgressTracker is intentionally not internally synchronized: per the
// spec's single-threaded cooperative concurrency model, Advance and Wait
// must only ever be invoked from the tracker's single owning goroutine (see
// internal/replaycore, where each Replay pins its tracker accesses to one
// actor goroutine). The channel returned by Wait, by contrast, is safe to
// receive from on any goroutine — registering the wait is the only part
// that must be serialized, matching the "opaque resume capability" shape
// described in spec.md's design notes.
package progress

import "container/heap"

// Comparator totally orders K. It must return <0, 0, >0 exactly as
// a<b, a==b, a>b.
type Comparator[K any] func(a, b K) int

// Tracker tracks an ordered progress key and wakes waiters once the key
// advances past their threshold.
type Tracker[K any] struct {
	cmp     Comparator[K]
	pos     K
	top     K
	waiters waiterHeap[K]
	seq     int
}

type waiter[K any] struct {
	threshold K
	seq       int // insertion order, breaks ties deterministically
	ch        chan K
}

type waiterHeap[K any] struct {
	items []*waiter[K]
	cmp   Comparator[K]
}

func (h waiterHeap[K]) Len() int { return len(h.items) }
func (h waiterHeap[K]) Less(i, j int) bool {
	c := h.cmp(h.items[i].threshold, h.items[j].threshold)
	if c != 0 {
		return c < 0
	}
	return h.items[i].seq < h.items[j].seq
}
func (h waiterHeap[K]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *waiterHeap[K]) Push(x any)   { h.items = append(h.items, x.(*waiter[K])) }
func (h *waiterHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// New constructs a tracker starting at bottom, with the given top sentinel
// used only by AtTop.
func New[K any](cmp Comparator[K], bottom, top K) *Tracker[K] {
	t := &Tracker[K]{cmp: cmp, pos: bottom, top: top}
	t.waiters.cmp = cmp
	return t
}

// Position returns the current progress position.
func (t *Tracker[K]) Position() K { return t.pos }

// Advance moves the tracker's position forward to k, waking every waiter
// whose threshold is now satisfied before returning. It panics if k would
// move the position backwards — advance must be monotone non-decreasing,
// per spec.md §4.1 (a debug-only assertion in the reference implementation;
// Go has no separate debug build mode, so this is unconditional).
func (t *Tracker[K]) Advance(k K) {
	if t.cmp(k, t.pos) < 0 {
		panic("progress: advance would move position backwards")
	}
	t.pos = k
	for t.waiters.Len() > 0 && t.cmp(t.waiters.items[0].threshold, t.pos) <= 0 {
		w := heap.Pop(&t.waiters).(*waiter[K])
		w.ch <- t.pos
		close(w.ch)
	}
}

// Wait returns a channel that yields the tracker's position once it is at
// least k. If the position already satisfies k, the channel is pre-loaded
// and closed so the caller's receive completes immediately without a second
// round-trip through the owning goroutine.
func (t *Tracker[K]) Wait(k K) <-chan K {
	ch := make(chan K, 1)
	if t.cmp(k, t.pos) <= 0 {
		ch <- t.pos
		close(ch)
		return ch
	}
	t.seq++
	heap.Push(&t.waiters, &waiter[K]{threshold: k, seq: t.seq, ch: ch})
	return ch
}

// AtTop reports whether the tracker's position has reached its configured
// top sentinel — used for the drop-time sanity check (spec.md design notes:
// "the reference implementation panics if a tracker is dropped before
// reaching top(); in a production rewrite this should be logged, not
// crashed").
func (t *Tracker[K]) AtTop() bool { return t.cmp(t.pos, t.top) == 0 }

// PendingWaiters reports how many callers are still waiting, useful for
// diagnostics and tests.
func (t *Tracker[K]) PendingWaiters() int { return t.waiters.Len() }
