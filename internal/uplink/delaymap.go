// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"container/heap"
	"time"
)

// DelayMap is a keyed timer set: at most one pending deadline per key,
// with an ordered min-heap of (deadline, key) pairs so the earliest
// expiry can always be found in O(1) and popped in O(log n).
//
// It is not goroutine-safe and is meant to be driven from a single
// select loop (StreamHandler.Run): C returns a channel that fires when
// the earliest deadline elapses, or nil when the map is empty — a nil
// channel blocks forever in a select, which is exactly "gate on
// IsEmpty" without an explicit branch.
//
// The third-party double-ended heap carried in the retrieval pack's
// go.mod (aalpar/deheap) has no usage site in the pack to ground its
// API against, so this uses container/heap instead — see DESIGN.md.
type DelayMap[K comparable] struct {
	entries map[K]*delayEntry[K]
	order   delayHeap[K]
	timer   *time.Timer
}

type delayEntry[K comparable] struct {
	key     K
	expires time.Time
	index   int // position in the heap, maintained by heap.Interface
}

// NewDelayMap creates an empty DelayMap.
func NewDelayMap[K comparable]() *DelayMap[K] {
	return &DelayMap[K]{
		entries: make(map[K]*delayEntry[K]),
		timer:   time.NewTimer(time.Hour),
	}
}

// Contains reports whether key has a pending deadline.
func (d *DelayMap[K]) Contains(key K) bool {
	_, ok := d.entries[key]
	return ok
}

// IsEmpty reports whether no keys have a pending deadline.
func (d *DelayMap[K]) IsEmpty() bool {
	return len(d.entries) == 0
}

// Insert schedules key to fire after period. The caller must ensure
// key has no existing deadline — use Reset for that case.
func (d *DelayMap[K]) Insert(key K, period time.Duration) {
	e := &delayEntry[K]{key: key, expires: time.Now().Add(period)}
	d.entries[key] = e
	heap.Push(&d.order, e)
	d.rearm()
}

// Reset replaces key's deadline with now+period. No-op if key is
// absent.
func (d *DelayMap[K]) Reset(key K, period time.Duration) {
	e, ok := d.entries[key]
	if !ok {
		return
	}
	e.expires = time.Now().Add(period)
	heap.Fix(&d.order, e.index)
	d.rearm()
}

// Remove drops key's deadline, if any.
func (d *DelayMap[K]) Remove(key K) {
	e, ok := d.entries[key]
	if !ok {
		return
	}
	delete(d.entries, key)
	heap.Remove(&d.order, e.index)
	d.rearm()
}

// Update is the compound operation from the DelayMap contract: when
// remove is true, it removes key if present (returning whether it
// was); when remove is false, it resets key if present or inserts it
// otherwise, always returning true.
func (d *DelayMap[K]) Update(key K, period time.Duration, remove bool) bool {
	if remove {
		if !d.Contains(key) {
			return false
		}
		d.Remove(key)
		return true
	}
	if d.Contains(key) {
		d.Reset(key, period)
	} else {
		d.Insert(key, period)
	}
	return true
}

// C returns the channel that fires when the earliest pending deadline
// elapses, or nil when the map is empty. Intended for direct use in a
// select statement alongside other suspension points.
func (d *DelayMap[K]) C() <-chan time.Time {
	if d.IsEmpty() {
		return nil
	}
	return d.timer.C
}

// PopExpired removes and returns the key whose deadline triggered C,
// assuming C has just fired. Returns false if the map is empty or the
// head deadline has not actually elapsed (a defensive check — with a
// single-goroutine caller this should never happen).
func (d *DelayMap[K]) PopExpired() (K, bool) {
	var zero K
	if d.IsEmpty() {
		return zero, false
	}
	head := d.order[0]
	if time.Now().Before(head.expires) {
		return zero, false
	}
	delete(d.entries, head.key)
	heap.Pop(&d.order)
	d.rearm()
	return head.key, true
}

// rearm reschedules the internal timer against the current heap head.
// Must run after every mutation that could change the head.
func (d *DelayMap[K]) rearm() {
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	if len(d.order) == 0 {
		return
	}
	wait := time.Until(d.order[0].expires)
	if wait < 0 {
		wait = 0
	}
	d.timer.Reset(wait)
}

// delayHeap implements container/heap.Interface ordered by expires.
type delayHeap[K comparable] []*delayEntry[K]

func (h delayHeap[K]) Len() int { return len(h) }

func (h delayHeap[K]) Less(i, j int) bool { return h[i].expires.Before(h[j].expires) }

func (h delayHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap[K]) Push(x any) {
	e := x.(*delayEntry[K])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *delayHeap[K]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
