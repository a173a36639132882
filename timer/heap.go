package timer

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrTimerExists   = errors.New("timer: id already exists")
	ErrTimerNotFound = errors.New("timer: id not found")
)

// Callback runs when a timer expires. It should capture only the data needed
// to act on one connection (an id), never the connection itself.
type Callback func()

type entry struct {
	id      uint64
	expires time.Time
	cb      Callback
}

// Heap is an indexed min-heap of timers keyed by absolute expiry. A side map
// from id to slice index allows O(log n) update and removal of any entry.
//
// Heap is safe for concurrent use. Callbacks are invoked without the lock held
// so they may call back into the heap.
type Heap struct {
	mu    sync.Mutex
	heap  []entry
	index map[uint64]int
	now   func() time.Time
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{
		heap:  make([]entry, 0, 64),
		index: make(map[uint64]int),
		now:   time.Now,
	}
}

// Add schedules cb to run timeout from now. A duplicate id is rejected and
// the existing entry is left untouched; use Update to move it.
func (h *Heap) Add(id uint64, timeout time.Duration, cb Callback) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.index[id]; ok {
		return ErrTimerExists
	}
	h.heap = append(h.heap, entry{id: id, expires: h.now().Add(timeout), cb: cb})
	i := len(h.heap) - 1
	h.index[id] = i
	h.up(i)
	return nil
}

// Update moves the expiry of id to timeout from now.
func (h *Heap) Update(id uint64, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	i, ok := h.index[id]
	if !ok {
		return ErrTimerNotFound
	}
	old := h.heap[i].expires
	h.heap[i].expires = h.now().Add(timeout)
	if h.heap[i].expires.After(old) {
		h.down(i)
	} else {
		h.up(i)
	}
	return nil
}

// Remove drops the timer for id without running it. It reports whether the
// id was present.
func (h *Heap) Remove(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	i, ok := h.index[id]
	if !ok {
		return false
	}
	h.removeAt(i)
	return true
}

// RunExpired pops every timer whose expiry has passed, in increasing expiry
// order, and runs its callback.
func (h *Heap) RunExpired() int {
	h.mu.Lock()
	now := h.now()
	var due []Callback
	for len(h.heap) > 0 && !h.heap[0].expires.After(now) {
		due = append(due, h.heap[0].cb)
		h.removeAt(0)
	}
	h.mu.Unlock()

	for _, cb := range due {
		if cb != nil {
			cb()
		}
	}
	return len(due)
}

// NextExpiry returns the milliseconds until the earliest timer fires, 0 if
// it is already due and -1 if the heap is empty.
func (h *Heap) NextExpiry() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.heap) == 0 {
		return -1
	}
	d := h.heap[0].expires.Sub(h.now())
	if d <= 0 {
		return 0
	}
	// round up so a wait never returns just before the deadline
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	return ms
}

// NextTick runs the expired timers and returns the wait until the next one.
func (h *Heap) NextTick() int {
	h.RunExpired()
	return h.NextExpiry()
}

// Clear drops every timer.
func (h *Heap) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.heap = h.heap[:0]
	h.index = make(map[uint64]int)
}

// Len returns the number of live timers.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.heap)
}

// Has reports whether id has a live timer.
func (h *Heap) Has(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.index[id]
	return ok
}

func (h *Heap) removeAt(i int) {
	last := len(h.heap) - 1
	h.swap(i, last)
	delete(h.index, h.heap[last].id)
	h.heap[last] = entry{}
	h.heap = h.heap[:last]

	if i < last {
		if i > 0 && h.less(i, (i-1)/2) {
			h.up(i)
		} else {
			h.down(i)
		}
	}
}

func (h *Heap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *Heap) down(i int) {
	n := len(h.heap)
	for {
		smallest := i
		left, right := 2*i+1, 2*i+2
		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *Heap) less(i, j int) bool {
	return h.heap[i].expires.Before(h.heap[j].expires)
}

func (h *Heap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.index[h.heap[i].id] = i
	h.index[h.heap[j].id] = j
}
