package timer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeHeap() (*Heap, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	h := New()
	h.now = clock.now
	return h, clock
}

// checkHeap verifies the heap property and the id index by full traversal.
func checkHeap(t *testing.T, h *Heap) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	require.Equal(t, len(h.heap), len(h.index))
	for i, e := range h.heap {
		require.Equal(t, i, h.index[e.id], "index of id %d", e.id)
		if i > 0 {
			parent := (i - 1) / 2
			require.False(t, h.heap[i].expires.Before(h.heap[parent].expires),
				"entry %d expires before its parent %d", i, parent)
		}
	}
}

func minExpiry(h *Heap) time.Time {
	var earliest time.Time
	for i, e := range h.heap {
		if i == 0 || e.expires.Before(earliest) {
			earliest = e.expires
		}
	}
	return earliest
}

func TestPeekTracksMinimumForAnyInsertionOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		h, clock := newFakeHeap()
		ids := rng.Perm(50)
		for _, id := range ids {
			timeout := time.Duration(rng.Intn(1000)+1) * time.Millisecond
			require.NoError(t, h.Add(uint64(id), timeout, nil))
			checkHeap(t, h)

			want := int(minExpiry(h).Sub(clock.now()) / time.Millisecond)
			assert.Equal(t, want, h.NextExpiry())
		}
	}
}

func TestAddDuplicateIsRejected(t *testing.T) {
	h, _ := newFakeHeap()
	require.NoError(t, h.Add(1, time.Second, nil))
	assert.ErrorIs(t, h.Add(1, time.Millisecond, nil), ErrTimerExists)
	assert.Equal(t, 1000, h.NextExpiry())
	assert.Equal(t, 1, h.Len())
}

func TestUpdateSiftsBothDirections(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h, clock := newFakeHeap()
	for id := 0; id < 64; id++ {
		require.NoError(t, h.Add(uint64(id), time.Duration(rng.Intn(500)+1)*time.Millisecond, nil))
	}
	for i := 0; i < 500; i++ {
		id := uint64(rng.Intn(64))
		require.NoError(t, h.Update(id, time.Duration(rng.Intn(500)+1)*time.Millisecond))
		checkHeap(t, h)
		if i%50 == 0 {
			clock.advance(time.Millisecond)
		}
	}
	assert.ErrorIs(t, h.Update(1000, time.Second), ErrTimerNotFound)
}

func TestRemoveArbitraryKeepsHeapProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	h, _ := newFakeHeap()
	for id := 0; id < 100; id++ {
		require.NoError(t, h.Add(uint64(id), time.Duration(rng.Intn(1000)+1)*time.Millisecond, nil))
	}
	for _, id := range rng.Perm(100) {
		assert.True(t, h.Remove(uint64(id)))
		checkHeap(t, h)
	}
	assert.False(t, h.Remove(5))
	assert.Equal(t, -1, h.NextExpiry())
}

func TestRunExpiredOrderAndSelection(t *testing.T) {
	h, clock := newFakeHeap()
	var fired []uint64
	for _, tc := range []struct {
		id uint64
		ms int
	}{{1, 30}, {2, 10}, {3, 50}, {4, 20}, {5, 100}} {
		id := tc.id
		require.NoError(t, h.Add(id, time.Duration(tc.ms)*time.Millisecond, func() {
			fired = append(fired, id)
		}))
	}

	clock.advance(30 * time.Millisecond)
	assert.Equal(t, 3, h.RunExpired())
	assert.Equal(t, []uint64{2, 4, 1}, fired)
	assert.Equal(t, 20, h.NextExpiry())
	checkHeap(t, h)

	clock.advance(100 * time.Millisecond)
	h.RunExpired()
	assert.Equal(t, []uint64{2, 4, 1, 3, 5}, fired)
	assert.Equal(t, -1, h.NextExpiry())
}

func TestCallbackMayRemoveOtherTimers(t *testing.T) {
	h, clock := newFakeHeap()
	require.NoError(t, h.Add(1, time.Millisecond, func() { h.Remove(2) }))
	require.NoError(t, h.Add(2, time.Hour, nil))

	clock.advance(time.Millisecond)
	assert.Equal(t, 1, h.RunExpired())
	assert.Equal(t, 0, h.Len())
}

func TestNextTickRunsExpired(t *testing.T) {
	h, clock := newFakeHeap()
	ran := 0
	require.NoError(t, h.Add(1, 10*time.Millisecond, func() { ran++ }))
	require.NoError(t, h.Add(2, 40*time.Millisecond, func() { ran++ }))

	clock.advance(15 * time.Millisecond)
	assert.Equal(t, 25, h.NextTick())
	assert.Equal(t, 1, ran)
}

func TestClear(t *testing.T) {
	h, _ := newFakeHeap()
	require.NoError(t, h.Add(1, time.Second, nil))
	require.NoError(t, h.Add(2, time.Second, nil))
	h.Clear()
	assert.Equal(t, 0, h.Len())
	assert.False(t, h.Has(1))
	require.NoError(t, h.Add(1, time.Second, nil))
}

func TestRealClockExpiry(t *testing.T) {
	h := New()
	calls := 0
	require.NoError(t, h.Add(1, 100*time.Millisecond, func() { calls++ }))

	next := h.NextExpiry()
	assert.GreaterOrEqual(t, next, 95)
	assert.LessOrEqual(t, next, 100)

	time.Sleep(150 * time.Millisecond)
	h.RunExpired()
	assert.Equal(t, 1, calls)
	assert.Equal(t, -1, h.NextExpiry())
}
