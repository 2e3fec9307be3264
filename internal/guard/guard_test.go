package guard

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(timeout time.Duration) (*Guard, *ManualClock) {
	clock := NewManualClock()
	return New(timeout, WithClock(clock)), clock
}

func TestTryStartIsMutuallyExclusive(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(time.Second)

	first := g.TryStart(1, 100, nil)
	require.NotNil(t, first)
	assert.True(t, g.IsInFlight(1))

	assert.Nil(t, g.TryStart(1, 101, nil), "second start must be rejected while in flight")

	other := g.TryStart(2, 102, nil)
	assert.NotNil(t, other, "other conversations are independent")

	g.Finish(1)
	assert.False(t, g.IsInFlight(1))
	assert.NotNil(t, g.TryStart(1, 103, nil))
}

func TestTimeoutFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	g, clock := newTestGuard(1000 * time.Millisecond)

	var calls int32
	var got TimeoutInfo
	tok := g.TryStart(1, 100, func(info TimeoutInfo) {
		atomic.AddInt32(&calls, 1)
		got = info
	})
	require.NotNil(t, tok)

	clock.Advance(999 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.False(t, tok.Cancelled())

	clock.Advance(time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.True(t, tok.Cancelled())
	assert.Equal(t, TimeoutInfo{ReplyTo: 100}, got)

	clock.Advance(10 * time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	assert.NotNil(t, g.TryStart(1, 101, nil), "entry must be cleared by the timeout")
}

func TestTimeoutCarriesLatestSessionID(t *testing.T) {
	t.Parallel()
	g, clock := newTestGuard(time.Second)

	var got TimeoutInfo
	tok := g.TryStart(7, 70, func(info TimeoutInfo) { got = info })
	g.SetSessionID(7, tok, "sess-7")

	clock.Advance(time.Second)
	assert.Equal(t, "sess-7", got.SessionID)
	assert.Equal(t, 70, got.ReplyTo)
}

func TestAbortReturnsStateAndSuppressesTimeout(t *testing.T) {
	t.Parallel()
	g, clock := newTestGuard(time.Second)

	fired := false
	tok := g.TryStart(1, 200, func(TimeoutInfo) { fired = true })
	require.NotNil(t, tok)
	g.SetSessionID(1, tok, "sess-1")

	res, ok := g.Abort(1)
	require.True(t, ok)
	assert.Equal(t, 200, res.ReplyTo)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Same(t, tok, res.Token)
	assert.True(t, tok.Cancelled())
	assert.False(t, g.IsInFlight(1))

	clock.Advance(2 * time.Second)
	assert.False(t, fired)

	_, ok = g.Abort(1)
	assert.False(t, ok)
}

func TestStaleTimerDoesNotFireOnNewerEntry(t *testing.T) {
	t.Parallel()
	clock := NewManualClock()
	g := New(time.Second, WithClock(clock))

	var firstFired, secondFired int
	first := g.TryStart(1, 1, func(TimeoutInfo) { firstFired++ })
	require.NotNil(t, first)
	g.Finish(1)

	clock.Advance(500 * time.Millisecond)
	second := g.TryStart(1, 2, func(TimeoutInfo) { secondFired++ })
	require.NotNil(t, second)

	// The first entry's deadline passes while the second is live.
	clock.Advance(600 * time.Millisecond)
	assert.Zero(t, firstFired)
	assert.Zero(t, secondFired)
	assert.False(t, second.Cancelled())
	assert.True(t, g.IsInFlight(1))

	clock.Advance(400 * time.Millisecond)
	assert.Equal(t, 1, secondFired)
}

func TestStaleTimerCallbackIgnoredWhenEntryReplaced(t *testing.T) {
	t.Parallel()
	g := New(time.Second, WithClock(NewManualClock()))

	first := g.TryStart(1, 1, nil)
	g.Finish(1)
	second := g.TryStart(1, 2, nil)

	called := false
	g.fire(1, first, func(TimeoutInfo) { called = true })

	assert.False(t, called)
	assert.False(t, second.Cancelled())
	assert.True(t, g.IsInFlight(1))
}

func TestSetSessionIDIgnoresStaleToken(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(time.Second)

	stale := g.TryStart(1, 1, nil)
	g.Finish(1)
	live := g.TryStart(1, 2, nil)

	g.SetSessionID(1, stale, "old")
	res, ok := g.Abort(1)
	require.True(t, ok)
	assert.Same(t, live, res.Token)
	assert.Empty(t, res.SessionID)
}

func TestFinishIsIdempotent(t *testing.T) {
	t.Parallel()
	g, clock := newTestGuard(time.Second)

	fired := false
	g.TryStart(1, 1, func(TimeoutInfo) { fired = true })
	g.Finish(1)
	g.Finish(1)
	g.Finish(99)

	clock.Advance(time.Minute)
	assert.False(t, fired)
	assert.Zero(t, clock.Pending())
}

func TestReleaseOnlyRemovesOwnEntry(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(time.Second)

	old := g.TryStart(1, 1, nil)
	g.Finish(1)
	current := g.TryStart(1, 2, nil)

	assert.False(t, g.Release(1, old))
	assert.True(t, g.IsInFlight(1))
	assert.True(t, g.Release(1, current))
	assert.False(t, g.IsInFlight(1))
}

func TestInFlightSorted(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(time.Second)
	g.TryStart(30, 1, nil)
	g.TryStart(-5, 1, nil)
	g.TryStart(12, 1, nil)
	assert.Equal(t, []int64{-5, 12, 30}, g.InFlight())
}

func TestConcurrentTryStartSingleWinner(t *testing.T) {
	t.Parallel()
	g := New(time.Minute)

	const workers = 64
	var wins int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if g.TryStart(42, 1, nil) != nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	g.Finish(42)
	assert.EqualValues(t, 1, wins)
}

func TestRealClockTimeout(t *testing.T) {
	t.Parallel()
	g := New(20 * time.Millisecond)

	done := make(chan TimeoutInfo, 1)
	tok := g.TryStart(5, 50, func(info TimeoutInfo) { done <- info })
	require.NotNil(t, tok)

	select {
	case info := <-done:
		assert.Equal(t, 50, info.ReplyTo)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback did not fire")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("token not cancelled after timeout")
	}
}
