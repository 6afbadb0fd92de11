package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the scheduler sleeps.
type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFakeScheduler(cfg Config) (*Scheduler, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	s := NewScheduler(cfg)
	s.now = clk.now
	s.sleep = clk.sleep
	return s, clk
}

func TestAwaitTurn_FirstCallDoesNotWait(t *testing.T) {
	s, clk := newFakeScheduler(DefaultConfig())
	turn, err := s.AwaitTurn(context.Background(), "acct-1")
	require.NoError(t, err)
	turn.Done()
	assert.Empty(t, clk.slept)

	last, ok := s.LastCall("acct-1")
	assert.True(t, ok)
	assert.Equal(t, clk.now(), last)
}

func TestAwaitTurn_WaitsRemainingDelay(t *testing.T) {
	s, clk := newFakeScheduler(Config{MinDelay: 3 * time.Second, MaxDelay: 3 * time.Second})

	_, err := Do(context.Background(), s, "acct-1", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	clk.advance(time.Second)
	_, err = Do(context.Background(), s, "acct-1", func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)

	require.Len(t, clk.slept, 1)
	assert.Equal(t, 2*time.Second, clk.slept[0])
}

func TestAwaitTurn_DelayRedrawnEachCall(t *testing.T) {
	s, clk := newFakeScheduler(Config{MinDelay: 2 * time.Second, MaxDelay: 8 * time.Second})
	var draws []time.Duration
	s.draw = func(lo, hi time.Duration) time.Duration {
		d := uniform(lo, hi)
		draws = append(draws, d)
		return d
	}

	for i := 0; i < 20; i++ {
		_, err := Do(context.Background(), s, "acct-1", func(context.Context) (int, error) { return i, nil })
		require.NoError(t, err)
	}

	require.Len(t, draws, 20)
	for _, d := range draws {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
	for _, d := range clk.slept {
		assert.GreaterOrEqual(t, d, 2*time.Second)
	}
}

func TestAwaitTurn_FailedCallStillConsumesSlot(t *testing.T) {
	s, clk := newFakeScheduler(Config{MinDelay: 5 * time.Second, MaxDelay: 5 * time.Second})

	_, err := Do(context.Background(), s, "acct-1", func(context.Context) (int, error) {
		return 0, errors.New("provider down")
	})
	require.Error(t, err)

	_, err = Do(context.Background(), s, "acct-1", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	require.Len(t, clk.slept, 1)
	assert.Equal(t, 5*time.Second, clk.slept[0])
}

func TestAwaitTurn_AccountsAreIndependent(t *testing.T) {
	s, clk := newFakeScheduler(Config{MinDelay: 5 * time.Second, MaxDelay: 5 * time.Second})
	for _, acct := range []string{"a", "b", "c"} {
		_, err := Do(context.Background(), s, acct, func(context.Context) (int, error) { return 0, nil })
		require.NoError(t, err)
	}
	assert.Empty(t, clk.slept)
}

func TestAwaitTurn_ContextCancelledWhileQueued(t *testing.T) {
	s := NewScheduler(Config{})
	turn, err := s.AwaitTurn(context.Background(), "acct-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.AwaitTurn(ctx, "acct-1")
	assert.ErrorIs(t, err, context.Canceled)

	turn.Done()
	turn.Done()
	next, err := s.AwaitTurn(context.Background(), "acct-1")
	require.NoError(t, err)
	next.Done()
}

// Concurrent callers on one account are spaced by at least MinDelay.
func TestAwaitTurn_ConcurrentCallersAreSpaced(t *testing.T) {
	const minDelay = 30 * time.Millisecond
	s := NewScheduler(Config{MinDelay: minDelay, MaxDelay: 40 * time.Millisecond})

	type span struct{ start, end time.Time }
	var mu sync.Mutex
	var spans []span

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Do(context.Background(), s, "shared", func(context.Context) (int, error) {
				start := time.Now()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				spans = append(spans, span{start: start, end: time.Now()})
				mu.Unlock()
				return 0, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, spans, 4)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })
	for i := 1; i < len(spans); i++ {
		gap := spans[i].start.Sub(spans[i-1].end)
		assert.GreaterOrEqual(t, gap, minDelay, "calls %d and %d too close", i-1, i)
	}
}

func TestAwaitTurn_GlobalLimiter(t *testing.T) {
	s := NewScheduler(Config{GlobalRPS: 1000})
	require.NotNil(t, s.global)
	for _, acct := range []string{"a", "b"} {
		_, err := Do(context.Background(), s, acct, func(context.Context) (int, error) { return 0, nil })
		require.NoError(t, err)
	}
}

func TestPickAccount(t *testing.T) {
	s, clk := newFakeScheduler(Config{})

	_, err := s.PickAccount(nil)
	assert.ErrorIs(t, err, ErrNoAccountsAvailable)

	pool := []string{"a", "b", "c"}
	got, err := s.PickAccount(pool)
	require.NoError(t, err)
	assert.Equal(t, "a", got, "ties keep pool order")

	mark := func(acct string) {
		turn, err := s.AwaitTurn(context.Background(), acct)
		require.NoError(t, err)
		turn.Done()
	}

	mark("a")
	got, _ = s.PickAccount(pool)
	assert.Equal(t, "b", got, "unused accounts beat used ones")

	clk.advance(time.Second)
	mark("b")
	clk.advance(time.Second)
	mark("c")
	got, _ = s.PickAccount(pool)
	assert.Equal(t, "a", got, "a has been idle longest")

	clk.advance(time.Second)
	mark("a")
	got, _ = s.PickAccount(pool)
	assert.Equal(t, "b", got)
}

func TestPickAccount_ReservesUntilCallCompletes(t *testing.T) {
	s, clk := newFakeScheduler(Config{})
	pool := []string{"a", "b", "c"}

	var picked []string
	for range 3 {
		acct, err := s.PickAccount(pool)
		require.NoError(t, err)
		picked = append(picked, acct)
	}
	assert.Equal(t, []string{"a", "b", "c"}, picked, "picks before any call completes spread over the pool")

	clk.advance(time.Second)
	turn, err := s.AwaitTurn(context.Background(), "b")
	require.NoError(t, err)
	turn.Done()

	got, _ := s.PickAccount(pool)
	assert.Equal(t, "a", got, "a and c stay reserved from earlier; a wins the tie")
	got, _ = s.PickAccount(pool)
	assert.Equal(t, "c", got)
}
