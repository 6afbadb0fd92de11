// Package ratelimit spaces calls to the profile provider per external
// account and picks the account that has been idle the longest.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls the randomized inter-call delay.
type Config struct {
	// MinDelay and MaxDelay bound the uniformly drawn gap between two
	// calls on the same account.
	MinDelay time.Duration
	MaxDelay time.Duration

	// GlobalRPS optionally caps calls across all accounts. Zero disables it.
	GlobalRPS float64
}

// DefaultConfig returns the 2-8s window the provider tolerates.
func DefaultConfig() Config {
	return Config{
		MinDelay: 2 * time.Second,
		MaxDelay: 8 * time.Second,
	}
}

// Scheduler owns the last-call timestamps of every external account. One
// Scheduler is created per process and passed to whatever calls the
// provider.
type Scheduler struct {
	cfg    Config
	global *rate.Limiter

	mu       sync.Mutex
	last     map[string]time.Time
	reserved map[string]time.Time
	slots    map[string]chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	draw  func(lo, hi time.Duration) time.Duration
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	s := &Scheduler{
		cfg:      cfg,
		last:     make(map[string]time.Time),
		reserved: make(map[string]time.Time),
		slots:    make(map[string]chan struct{}),
		now:      time.Now,
		sleep:    sleepCtx,
		draw:     uniform,
	}
	if cfg.GlobalRPS > 0 {
		s.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1)
	}
	return s
}

// Turn is the right to make one call on an account. Done must be called
// exactly once when the call finishes, whatever its outcome.
type Turn struct {
	s       *Scheduler
	account string
	once    sync.Once
}

// Done records the call completion and releases the account.
func (t *Turn) Done() {
	t.once.Do(func() {
		t.s.complete(t.account)
	})
}

// AwaitTurn blocks until at least D has elapsed since the last completed
// call on account, D being drawn from [MinDelay, MaxDelay] on every
// invocation. Callers for the same account are serialized: the wait is
// re-checked after the account slot is acquired, immediately before the
// call is allowed to proceed.
func (s *Scheduler) AwaitTurn(ctx context.Context, account string) (*Turn, error) {
	slot := s.slot(account)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	delay := s.draw(s.cfg.MinDelay, s.cfg.MaxDelay)
	s.mu.Lock()
	last, seen := s.last[account]
	s.mu.Unlock()

	if seen {
		if wait := delay - s.now().Sub(last); wait > 0 {
			zap.L().Debug("ratelimit: waiting for account",
				zap.String("account", account),
				zap.Duration("wait", wait),
			)
			if err := s.sleep(ctx, wait); err != nil {
				<-slot
				return nil, err
			}
		}
	}

	if s.global != nil {
		if err := s.global.Wait(ctx); err != nil {
			<-slot
			return nil, err
		}
	}

	return &Turn{s: s, account: account}, nil
}

// Do runs fn inside a turn for account. The slot is consumed even when fn
// fails.
func Do[T any](ctx context.Context, s *Scheduler, account string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	turn, err := s.AwaitTurn(ctx, account)
	if err != nil {
		return zero, err
	}
	defer turn.Done()
	return fn(ctx)
}

// LastCall returns the last completion time for account.
func (s *Scheduler) LastCall(account string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[account]
	return t, ok
}

func (s *Scheduler) complete(account string) {
	s.mu.Lock()
	now := s.now()
	if prev, ok := s.last[account]; !ok || now.After(prev) {
		s.last[account] = now
	}
	delete(s.reserved, account)
	slot := s.slots[account]
	s.mu.Unlock()
	<-slot
}

func (s *Scheduler) slot(account string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[account]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[account] = ch
	}
	return ch
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
