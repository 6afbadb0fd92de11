package ratelimit

import (
	"time"

	"github.com/rotisserie/eris"
)

// ErrNoAccountsAvailable is returned when the account pool is empty.
var ErrNoAccountsAvailable = eris.New("ratelimit: no accounts available")

// PickAccount returns the account idle the longest. Accounts never used
// count as idle forever; ties keep pool order. The returned account is
// reserved until its next call completes, so concurrent callers spread over
// the pool instead of queueing on the same account.
func (s *Scheduler) PickAccount(pool []string) (string, error) {
	if len(pool) == 0 {
		return "", ErrNoAccountsAvailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	best := ""
	var bestIdle time.Duration
	bestFresh := false
	for _, account := range pool {
		last, seen := s.busySince(account)
		if !seen {
			if !bestFresh {
				best, bestFresh = account, true
			}
			continue
		}
		if bestFresh {
			continue
		}
		idle := now.Sub(last)
		if best == "" || idle > bestIdle {
			best, bestIdle = account, idle
		}
	}
	s.reserved[best] = now
	return best, nil
}

// busySince is the later of the account's last completed call and its
// outstanding reservation. Callers hold s.mu.
func (s *Scheduler) busySince(account string) (time.Time, bool) {
	last, seen := s.last[account]
	if r, ok := s.reserved[account]; ok && (!seen || r.After(last)) {
		return r, true
	}
	return last, seen
}
