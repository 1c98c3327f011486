package service

import (
	"context"
	"log"
	"time"

	"backend/internal/model"
	"backend/internal/repository"
)

// DefaultSweepInterval is how often the sweeper scans for lapsed requests.
const DefaultSweepInterval = time.Hour

// Sweeper periodically closes out pending requests whose deadline passed.
// It is idempotent and shares no assumptions with the decision path: approve
// and reject re-check the deadline themselves, and whichever caller's atomic
// transition lands first is authoritative.
type Sweeper struct {
	store    repository.ApprovalStore
	audit    AuditService
	interval time.Duration
	now      func() time.Time
}

// SweeperOption customizes the sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the scan cadence.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweeperClock injects a time source for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(store repository.ApprovalStore, audit AuditService, options ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		audit:    audit,
		interval: DefaultSweepInterval,
		now:      time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Start runs the sweep loop until ctx is cancelled or the returned stop
// function is called.
func (s *Sweeper) Start(ctx context.Context) (stop func()) {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if n, err := s.SweepOnce(ctx); err != nil {
					log.Printf("sweeper: scan failed: %v", err)
				} else if n > 0 {
					log.Printf("sweeper: expired %d stale approval request(s)", n)
				}
			}
		}
	}()
	return func() { close(done) }
}

// SweepOnce expires every pending request whose deadline has passed and
// returns how many records this pass actually transitioned. Losing the
// per-record race to a concurrent decider is a no-op, not an error.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	stale, _, err := s.store.List(ctx, repository.ApprovalFilter{
		Status:         model.ApprovalPending,
		ExpiringBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range stale {
		decidedAt := s.now()
		swept, err := s.store.TransitionIfPending(ctx, req.ID, model.ApprovalExpired, func(r *model.ApprovalRequest) {
			r.DecidedAt = &decidedAt
		})
		if err != nil {
			// A decider or an eager expiry got there first.
			continue
		}
		expired++
		s.audit.Record(ctx, nil, "", model.ActionExpireRequest, swept.ID.String(), swept.Permission, map[string]interface{}{
			"permission": swept.Permission,
			"expires_at": swept.ExpiresAt.Format(time.RFC3339),
		})
	}
	return expired, nil
}
