package follow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/followswap/internal/domain"
)

// Sweeper periodically expires pending requests older than the TTL. Expiry
// does not refund the owner's spent point: the point buys queue visibility,
// consumed regardless of outcome.
type Sweeper struct {
	requests sweeperStore
	interval time.Duration
	now      func() time.Time
}

type sweeperStore interface {
	QueryPendingOlderThan(ctx context.Context, deadline time.Time) ([]domain.FollowRequest, error)
	MarkExpired(ctx context.Context, requestID string) error
}

func NewSweeper(requests sweeperStore, interval time.Duration, now func() time.Time) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{requests: requests, interval: interval, now: now}
}

// Run sweeps on a ticker until ctx is cancelled. One sweep runs immediately
// so a restarted process catches up without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep marks every overdue pending request expired. Idempotent: a request
// already resolved by a racing verify (or an earlier sweep) fails its
// conditional update and is skipped.
func (s *Sweeper) Sweep(ctx context.Context) {
	overdue, err := s.requests.QueryPendingOlderThan(ctx, s.now().UTC())
	if err != nil {
		slog.Warn("expiry sweep query failed", "err", err)
		return
	}
	expired := 0
	for _, fr := range overdue {
		if err := s.requests.MarkExpired(ctx, fr.RequestID); err != nil {
			if errors.Is(err, domain.ErrAlreadyResolved) {
				continue
			}
			slog.Warn("could not expire follow request", "request_id", fr.RequestID, "err", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		slog.Info("expired overdue follow requests", "count", expired)
	}
}
