package service

import (
	"context"
	"log/slog"
	"time"

	"digital-fulfillment/internal/repository"
)

const sweeperLockKey = "fulfillment:grant-sweeper"

type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Sweeper stamps expired_at on grants past their window. Expiry is always
// judged at access time; the stamp only feeds reporting.
type Sweeper struct {
	grantRepo repository.GrantRepository
	locker    Locker
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper accepts a nil locker for single-replica deployments.
func NewSweeper(grantRepo repository.GrantRepository, locker Locker, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		grantRepo: grantRepo,
		locker:    locker,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.WarnContext(ctx, "grant sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.locker != nil {
		ok, err := s.locker.TryAcquire(ctx, sweeperLockKey, s.interval)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
	}

	n, err := s.grantRepo.MarkExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired grants swept", "count", n)
	}
	return n, nil
}
