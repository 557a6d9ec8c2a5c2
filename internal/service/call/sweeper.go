package call

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/repository"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/logger"
)

const sweepBatchSize = 100

// RunSweeper expires stale calls every interval until ctx is done
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				logger.Warn("Call sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepExpired marks calls that rang longer than the ring timeout as missed
// and ends active calls that outlived the maximum call duration. It returns
// how many calls it changed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	changed := 0

	if s.cfg.RingTimeout > 0 {
		stale, err := s.repo.ListStale(ctx,
			[]domain.CallStatus{domain.CallStatusPending, domain.CallStatusAccepted},
			now.Add(-s.cfg.RingTimeout), sweepBatchSize)
		if err != nil {
			return changed, err
		}
		for _, c := range stale {
			updated, ok, err := s.expire(ctx, c, domain.CallStatusMissed)
			if err != nil {
				return changed, err
			}
			if !ok {
				continue
			}
			changed++
			if s.notifier != nil {
				err := s.notifier.NotifyMissedCall(ctx, updated)
				s.recordPush("missed", err)
				if err != nil {
					logger.Warn("Failed to send missed call notification",
						zap.String("call_id", updated.ID.String()),
						zap.Error(err))
				}
			}
		}
	}

	overdue, err := s.repo.ListStale(ctx,
		[]domain.CallStatus{domain.CallStatusActive},
		now.Add(-constants.MaxCallDuration), sweepBatchSize)
	if err != nil {
		return changed, err
	}
	for _, c := range overdue {
		_, ok, err := s.expire(ctx, c, domain.CallStatusEnded)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}

	if changed > 0 {
		logger.Info("Expired stale calls", zap.Int("count", changed))
	}
	return changed, nil
}

// expire moves c to status unless a participant changed it first
func (s *Service) expire(ctx context.Context, c *domain.CallSession, status domain.CallStatus) (*domain.CallSession, bool, error) {
	now := s.now().UTC()
	var duration *int
	if c.Status == domain.CallStatusActive {
		d := c.ElapsedSeconds(now)
		duration = &d
	}

	updated, err := s.repo.UpdateStatus(ctx, c.ID, c.Status, status, &now, duration)
	if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if s.metrics != nil {
		s.metrics.RecordCallExpired()
	}
	s.changed(ctx, c.Status, updated)
	return updated, true, nil
}
