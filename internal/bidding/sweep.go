package bidding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/observability"
	"github.com/example/rideshare-core/internal/storage"
)

// ExpireStale persists the expiry of pending bids whose deadline has passed.
// Reads already treat those bids as expired; this only catches storage up.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		n, err = tx.ExpirePendingBids(ctx, s.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.BidsTotal.WithLabelValues("expired").Add(float64(n))
	}
	return n, nil
}

// RunExpirySweep calls ExpireStale every interval until ctx is done.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireStale(ctx)
			if err != nil {
				s.logger.Warn("bid expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired stale bids", zap.Int64("count", n))
			}
		}
	}
}
