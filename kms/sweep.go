package kms

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/federated-kms/interfaces"
	"github.com/ruteri/federated-kms/metrics"
)

// Sweeper deletes expired authentication requests, challenges and tokens.
// A failed sweep is logged and otherwise ignored.
type Sweeper struct {
	store interfaces.RecordStore
	log   *slog.Logger
	now   func() time.Time
}

func NewSweeper(store interfaces.RecordStore, log *slog.Logger, now func() time.Time) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, log: log, now: now}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) interfaces.SweepResult {
	res, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		s.log.Warn("expiry sweep failed", "err", err)
		metrics.SweepFailures.Inc()
		return res
	}

	metrics.SweptRecords.WithLabelValues("authn_request").Add(float64(res.AuthnRequests))
	metrics.SweptRecords.WithLabelValues("challenge").Add(float64(res.Challenges))
	metrics.SweptRecords.WithLabelValues("token").Add(float64(res.Tokens))
	if res.Total() > 0 {
		s.log.Debug("expired records deleted", "authnRequests", res.AuthnRequests, "challenges", res.Challenges, "tokens", res.Tokens)
	}
	return res
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
