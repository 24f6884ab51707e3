package sweep

import (
	"context"
	"log"
	"time"

	"reading-request-bank/internal/lease"
	"reading-request-bank/internal/models"
	"reading-request-bank/internal/telemetry"
)

// Store is the read side the sweeper scans for overdue leases.
type Store interface {
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.ReadingRequest, error)
}

// Sweeper reclaims leases whose deadline has passed. It releases each one
// through the manager's normal path, so a fulfillment landing in the same
// instant races it through the store's CAS and one of the two simply wins.
// Multiple sweeper instances are safe for the same reason.
type Sweeper struct {
	store     Store
	manager   *lease.Manager
	interval  time.Duration
	batchSize int
}

// New builds a sweeper scanning every interval, at most batchSize records per tick.
func New(st Store, m *lease.Manager, interval time.Duration, batchSize int) *Sweeper {
	return &Sweeper{store: st, manager: m, interval: interval, batchSize: batchSize}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		reclaimed, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("sweep scan: %v", err)
		}
		if reclaimed > 0 {
			log.Printf("sweep reclaimed %d expired leases", reclaimed)
		}
	}
}

// SweepOnce runs a single scan and returns how many leases were reclaimed.
// A failure on one record is logged and skipped; it never halts the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	overdue, err := s.store.ListExpiredLeases(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, req := range overdue {
		holder := ""
		if req.ClaimedBy != nil {
			holder = *req.ClaimedBy
		}
		rec, err := s.manager.Release(ctx, req.ID, holder, models.ReasonExpired)
		if err != nil {
			telemetry.SweepErrors.Inc()
			log.Printf("sweep release %s: %v", req.ID, err)
			continue
		}
		if rec.Status != models.StatusAvailable {
			// The lease was re-taken between scan and release; the manager
			// declined the stale reclaim.
			continue
		}
		telemetry.SweepReclaims.Inc()
		reclaimed++
	}
	return reclaimed, nil
}
