package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reading-request-bank/internal/models"
	"reading-request-bank/internal/store"
	"reading-request-bank/internal/telemetry"
)

// Store is the subset of the request store the manager drives. Every state
// change goes through Transition; there is no other write path.
type Store interface {
	GetByID(ctx context.Context, id string) (models.ReadingRequest, error)
	Transition(ctx context.Context, id, expected, reason string, mutate func(*models.ReadingRequest) error) (models.ReadingRequest, error)
}

// PaymentAuthorizer is the external authorize-and-charge collaborator
// consulted after an optimistic claim. A non-nil error rolls the claim back.
type PaymentAuthorizer interface {
	Authorize(ctx context.Context, requestID, fulfillerID string, amount int64) error
}

// Manager owns the claim/release/fulfill state machine. It holds no locks of
// its own; per-record atomicity comes entirely from the store's Transition.
type Manager struct {
	store         Store
	payments      PaymentAuthorizer
	leaseDuration time.Duration

	now func() time.Time
}

// NewManager builds a manager. payments may be nil when no authorization
// collaborator is configured (claims then succeed without the check).
func NewManager(st Store, payments PaymentAuthorizer, leaseDuration time.Duration) *Manager {
	return &Manager{
		store:         st,
		payments:      payments,
		leaseDuration: leaseDuration,
		now:           time.Now,
	}
}

// Claim reserves an available request exclusively for fulfillerID until
// now + lease duration. Under concurrent claims exactly one caller wins; the
// rest get ErrConflict. If the payment collaborator declines after the claim
// is taken, the claim is rolled back through the release path and
// ErrPaymentDeclined is returned, never an orphaned lease.
func (m *Manager) Claim(ctx context.Context, requestID, fulfillerID string) (models.ReadingRequest, error) {
	now := m.now().UTC()
	deadline := now.Add(m.leaseDuration)

	rec, err := m.store.Transition(ctx, requestID, models.StatusAvailable, "", func(r *models.ReadingRequest) error {
		if r.PastTTL(now) {
			return ErrRequestExpired
		}
		r.Status = models.StatusClaimed
		r.ClaimedBy = &fulfillerID
		r.ClaimedAt = &now
		r.ClaimDeadline = &deadline
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			telemetry.ClaimConflicts.Inc()
			return rec, fmt.Errorf("claim %s: %w", requestID, ErrConflict)
		}
		if errors.Is(err, store.ErrNotFound) {
			return models.ReadingRequest{}, ErrNotFound
		}
		return rec, err
	}

	if m.payments != nil {
		if authErr := m.payments.Authorize(ctx, requestID, fulfillerID, rec.Price); authErr != nil {
			telemetry.PaymentDeclines.Inc()
			if _, rbErr := m.Release(ctx, requestID, fulfillerID, models.ReasonVoluntary); rbErr != nil {
				return models.ReadingRequest{}, fmt.Errorf("rollback after declined authorization: %v: %w", rbErr, ErrPaymentDeclined)
			}
			return models.ReadingRequest{}, fmt.Errorf("%v: %w", authErr, ErrPaymentDeclined)
		}
	}

	telemetry.ClaimsGranted.Inc()
	return rec, nil
}

// errLeaseStillActive vetoes an expired-reason release of a lease whose
// deadline has not passed. Seen when a sweeper acts on a stale scan: the
// original lease was released and re-claimed in between, and the fresh lease
// must stand.
var errLeaseStillActive = errors.New("lease deadline not passed")

// Release gives a claimed request back to the pool. reason is
// models.ReasonVoluntary for the holder giving it up and models.ReasonExpired
// for the sweeper; only the expired path may release a lease it does not
// hold, and only a lease that is actually past its deadline at the time of
// the CAS. Releasing a request that is already available, or asking for an
// expired release of a lease that turns out to be live, is a no-op success,
// since holders legitimately race the sweeper.
func (m *Manager) Release(ctx context.Context, requestID, fulfillerID, reason string) (models.ReadingRequest, error) {
	now := m.now().UTC()
	rec, err := m.store.Transition(ctx, requestID, models.StatusClaimed, reason, func(r *models.ReadingRequest) error {
		if reason == models.ReasonExpired {
			// Re-check inside the critical section: the scan that found
			// this lease overdue may be stale by now.
			if r.ClaimDeadline == nil || !now.After(*r.ClaimDeadline) {
				return errLeaseStillActive
			}
		} else if r.ClaimedBy == nil || *r.ClaimedBy != fulfillerID {
			return ErrForbidden
		}
		r.Status = models.StatusAvailable
		r.ClaimedBy = nil
		r.ClaimedAt = nil
		r.ClaimDeadline = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, errLeaseStillActive) {
			return rec, nil
		}
		if errors.Is(err, store.ErrStatusConflict) {
			if rec.Status == models.StatusAvailable {
				// Already released, likely by the sweeper. Idempotent.
				return rec, nil
			}
			return rec, fmt.Errorf("release %s: %w", requestID, ErrConflict)
		}
		if errors.Is(err, store.ErrNotFound) {
			return models.ReadingRequest{}, ErrNotFound
		}
		return rec, err
	}

	telemetry.Releases.WithLabelValues(reason).Inc()
	return rec, nil
}

// Fulfill completes a claimed request. Only the current holder may fulfill.
// A passed deadline does not by itself block fulfillment: if this call
// reaches the store before the sweeper's release, the work is accepted; the
// CAS picks the winner either way. Lease fields are retained for audit.
func (m *Manager) Fulfill(ctx context.Context, requestID, fulfillerID string, payload map[string]any) (models.ReadingRequest, error) {
	now := m.now().UTC()

	rec, err := m.store.Transition(ctx, requestID, models.StatusClaimed, "", func(r *models.ReadingRequest) error {
		if r.ClaimedBy == nil || *r.ClaimedBy != fulfillerID {
			return ErrForbidden
		}
		r.Status = models.StatusFulfilled
		r.FulfilledAt = &now
		r.FulfillmentPayload = payload
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return rec, fmt.Errorf("fulfill %s: %w", requestID, ErrConflict)
		}
		if errors.Is(err, store.ErrNotFound) {
			return models.ReadingRequest{}, ErrNotFound
		}
		return rec, err
	}

	telemetry.Fulfillments.Inc()
	return rec, nil
}

// Cancel withdraws an available request. It exists for the seeker-side
// collaborator; a claimed request cannot be cancelled out from under its
// holder here.
func (m *Manager) Cancel(ctx context.Context, requestID string) (models.ReadingRequest, error) {
	rec, err := m.store.Transition(ctx, requestID, models.StatusAvailable, "", func(r *models.ReadingRequest) error {
		r.Status = models.StatusCancelled
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return rec, fmt.Errorf("cancel %s: %w", requestID, ErrConflict)
		}
		if errors.Is(err, store.ErrNotFound) {
			return models.ReadingRequest{}, ErrNotFound
		}
		return rec, err
	}
	return rec, nil
}
