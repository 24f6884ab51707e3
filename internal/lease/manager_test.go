package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reading-request-bank/internal/models"
	"reading-request-bank/internal/query"
	"reading-request-bank/internal/store"
)

func newTestRequest(t *testing.T, st *store.Memory) models.ReadingRequest {
	t.Helper()
	req, err := st.Create(context.Background(), store.CreateParams{
		Category:        models.CategoryTarot,
		SpreadType:      "celtic-cross",
		Topic:           "career",
		Requester:       "seeker@example.com",
		Price:           2500,
		PlatformFee:     500,
		FulfillerPayout: 2000,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestClaimReleaseReclaim(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, 24*time.Hour)
	req := newTestRequest(t, st)

	claimed, err := m.Claim(ctx, req.ID, "f1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != models.StatusClaimed || claimed.ClaimedBy == nil || *claimed.ClaimedBy != "f1" {
		t.Fatalf("unexpected record after claim: %+v", claimed)
	}

	if _, err := m.Claim(ctx, req.ID, "f2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}

	released, err := m.Release(ctx, req.ID, "f1", models.ReasonVoluntary)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != models.StatusAvailable {
		t.Fatalf("expected available after release, got %s", released.Status)
	}

	if _, err := m.Claim(ctx, req.ID, "f2"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, 24*time.Hour)
	req := newTestRequest(t, st)

	const claimants = 32
	errs := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.Claim(ctx, req.ID, string(rune('a'+n%26)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	if conflicts != claimants-1 {
		t.Fatalf("expected %d conflicts, got %d", claimants-1, conflicts)
	}
}

func TestLeaseFieldsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, time.Hour)
	req := newTestRequest(t, st)

	if req.ClaimedBy != nil || req.ClaimedAt != nil || req.ClaimDeadline != nil {
		t.Fatalf("fresh request must not carry lease fields: %+v", req)
	}

	claimed, err := m.Claim(ctx, req.ID, "f1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ClaimedBy == nil || claimed.ClaimedAt == nil || claimed.ClaimDeadline == nil {
		t.Fatalf("claimed request must carry the full lease triple: %+v", claimed)
	}
	wantDeadline := claimed.ClaimedAt.Add(time.Hour)
	if !claimed.ClaimDeadline.Equal(wantDeadline) {
		t.Fatalf("deadline = %s, want %s", claimed.ClaimDeadline, wantDeadline)
	}

	released, err := m.Release(ctx, req.ID, "f1", models.ReasonVoluntary)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.ClaimedBy != nil || released.ClaimedAt != nil || released.ClaimDeadline != nil {
		t.Fatalf("released request must not carry lease fields: %+v", released)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, time.Hour)
	req := newTestRequest(t, st)

	if _, err := m.Claim(ctx, req.ID, "f1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.Release(ctx, req.ID, "f1", models.ReasonVoluntary); err != nil {
		t.Fatalf("first release: %v", err)
	}
	rec, err := m.Release(ctx, req.ID, "f1", models.ReasonVoluntary)
	if err != nil {
		t.Fatalf("second release should be a no-op success, got %v", err)
	}
	if rec.Status != models.StatusAvailable {
		t.Fatalf("expected available, got %s", rec.Status)
	}
}

func TestReleaseForbiddenForNonHolder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, time.Hour)
	req := newTestRequest(t, st)

	if _, err := m.Claim(ctx, req.ID, "f1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.Release(ctx, req.ID, "f2", models.ReasonVoluntary); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	rec, err := st.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != models.StatusClaimed || rec.ClaimedBy == nil || *rec.ClaimedBy != "f1" {
		t.Fatalf("forbidden release must not disturb the lease: %+v", rec)
	}
}

func TestExpiredReleaseBypassesHolderCheckOncePastDeadline(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, time.Millisecond)
	req := newTestRequest(t, st)

	if _, err := m.Claim(ctx, req.ID, "f1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// The sweeper identity path bypasses the holder check for overdue leases.
	rec, err := m.Release(ctx, req.ID, "", models.ReasonExpired)
	if err != nil {
		t.Fatalf("expired release: %v", err)
	}
	if rec.Status != models.StatusAvailable {
		t.Fatalf("expected available after expired release, got %s", rec.Status)
	}
}

func TestStaleExpiredReleaseLeavesFreshLease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	short := NewManager(st, nil, time.Millisecond)
	long := NewManager(st, nil, time.Hour)
	req := newTestRequest(t, st)

	// f1's lease runs out, a sweeper scan picks it up, but before the
	// release lands f1 gives the request back and f2 takes a fresh lease.
	if _, err := short.Claim(ctx, req.ID, "f1"); err != nil {
		t.Fatalf("claim f1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := short.Release(ctx, req.ID, "f1", models.ReasonVoluntary); err != nil {
		t.Fatalf("voluntary release: %v", err)
	}
	reclaimed, err := long.Claim(ctx, req.ID, "f2")
	if err != nil {
		t.Fatalf("claim f2: %v", err)
	}

	// The stale expired release is a no-op success, not a revocation.
	rec, err := long.Release(ctx, req.ID, "f1", models.ReasonExpired)
	if err != nil {
		t.Fatalf("stale expired release: %v", err)
	}
	if rec.Status != models.StatusClaimed || rec.ClaimedBy == nil || *rec.ClaimedBy != "f2" {
		t.Fatalf("fresh lease revoked by stale sweep: %+v", rec)
	}
	if rec.ClaimDeadline == nil || !rec.ClaimDeadline.Equal(*reclaimed.ClaimDeadline) {
		t.Fatalf("fresh deadline disturbed: %+v", rec)
	}

	cur, err := st.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != models.StatusClaimed || *cur.ClaimedBy != "f2" {
		t.Fatalf("persisted state disturbed by stale sweep: %+v", cur)
	}
}

func TestFulfillLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, time.Hour)
	req := newTestRequest(t, st)

	if _, err := m.Claim(ctx, req.ID, "f1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	payload := map[string]any{"interpretation": "the tower, reversed"}
	done, err := m.Fulfill(ctx, req.ID, "f1", payload)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if done.Status != models.StatusFulfilled || done.FulfilledAt == nil {
		t.Fatalf("unexpected record after fulfill: %+v", done)
	}
	if done.FulfillmentPayload["interpretation"] != "the tower, reversed" {
		t.Fatalf("payload not stored: %+v", done.FulfillmentPayload)
	}
	// Lease fields stay for audit.
	if done.ClaimedBy == nil || *done.ClaimedBy != "f1" {
		t.Fatalf("fulfilled record should retain claimant: %+v", done)
	}

	if _, err := m.Fulfill(ctx, req.ID, "f1", payload); !errors.Is(err, ErrConflict) {
		t.Fatalf("second fulfill should conflict, got %v", err)
	}
}

func TestFulfillForbiddenForNonHolder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, time.Hour)
	req := newTestRequest(t, st)

	if _, err := m.Claim(ctx, req.ID, "f1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.Fulfill(ctx, req.ID, "f2", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	rec, err := st.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != models.StatusClaimed {
		t.Fatalf("failed fulfill must not change state, got %s", rec.Status)
	}
}

func TestClaimPastHardTTL(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, time.Hour)

	past := time.Now().UTC().Add(-time.Minute)
	req, err := st.Create(ctx, store.CreateParams{
		Category:  models.CategoryAstrology,
		Price:     1000,
		ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Claim(ctx, req.ID, "f1"); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	rec, _ := st.GetByID(ctx, req.ID)
	if rec.Status != models.StatusAvailable {
		t.Fatalf("TTL rejection must not change state, got %s", rec.Status)
	}
}

type declineAll struct{}

func (declineAll) Authorize(ctx context.Context, requestID, fulfillerID string, amount int64) error {
	return errors.New("card declined")
}

func TestPaymentDeclineRollsBackClaim(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, declineAll{}, time.Hour)
	req := newTestRequest(t, st)

	if _, err := m.Claim(ctx, req.ID, "f1"); !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected payment declined, got %v", err)
	}

	rec, err := st.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != models.StatusAvailable || rec.ClaimedBy != nil {
		t.Fatalf("declined claim must be rolled back to available: %+v", rec)
	}

	// The rolled-back request is back in the browsable pool.
	page, err := query.NewFacade(st).ListAvailable(ctx, query.Filter{}, 50, 0)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	found := false
	for _, item := range page.Items {
		if item.ID == req.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("rolled-back request missing from available pool: %+v", page.Items)
	}

	// And the request is claimable again, including by someone else.
	if _, err := NewManager(st, nil, time.Hour).Claim(ctx, req.ID, "f2"); err != nil {
		t.Fatalf("claim after rollback: %v", err)
	}
}

func TestClaimNotFound(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, nil, time.Hour)
	if _, err := m.Claim(context.Background(), "no-such-id", "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelOnlyFromAvailable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil, time.Hour)
	req := newTestRequest(t, st)

	if _, err := m.Claim(ctx, req.ID, "f1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.Cancel(ctx, req.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel of a claimed request should conflict, got %v", err)
	}

	if _, err := m.Release(ctx, req.ID, "f1", models.ReasonVoluntary); err != nil {
		t.Fatalf("release: %v", err)
	}
	rec, err := m.Cancel(ctx, req.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
}
