package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reading-request-bank/internal/models"
)

// Memory implements the same contract as Postgres against process-local
// state. It backs tests and single-process development runs; the Transition
// semantics (status guard, one staged event per change) are identical.
type Memory struct {
	mu       sync.Mutex
	requests map[string]models.ReadingRequest
	events   []OutboxEvent
	nextID   int64
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{requests: make(map[string]models.ReadingRequest), nextID: 1}
}

func (s *Memory) Create(ctx context.Context, p CreateParams) (models.ReadingRequest, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	req := models.ReadingRequest{
		ID:              uuid.New().String(),
		Category:        p.Category,
		SpreadType:      p.SpreadType,
		Topic:           p.Topic,
		Requester:       p.Requester,
		Payload:         p.Payload,
		Price:           p.Price,
		PlatformFee:     p.PlatformFee,
		FulfillerPayout: p.FulfillerPayout,
		Status:          models.StatusAvailable,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       p.ExpiresAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	s.stage(req.ID, req.Status, "", req.CreatedAt)
	return req, nil
}

func (s *Memory) GetByID(ctx context.Context, id string) (models.ReadingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return models.ReadingRequest{}, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *Memory) Transition(ctx context.Context, id, expected, reason string, mutate func(*models.ReadingRequest) error) (models.ReadingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.requests[id]
	if !ok {
		return models.ReadingRequest{}, ErrNotFound
	}
	if cur.Status != expected {
		return cloneRequest(cur), fmt.Errorf("request %s is %s, expected %s: %w", id, cur.Status, expected, ErrStatusConflict)
	}

	next := cloneRequest(cur)
	if err := mutate(&next); err != nil {
		return cloneRequest(cur), err
	}
	s.requests[id] = next
	s.stage(id, next.Status, reason, time.Now().UTC())
	return cloneRequest(next), nil
}

func (s *Memory) ListByStatus(ctx context.Context, status string) ([]models.ReadingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ReadingRequest
	for _, req := range s.requests {
		if req.Status == status {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) ListClaimedBy(ctx context.Context, fulfillerID string) ([]models.ReadingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ReadingRequest
	for _, req := range s.requests {
		if req.Status == models.StatusClaimed && req.ClaimedBy != nil && *req.ClaimedBy == fulfillerID {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClaimDeadline.Before(*out[j].ClaimDeadline)
	})
	return out, nil
}

func (s *Memory) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.ReadingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ReadingRequest
	for _, req := range s.requests {
		if req.Status == models.StatusClaimed && req.ClaimDeadline != nil && req.ClaimDeadline.Before(now) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClaimDeadline.Before(*out[j].ClaimDeadline)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) UnpublishedEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OutboxEvent
	for _, ev := range s.events {
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) MarkEventPublished(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ev := range s.events {
		if ev.ID == id {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return nil
		}
	}
	return nil
}

// stage appends an outbox event. Caller holds s.mu.
func (s *Memory) stage(requestID, newStatus, reason string, at time.Time) {
	s.events = append(s.events, OutboxEvent{
		ID: s.nextID,
		Event: models.ChangeEvent{
			RequestID:  requestID,
			NewStatus:  newStatus,
			Reason:     reason,
			OccurredAt: at,
		},
	})
	s.nextID++
}

// cloneRequest copies the record deeply enough that callers cannot alias the
// stored pointer fields or payload maps. Without the map copies, a mutator
// that edited a payload and then vetoed would still change persisted state,
// bypassing the CAS boundary.
func cloneRequest(r models.ReadingRequest) models.ReadingRequest {
	out := r
	out.Payload = maps.Clone(r.Payload)
	out.FulfillmentPayload = maps.Clone(r.FulfillmentPayload)
	if r.ClaimedBy != nil {
		v := *r.ClaimedBy
		out.ClaimedBy = &v
	}
	if r.ClaimedAt != nil {
		v := *r.ClaimedAt
		out.ClaimedAt = &v
	}
	if r.ClaimDeadline != nil {
		v := *r.ClaimDeadline
		out.ClaimDeadline = &v
	}
	if r.ExpiresAt != nil {
		v := *r.ExpiresAt
		out.ExpiresAt = &v
	}
	if r.FulfilledAt != nil {
		v := *r.FulfilledAt
		out.FulfilledAt = &v
	}
	return out
}
