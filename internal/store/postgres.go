package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reading-request-bank/internal/models"
)

// ErrNotFound is returned when no request exists for the given id.
var ErrNotFound = errors.New("request not found")

// ErrStatusConflict is returned by Transition when the current status does not
// match the expected one. The record returned alongside it is the current,
// unmodified row so callers can inspect who won the race.
var ErrStatusConflict = errors.New("status conflict")

// OutboxEvent is a change event staged in the transactional outbox, waiting to
// be published to the broadcast channel.
type OutboxEvent struct {
	ID    int64
	Event models.ChangeEvent
}

// Postgres persists reading requests and their change-event outbox.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateParams collects the inputs the content-capture collaborator supplies
// when a new request enters the bank.
type CreateParams struct {
	Category        string
	SpreadType      string
	Topic           string
	Requester       string
	Payload         map[string]any
	Price           int64
	PlatformFee     int64
	FulfillerPayout int64
	ExpiresAt       *time.Time
}

const requestColumns = `id, category, spread_type, topic, requester, payload,
	price, platform_fee, fulfiller_payout, status,
	claimed_by, claimed_at, claim_deadline,
	created_at, expires_at, fulfilled_at, fulfillment_payload`

// Create inserts a new available request and stages its change event in the
// same transaction.
func (s *Postgres) Create(ctx context.Context, p CreateParams) (models.ReadingRequest, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.ReadingRequest{}, fmt.Errorf("marshal payload: %w", err)
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ReadingRequest{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO reading_requests
			(id, category, spread_type, topic, requester, payload,
			 price, platform_fee, fulfiller_payout, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, req.ID, req.Category, req.SpreadType, req.Topic, req.Requester, payloadJSON,
		req.Price, req.PlatformFee, req.FulfillerPayout, req.Status, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return models.ReadingRequest{}, fmt.Errorf("insert request: %w", err)
	}

	if err := stageEvent(ctx, tx, req.ID, req.Status, "", req.CreatedAt); err != nil {
		return models.ReadingRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ReadingRequest{}, fmt.Errorf("commit: %w", err)
	}
	return req, nil
}

// GetByID fetches a request by id.
func (s *Postgres) GetByID(ctx context.Context, id string) (models.ReadingRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM reading_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReadingRequest{}, ErrNotFound
	}
	return req, err
}

// Transition atomically checks that the request's current status equals
// expected and, if so, applies mutate and persists the result together with
// exactly one staged change event. On a status mismatch it returns the current
// row unchanged wrapped in ErrStatusConflict. If mutate returns an error the
// transaction is abandoned and the current row is returned with that error.
// All state changes in the system funnel through here.
func (s *Postgres) Transition(ctx context.Context, id, expected, reason string, mutate func(*models.ReadingRequest) error) (models.ReadingRequest, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ReadingRequest{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM reading_requests WHERE id = $1 FOR UPDATE`, id)
	cur, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReadingRequest{}, ErrNotFound
	}
	if err != nil {
		return models.ReadingRequest{}, err
	}
	if cur.Status != expected {
		return cur, fmt.Errorf("request %s is %s, expected %s: %w", id, cur.Status, expected, ErrStatusConflict)
	}

	next := cur
	if err := mutate(&next); err != nil {
		return cur, err
	}

	var fulfillmentJSON []byte
	if next.FulfillmentPayload != nil {
		if fulfillmentJSON, err = json.Marshal(next.FulfillmentPayload); err != nil {
			return models.ReadingRequest{}, fmt.Errorf("marshal fulfillment payload: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE reading_requests
		SET status = $2, claimed_by = $3, claimed_at = $4, claim_deadline = $5,
		    fulfilled_at = $6, fulfillment_payload = $7
		WHERE id = $1
	`, id, next.Status, next.ClaimedBy, next.ClaimedAt, next.ClaimDeadline,
		next.FulfilledAt, fulfillmentJSON)
	if err != nil {
		return models.ReadingRequest{}, fmt.Errorf("update request: %w", err)
	}

	if err := stageEvent(ctx, tx, id, next.Status, reason, time.Now().UTC()); err != nil {
		return models.ReadingRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ReadingRequest{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// ListByStatus returns a snapshot of requests in the given status, oldest first.
func (s *Postgres) ListByStatus(ctx context.Context, status string) ([]models.ReadingRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM reading_requests
		WHERE status = $1 ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListClaimedBy returns the requests currently leased by a fulfiller.
func (s *Postgres) ListClaimedBy(ctx context.Context, fulfillerID string) ([]models.ReadingRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM reading_requests
		WHERE status = $1 AND claimed_by = $2 ORDER BY claim_deadline ASC
	`, models.StatusClaimed, fulfillerID)
	if err != nil {
		return nil, fmt.Errorf("list claimed by: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListExpiredLeases returns claimed requests whose deadline has passed,
// oldest deadline first.
func (s *Postgres) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.ReadingRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM reading_requests
		WHERE status = $1 AND claim_deadline < $2
		ORDER BY claim_deadline ASC LIMIT $3
	`, models.StatusClaimed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// UnpublishedEvents returns staged outbox rows not yet delivered to the
// broadcast channel, in insertion order.
func (s *Postgres) UnpublishedEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, new_status, reason, occurred_at
		FROM request_events WHERE published_at IS NULL
		ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Event.RequestID, &ev.Event.NewStatus, &ev.Event.Reason, &ev.Event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkEventPublished records that an outbox row reached the broadcast channel.
func (s *Postgres) MarkEventPublished(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE request_events SET published_at = NOW() WHERE id = $1
	`, id)
	return err
}

func stageEvent(ctx context.Context, tx pgx.Tx, requestID, newStatus, reason string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO request_events (request_id, new_status, reason, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, requestID, newStatus, reason, at)
	if err != nil {
		return fmt.Errorf("stage event: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (models.ReadingRequest, error) {
	var req models.ReadingRequest
	var payloadJSON, fulfillmentJSON []byte
	var claimedBy pgtype.Text
	var claimedAt, deadline, expiresAt, fulfilledAt pgtype.Timestamptz

	err := row.Scan(&req.ID, &req.Category, &req.SpreadType, &req.Topic, &req.Requester, &payloadJSON,
		&req.Price, &req.PlatformFee, &req.FulfillerPayout, &req.Status,
		&claimedBy, &claimedAt, &deadline,
		&req.CreatedAt, &expiresAt, &fulfilledAt, &fulfillmentJSON)
	if err != nil {
		return models.ReadingRequest{}, err
	}

	if err := json.Unmarshal(payloadJSON, &req.Payload); err != nil {
		return models.ReadingRequest{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if fulfillmentJSON != nil {
		if err := json.Unmarshal(fulfillmentJSON, &req.FulfillmentPayload); err != nil {
			return models.ReadingRequest{}, fmt.Errorf("unmarshal fulfillment payload: %w", err)
		}
	}
	req.ClaimedBy = textPtr(claimedBy)
	req.ClaimedAt = timePtr(claimedAt)
	req.ClaimDeadline = timePtr(deadline)
	req.ExpiresAt = timePtr(expiresAt)
	req.FulfilledAt = timePtr(fulfilledAt)
	return req, nil
}

func collectRequests(rows pgx.Rows) ([]models.ReadingRequest, error) {
	var out []models.ReadingRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
