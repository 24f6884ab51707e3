package models

import (
	"time"
)

// Request status values persisted in Postgres. Released and expired leases
// rest back at StatusAvailable; the reason travels on the change event only.
const (
	StatusAvailable = "available"
	StatusClaimed   = "claimed"
	StatusFulfilled = "fulfilled"
	StatusCancelled = "cancelled"
)

// Request categories.
const (
	CategoryTarot     = "tarot"
	CategoryAstrology = "astrology"
)

// ReleaseReason distinguishes a fulfiller giving a request back from the
// sweeper reclaiming a timed-out lease.
const (
	ReasonVoluntary = "voluntary"
	ReasonExpired   = "expired"
)

// ReadingRequest is the unit of work fulfillers claim from the bank.
// Payload and FulfillmentPayload are opaque to this service; they belong to
// the content-capture collaborator. The lease triple (ClaimedBy, ClaimedAt,
// ClaimDeadline) is set iff Status is claimed, and retained for audit once
// the request is fulfilled.
type ReadingRequest struct {
	ID         string         `json:"id"`
	Category   string         `json:"category"`
	SpreadType string         `json:"spread_type"`
	Topic      string         `json:"topic"`
	Requester  string         `json:"requester"`
	Payload    map[string]any `json:"payload"`

	// Monetary amounts in minor currency units, fixed at creation.
	Price           int64 `json:"price"`
	PlatformFee     int64 `json:"platform_fee"`
	FulfillerPayout int64 `json:"fulfiller_payout"`

	Status        string     `json:"status"`
	ClaimedBy     *string    `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimDeadline *time.Time `json:"claim_deadline,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	FulfilledAt        *time.Time     `json:"fulfilled_at,omitempty"`
	FulfillmentPayload map[string]any `json:"fulfillment_payload,omitempty"`
}

// Claimed reports whether r currently carries an active lease.
func (r ReadingRequest) Claimed() bool {
	return r.Status == StatusClaimed
}

// PastTTL reports whether the unclaimed-request hard TTL has passed.
func (r ReadingRequest) PastTTL(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// ChangeEvent is the fanout notification emitted on every status transition.
// Each event is self-contained: subscribers apply last-write-wins per request
// using NewStatus, never a delta.
type ChangeEvent struct {
	RequestID  string    `json:"request_id"`
	NewStatus  string    `json:"new_status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
