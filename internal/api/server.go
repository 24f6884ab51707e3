package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"reading-request-bank/internal/broadcast"
	"reading-request-bank/internal/config"
	"reading-request-bank/internal/lease"
	"reading-request-bank/internal/models"
	"reading-request-bank/internal/query"
	"reading-request-bank/internal/ratelimit"
	"reading-request-bank/internal/store"
	"reading-request-bank/internal/telemetry"
)

// Store is what the API needs from persistence beyond the manager and facade.
type Store interface {
	Create(ctx context.Context, p store.CreateParams) (models.ReadingRequest, error)
	GetByID(ctx context.Context, id string) (models.ReadingRequest, error)
}

// Server wires HTTP handlers for the request bank.
type Server struct {
	cfg         config.Config
	store       Store
	manager     *lease.Manager
	facade      *query.Facade
	broadcaster broadcast.Broadcaster
	limiter     *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable claim
// throttling (tests, dev without redis).
func New(cfg config.Config, st Store, m *lease.Manager, f *query.Facade, b broadcast.Broadcaster, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		manager:     m,
		facade:      f,
		broadcaster: b,
		limiter:     limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/requests", s.handleCreate)
	r.Get("/requests", s.handleListAvailable)
	r.Get("/requests/{id}", s.handleGet)
	r.Post("/requests/{id}/claim", s.handleClaim)
	r.Post("/requests/{id}/release", s.handleRelease)
	r.Post("/requests/{id}/fulfill", s.handleFulfill)
	r.Post("/requests/{id}/cancel", s.handleCancel)
	r.Get("/fulfillers/{id}/claims", s.handleClaimedBy)
	r.Get("/events", s.handleEvents)
	return r
}

type createRequest struct {
	Category        string         `json:"category"`
	SpreadType      string         `json:"spread_type"`
	Topic           string         `json:"topic"`
	Requester       string         `json:"requester"`
	Payload         map[string]any `json:"payload"`
	Price           int64          `json:"price"`
	PlatformFee     int64          `json:"platform_fee"`
	FulfillerPayout int64          `json:"fulfiller_payout"`
	ExpiresAt       *time.Time     `json:"expires_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Category != models.CategoryTarot && req.Category != models.CategoryAstrology {
		http.Error(w, "category must be tarot or astrology", http.StatusBadRequest)
		return
	}
	if req.Price < 0 || req.PlatformFee < 0 || req.FulfillerPayout < 0 {
		http.Error(w, "amounts must be non-negative", http.StatusBadRequest)
		return
	}

	created, err := s.store.Create(r.Context(), store.CreateParams{
		Category:        req.Category,
		SpreadType:      req.SpreadType,
		Topic:           req.Topic,
		Requester:       req.Requester,
		Payload:         req.Payload,
		Price:           req.Price,
		PlatformFee:     req.PlatformFee,
		FulfillerPayout: req.FulfillerPayout,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)
	page, err := s.facade.ListAvailable(r.Context(), query.Filter{
		Category:   q.Get("category"),
		SpreadType: q.Get("spread"),
		Search:     q.Get("q"),
	}, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleClaimedBy(w http.ResponseWriter, r *http.Request) {
	fulfillerID := chi.URLParam(r, "id")
	items, err := s.facade.ListClaimedBy(r.Context(), fulfillerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type fulfillerBody struct {
	FulfillerID string         `json:"fulfiller_id"`
	Payload     map[string]any `json:"payload"`
}

// outcome is the typed result shape for claim/release/fulfill.
type outcome struct {
	Success bool                   `json:"success"`
	Reason  string                 `json:"reason,omitempty"`
	Record  *models.ReadingRequest `json:"record,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, ok := decodeFulfillerBody(w, r)
	if !ok {
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "claim:"+body.FulfillerID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	rec, err := s.manager.Claim(r.Context(), id, body.FulfillerID)
	writeOutcome(w, rec, err)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, ok := decodeFulfillerBody(w, r)
	if !ok {
		return
	}
	rec, err := s.manager.Release(r.Context(), id, body.FulfillerID, models.ReasonVoluntary)
	writeOutcome(w, rec, err)
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, ok := decodeFulfillerBody(w, r)
	if !ok {
		return
	}
	rec, err := s.manager.Fulfill(r.Context(), id, body.FulfillerID, body.Payload)
	writeOutcome(w, rec, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.manager.Cancel(r.Context(), id)
	writeOutcome(w, rec, err)
}

// handleEvents streams change events over SSE. Delivery is best effort;
// clients keep their 30s reconcile poll regardless.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel, err := s.broadcaster.Subscribe(r.Context(), s.cfg.EventChannel)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	telemetry.Subscribers.Inc()
	defer telemetry.Subscribers.Dec()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func decodeFulfillerBody(w http.ResponseWriter, r *http.Request) (fulfillerBody, bool) {
	var body fulfillerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return body, false
	}
	if body.FulfillerID == "" {
		http.Error(w, "fulfiller_id is required", http.StatusBadRequest)
		return body, false
	}
	return body, true
}

// writeOutcome maps manager results onto the typed response contract. The
// recoverable outcomes are responses, not 5xx: the client's move after any of
// them is to re-fetch the pool and show current truth.
func writeOutcome(w http.ResponseWriter, rec models.ReadingRequest, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcome{Success: true, Record: &rec})
	case errors.Is(err, lease.ErrConflict):
		writeJSON(w, http.StatusConflict, outcome{Success: false, Reason: "conflict", Record: &rec})
	case errors.Is(err, lease.ErrForbidden):
		writeJSON(w, http.StatusForbidden, outcome{Success: false, Reason: "forbidden"})
	case errors.Is(err, lease.ErrRequestExpired):
		writeJSON(w, http.StatusGone, outcome{Success: false, Reason: "expired"})
	case errors.Is(err, lease.ErrPaymentDeclined):
		writeJSON(w, http.StatusPaymentRequired, outcome{Success: false, Reason: "payment_declined"})
	case errors.Is(err, lease.ErrNotFound):
		writeJSON(w, http.StatusNotFound, outcome{Success: false, Reason: "not_found"})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
