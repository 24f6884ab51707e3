package query

import (
	"context"
	"strings"
	"time"

	"reading-request-bank/internal/models"
)

// Store is the snapshot-read side of the request store.
type Store interface {
	ListByStatus(ctx context.Context, status string) ([]models.ReadingRequest, error)
	ListClaimedBy(ctx context.Context, fulfillerID string) ([]models.ReadingRequest, error)
}

// Filter narrows the available pool. Search is a case-insensitive substring
// match across topic, requester identifier, and request id.
type Filter struct {
	Category   string
	SpreadType string
	Search     string
}

// Page is a paginated slice of the pool plus the total matching count before
// pagination.
type Page struct {
	Items      []models.ReadingRequest `json:"items"`
	TotalCount int                     `json:"total_count"`
}

// Facade serves the two read APIs clients poll. Both are eventually
// consistent snapshots; filtering and pagination happen application-side by
// contract.
type Facade struct {
	store Store
}

func NewFacade(st Store) *Facade {
	return &Facade{store: st}
}

// ListAvailable returns the claimable pool, oldest request first so long
// waiters surface ahead of fresh ones. Requests past their hard TTL are
// filtered out even if the sweeper has not visited them yet.
func (f *Facade) ListAvailable(ctx context.Context, filter Filter, limit, offset int) (Page, error) {
	all, err := f.store.ListByStatus(ctx, models.StatusAvailable)
	if err != nil {
		return Page{}, err
	}

	now := time.Now().UTC()
	matched := make([]models.ReadingRequest, 0, len(all))
	for _, req := range all {
		if req.PastTTL(now) {
			continue
		}
		if filter.Category != "" && req.Category != filter.Category {
			continue
		}
		if filter.SpreadType != "" && req.SpreadType != filter.SpreadType {
			continue
		}
		if filter.Search != "" && !matchesSearch(req, filter.Search) {
			continue
		}
		matched = append(matched, req)
	}

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return Page{Items: matched[offset:end], TotalCount: total}, nil
}

// ListClaimedBy returns the requests a fulfiller currently holds, including
// deadlines so the consumer can render remaining time.
func (f *Facade) ListClaimedBy(ctx context.Context, fulfillerID string) ([]models.ReadingRequest, error) {
	return f.store.ListClaimedBy(ctx, fulfillerID)
}

func matchesSearch(req models.ReadingRequest, term string) bool {
	term = strings.ToLower(term)
	return strings.Contains(strings.ToLower(req.Topic), term) ||
		strings.Contains(strings.ToLower(req.Requester), term) ||
		strings.Contains(strings.ToLower(req.ID), term)
}
