// Package tariff holds merchant rate cards: how many cents one metered
// minute costs, per category, plus the start-probe amount.
//
// Sessions snapshot their rate at start, so editing a card never changes
// what an in-flight session is billed.
package tariff

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("tariff: no rate card for merchant")
	ErrInvalidRate = errors.New("tariff: rate must be positive")
)

// Tariff is one merchant's rate card. Categories override the default rate
// for named service classes ("ev_fast", "day_pass", ...).
type Tariff struct {
	MerchantID             string           `json:"merchantId"`
	Currency               string           `json:"currency"`
	DefaultRateCentsPerMin int64            `json:"defaultRateCentsPerMin"`
	ProbeAmountCents       int64            `json:"probeAmountCents,omitempty"`
	Categories             map[string]int64 `json:"categories,omitempty"`
	UpdatedAt              time.Time        `json:"updatedAt"`
}

// RateFor returns the per-minute rate for a category, falling back to the
// card's default when the category is unknown or empty.
func (t *Tariff) RateFor(category string) int64 {
	if category != "" {
		if rate, ok := t.Categories[category]; ok {
			return rate
		}
	}
	return t.DefaultRateCentsPerMin
}

// ProbeOrDefault returns the card's probe amount, or def when the card
// doesn't set one.
func (t *Tariff) ProbeOrDefault(def int64) int64 {
	if t.ProbeAmountCents > 0 {
		return t.ProbeAmountCents
	}
	return def
}

// Store persists rate cards.
type Store interface {
	Get(ctx context.Context, merchantID string) (*Tariff, error)
	Put(ctx context.Context, t *Tariff) error
}

// Service validates and resolves rate cards.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns a merchant's card, ErrNotFound when none exists.
func (s *Service) Get(ctx context.Context, merchantID string) (*Tariff, error) {
	return s.store.Get(ctx, merchantID)
}

// Put validates and upserts a merchant's card.
func (s *Service) Put(ctx context.Context, t *Tariff) error {
	if t.DefaultRateCentsPerMin <= 0 {
		return ErrInvalidRate
	}
	for _, rate := range t.Categories {
		if rate <= 0 {
			return ErrInvalidRate
		}
	}
	if t.ProbeAmountCents < 0 {
		return ErrInvalidRate
	}
	if t.Currency == "" {
		t.Currency = "USD"
	}
	t.UpdatedAt = time.Now().UTC()
	return s.store.Put(ctx, t)
}

// Resolve returns the per-minute rate for (merchant, category).
// ErrNotFound means the merchant has no card and the caller must supply an
// explicit rate.
func (s *Service) Resolve(ctx context.Context, merchantID, category string) (int64, error) {
	card, err := s.store.Get(ctx, merchantID)
	if err != nil {
		return 0, err
	}
	return card.RateFor(category), nil
}
