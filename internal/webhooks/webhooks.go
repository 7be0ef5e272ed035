// Package webhooks delivers session and payment lifecycle events to
// merchant-registered HTTP endpoints. Deliveries are signed with a
// per-subscription HMAC secret, retried on transient failures, and a
// subscription that keeps failing is disabled rather than hammered
// forever.
package webhooks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/paymeter/paymeter/internal/events"
)

var ErrWebhookNotFound = errors.New("webhooks: subscription not found")

// Subscription is one merchant-registered delivery endpoint.
type Subscription struct {
	ID         string        `json:"id"`
	MerchantID string        `json:"merchantId"`
	URL        string        `json:"url"`
	Secret     string        `json:"-"` // HMAC signing key, shown once at creation
	Kinds      []events.Kind `json:"kinds"` // empty = all kinds
	Active     bool          `json:"active"`
	CreatedAt  time.Time     `json:"createdAt"`

	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// wants reports whether the subscription covers an event kind.
func (s *Subscription) wants(kind events.Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByMerchant(ctx context.Context, merchantID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory subscription store for demo/development
// mode.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByMerchant(_ context.Context, merchantID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.MerchantID == merchantID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrWebhookNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrWebhookNotFound
	}
	delete(m.subs, id)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
