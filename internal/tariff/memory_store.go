package tariff

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu    sync.RWMutex
	cards map[string]*Tariff
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cards: make(map[string]*Tariff)}
}

func (m *MemoryStore) Get(ctx context.Context, merchantID string) (*Tariff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	card, ok := m.cards[merchantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *card
	if card.Categories != nil {
		cp.Categories = make(map[string]int64, len(card.Categories))
		for k, v := range card.Categories {
			cp.Categories[k] = v
		}
	}
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, t *Tariff) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	if t.Categories != nil {
		cp.Categories = make(map[string]int64, len(t.Categories))
		for k, v := range t.Categories {
			cp.Categories[k] = v
		}
	}
	m.cards[t.MerchantID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
