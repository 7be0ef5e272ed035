package settle

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment record store for demo/development
// mode.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*PaymentRecord
	bySession map[string]string // sessionID → record ID
}

// NewMemoryStore creates a new in-memory payment record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*PaymentRecord),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.bySession[p.SessionID]; taken {
		return ErrPaymentExists
	}

	cp := *p
	m.records[p.ID] = &cp
	m.bySession[p.SessionID] = p.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.records[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetBySession(_ context.Context, sessionID string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemoryStore) MarkConfirmed(_ context.Context, id, txHash, receiptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.records[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = StatusConfirmed
	if txHash != "" {
		p.TxHash = txHash
	}
	if receiptID != "" {
		p.ReceiptID = receiptID
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListUnconfirmed(_ context.Context, limit int) ([]*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentRecord
	for _, p := range m.records {
		if p.Status == StatusUnconfirmed {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
