package wallet

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance // userID -> balance
	entries  []*Entry            // append order
	ticks    map[string]bool     // "sessionID:seq" -> seen
	credits  map[string]bool     // reference -> seen
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
		ticks:    make(map[string]bool),
		credits:  make(map[string]bool),
	}
}

func tickKey(sessionID string, seq int64) string {
	return sessionID + ":" + strconv.FormatInt(seq, 10)
}

// GetBalance returns a copy of the user's balance, zero-valued when the
// wallet has never been credited.
func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[userID]
	if !ok {
		return &Balance{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Reference != "" && m.credits[e.Reference] {
		return ErrDuplicateCredit
	}

	bal, ok := m.balances[e.UserID]
	if !ok {
		bal = &Balance{UserID: e.UserID}
		m.balances[e.UserID] = bal
	}
	bal.BalanceCents += e.AmountCents
	bal.TotalInCents += e.AmountCents
	bal.UpdatedAt = time.Now().UTC()

	if e.Reference != "" {
		m.credits[e.Reference] = true
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) HasCredit(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credits[reference], nil
}

func (m *MemoryStore) DebitForTick(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	key := tickKey(e.SessionID, e.Seq)
	if m.ticks[key] {
		return ErrDuplicateTick
	}

	bal, ok := m.balances[e.UserID]
	if !ok {
		return ErrWalletNotFound
	}
	if bal.BalanceCents < e.AmountCents {
		return ErrInsufficientFunds
	}

	bal.BalanceCents -= e.AmountCents
	bal.TotalOutCents += e.AmountCents
	bal.UpdatedAt = time.Now().UTC()

	m.ticks[key] = true
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) DebitForSettlement(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	bal, ok := m.balances[e.UserID]
	if !ok {
		return ErrWalletNotFound
	}
	if bal.BalanceCents < e.AmountCents {
		return ErrInsufficientFunds
	}

	bal.BalanceCents -= e.AmountCents
	bal.TotalOutCents += e.AmountCents
	bal.UpdatedAt = time.Now().UTC()

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) SumTicksBySession(ctx context.Context, sessionID string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum, maxSeq int64
	for _, e := range m.entries {
		if e.SessionID != sessionID || e.Type != EntryTick {
			continue
		}
		sum += e.AmountCents
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return sum, maxSeq, nil
}

func (m *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.SessionID != sessionID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	// Ticks first in sequence order, then settlements by time.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type == EntryTick && out[j].Type == EntryTick {
			return out[i].Seq < out[j].Seq
		}
		if out[i].Type == EntryTick != (out[j].Type == EntryTick) {
			return out[i].Type == EntryTick
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID != userID {
			continue
		}
		cp := *m.entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
