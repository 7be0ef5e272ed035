package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	running  map[string]string // "userID|merchantID" → running session ID
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		running:  make(map[string]string),
	}
}

func pairKey(userID, merchantID string) string {
	return userID + "|" + merchantID
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(s.UserID, s.MerchantID)
	if _, taken := m.running[key]; taken {
		return ErrSessionExists
	}

	cp := *s
	m.sessions[s.ID] = &cp
	m.running[key] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetRunningByPair(_ context.Context, userID, merchantID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.running[pairKey(userID, merchantID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *m.sessions[id]
	return &cp, nil
}

func (m *MemoryStore) GetLatestTerminalByPair(_ context.Context, userID, merchantID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Session
	for _, s := range m.sessions {
		if s.UserID != userID || s.MerchantID != merchantID || !s.IsTerminal() {
			continue
		}
		if latest == nil || terminalAt(s).After(terminalAt(latest)) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrSessionNotFound
	}
	cp := *latest
	return &cp, nil
}

// terminalAt orders terminal sessions by when they ended.
func terminalAt(s *Session) time.Time {
	if s.StoppedAt != nil {
		return *s.StoppedAt
	}
	return s.UpdatedAt
}

func (m *MemoryStore) RecordTick(_ context.Context, id string, seq, accumulatedCents int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusActive {
		return ErrInvalidStatus
	}
	if s.TickSeq != seq-1 {
		return ErrStaleTick
	}

	s.TickSeq = seq
	s.AccumulatedCents = accumulatedCents
	t := at
	s.LastTickAt = &t
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RepairTick(_ context.Context, id string, seq, accumulatedCents int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusActive {
		return ErrInvalidStatus
	}

	s.TickSeq = seq
	s.AccumulatedCents = accumulatedCents
	t := at
	s.LastTickAt = &t
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Pause(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusActive {
		return ErrInvalidStatus
	}

	s.Status = StatusPausedLow
	t := at
	s.PausedAt = &t
	s.PauseCount++
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Resume(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusPausedLow {
		return ErrInvalidStatus
	}

	s.Status = StatusActive
	t := at
	s.LastTickAt = &t
	s.PausedAt = nil
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Stop(_ context.Context, id string, at time.Time, reason string, finalCents int64, usedFallback bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.IsRunning() {
		return ErrInvalidStatus
	}

	s.Status = StatusStopped
	t := at
	s.StoppedAt = &t
	s.StopReason = reason
	s.FinalAmountCents = finalCents
	s.UsedFallback = usedFallback
	s.UpdatedAt = time.Now().UTC()
	delete(m.running, pairKey(s.UserID, s.MerchantID))
	return nil
}

func (m *MemoryStore) MarkPaid(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusStopped {
		return ErrInvalidStatus
	}

	s.Status = StatusPaid
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, asOf time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		last := s.StartedAt
		if s.LastTickAt != nil {
			last = *s.LastTickAt
		}
		if !last.Add(time.Duration(s.TickIntervalSec) * time.Second).After(asOf) {
			cp := *s
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStaleRunning(_ context.Context, before time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if !s.IsRunning() {
			continue
		}
		if s.LastActivity().Before(before) {
			cp := *s
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.Status == status {
			cp := *s
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByMerchant(_ context.Context, merchantID string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.MerchantID == merchantID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
