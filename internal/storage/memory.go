package storage

import (
	"context"
	"sync"
)

// MemStore keeps everything in process memory. It is the default driver and
// the one tests use; the audit trail and subject state do not survive a
// restart.
type MemStore struct {
	mu      sync.RWMutex
	states  map[string][]byte
	audit   []AuditEntry
	byEvent map[string]int // event id -> index into audit
}

func NewMemStore() *MemStore {
	return &MemStore{
		states:  make(map[string][]byte),
		byEvent: make(map[string]int),
	}
}

func (s *MemStore) LoadState(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.states[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, true, nil
}

func (s *MemStore) SaveState(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.states[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemStore) ListStateKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	if e.EventID != "" {
		if _, dup := s.byEvent[e.EventID]; !dup {
			s.byEvent[e.EventID] = len(s.audit) - 1
		}
	}
	return nil
}

func (s *MemStore) AuditByEvent(ctx context.Context, eventID string) (AuditEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byEvent[eventID]
	if !ok {
		return AuditEntry{}, false, nil
	}
	return s.audit[i], true, nil
}

// AuditLen reports the number of appended entries (test helper).
func (s *MemStore) AuditLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.audit)
}

func (s *MemStore) Close() error { return nil }
