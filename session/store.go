package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound indicates no session record exists for the requested ID
var ErrNotFound = errors.New("session not found")

// Store persists session records. Records are created once, updated at each
// phase transition, and never deleted by this subsystem.
type Store interface {
	Create(ctx context.Context, s *SyncSession) error
	Update(ctx context.Context, s *SyncSession) error
	Get(ctx context.Context, sessionID string) (*SyncSession, error)
}

// MemoryStore keeps sessions in process memory. Used in tests and as a
// degraded mode when the node database is unreachable at startup.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SyncSession
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]SyncSession{}}
}

func (m *MemoryStore) Create(ctx context.Context, s *SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.SessionID]; exists {
		return fmt.Errorf("session %s already exists", s.SessionID)
	}
	m.sessions[s.SessionID] = *s
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, s *SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.SessionID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, s.SessionID)
	}
	m.sessions[s.SessionID] = *s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, exists := m.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	copied := s
	return &copied, nil
}
