// ABOUTME: In-memory session Store for tests and throwaway runs
// ABOUTME: Counts saves and deletes so tests can assert persistence side effects

package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	sess    *Session
	owner   string
	expires time.Time

	Saves   int
	Deletes int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, ErrNotFound
	}
	cp := *m.sess
	cp.Credential = append([]byte(nil), m.sess.Credential...)
	return &cp, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if err := validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Credential = append([]byte(nil), s.Credential...)
	m.sess = &cp
	m.Saves++
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	m.Deletes++
	return nil
}

// Acquire implements Store.
func (m *MemoryStore) Acquire(_ context.Context, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.owner != "" && m.owner != owner && now.Before(m.expires) {
		return ErrLocked
	}
	m.owner = owner
	m.expires = now.Add(ttl)
	return nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == owner {
		m.owner = ""
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Counts returns the number of saves and deletes so far.
func (m *MemoryStore) Counts() (saves, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Saves, m.Deletes
}
