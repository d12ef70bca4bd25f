package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryEntry struct {
	values    map[string]string
	expiresAt time.Time
}

// MemoryBackend keeps session values in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryBackend constructs the backend. A zero ttl keeps sessions until destroyed.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// live returns the entry for sid, or nil if missing or expired. Caller holds mu.
func (m *MemoryBackend) live(sid string) *memoryEntry {
	e, ok := m.sessions[sid]
	if !ok || m.expired(e) {
		return nil
	}
	return e
}

// liveLocked is live for callers holding the write lock; expired entries are deleted.
func (m *MemoryBackend) liveLocked(sid string) *memoryEntry {
	e, ok := m.sessions[sid]
	if !ok {
		return nil
	}
	if m.expired(e) {
		delete(m.sessions, sid)
		return nil
	}
	return e
}

func (m *MemoryBackend) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

func (m *MemoryBackend) touch(e *memoryEntry) {
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
}

// Get returns a single value.
func (m *MemoryBackend) Get(ctx context.Context, sid, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.live(sid)
	if e == nil {
		return "", false, nil
	}
	v, ok := e.values[key]
	return v, ok, nil
}

// GetAll returns the present subset of keys under one read lock.
func (m *MemoryBackend) GetAll(ctx context.Context, sid string, keys ...string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(keys))
	e := m.live(sid)
	if e == nil {
		return out, nil
	}
	for _, k := range keys {
		if v, ok := e.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// SetAll writes every value under one write lock.
func (m *MemoryBackend) SetAll(ctx context.Context, sid string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.liveLocked(sid)
	if e == nil {
		e = &memoryEntry{values: make(map[string]string, len(values))}
		m.sessions[sid] = e
	}
	for k, v := range values {
		e.values[k] = v
	}
	m.touch(e)
	return nil
}

// Has reports whether key is present.
func (m *MemoryBackend) Has(ctx context.Context, sid, key string) (bool, error) {
	_, ok, err := m.Get(ctx, sid, key)
	return ok, err
}

// ClearAll deletes every listed key under one write lock.
func (m *MemoryBackend) ClearAll(ctx context.Context, sid string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.liveLocked(sid)
	if e == nil {
		return nil
	}
	for _, k := range keys {
		delete(e.values, k)
	}
	return nil
}

// Consume fetches and removes key.
func (m *MemoryBackend) Consume(ctx context.Context, sid, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.liveLocked(sid)
	if e == nil {
		return "", false, nil
	}
	v, ok := e.values[key]
	if ok {
		delete(e.values, key)
	}
	return v, ok, nil
}

// Destroy removes the whole session.
func (m *MemoryBackend) Destroy(ctx context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sid)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for sid, e := range m.sessions {
		if m.expired(e) {
			delete(m.sessions, sid)
			removed++
		}
	}
	return removed
}

// Len reports how many sessions are held, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartSweeper runs Sweep every interval until stop is closed.
func (m *MemoryBackend) StartSweeper(interval time.Duration, stop <-chan struct{}, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					logger.Debug("session.swept", "removed", n)
				}
			case <-stop:
				return
			}
		}
	}()
}
