package journal

import (
	"context"
	"sync"
	"time"
)

// DefaultMemorySize is the per-session capacity of a [MemoryStore].
const DefaultMemorySize = 200

// MemoryStore keeps the newest entries of each session in a ring buffer.
type MemoryStore struct {
	size int

	mu       sync.Mutex
	sessions map[string]*ring
}

var _ Store = (*MemoryStore)(nil)

type ring struct {
	buf   []Entry
	start int
	n     int
}

func (r *ring) push(e Entry) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) last(limit int) []Entry {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Entry, 0, limit)
	for i := r.n - limit; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// NewMemoryStore creates a store that keeps size entries per session. A
// non-positive size selects [DefaultMemorySize].
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &MemoryStore{size: size, sessions: make(map[string]*ring)}
}

// Append implements [Store].
func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[e.SessionID]
	if !ok {
		r = &ring{buf: make([]Entry, m.size)}
		m.sessions[e.SessionID] = r
	}
	r.push(e)
	return nil
}

// Recent implements [Store].
func (m *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return []Entry{}, nil
	}
	return r.last(limit), nil
}

// Forget drops every entry of sessionID.
func (m *MemoryStore) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Close implements [Store]. It drops all entries.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	clear(m.sessions)
	m.mu.Unlock()
	return nil
}
