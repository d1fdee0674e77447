// Package companion holds the companion's side of the conversation: whether it
// is currently talking, and how it produces a spoken reply.
package companion

import (
	"sync"
	"sync/atomic"
)

// Speaker tracks whether the companion is producing audio.
//
// Each source of audio (a server-side reply, the client's playback queue)
// holds a named claim between Begin and End. The companion is speaking while
// at least one claim is held. Ending an id that holds no claim does nothing,
// so a late End from a replaced reply cannot silence a newer one.
//
// IsSpeaking never blocks and is safe to call from any goroutine.
type Speaker struct {
	speaking atomic.Bool

	mu        sync.Mutex
	claims    map[string]struct{}
	listeners map[int]func()
	nextID    int
}

// NewSpeaker returns a quiet Speaker.
func NewSpeaker() *Speaker {
	return &Speaker{
		claims:    make(map[string]struct{}),
		listeners: make(map[int]func()),
	}
}

// IsSpeaking reports whether any claim is held.
func (s *Speaker) IsSpeaking() bool {
	return s.speaking.Load()
}

// Begin adds a claim for id. Beginning an id twice is the same as once.
func (s *Speaker) Begin(id string) {
	s.mu.Lock()
	s.claims[id] = struct{}{}
	s.speaking.Store(true)
	s.mu.Unlock()
}

// End releases the claim for id. When it was the last claim the OnQuiet
// listeners run on the calling goroutine after the state has changed.
func (s *Speaker) End(id string) {
	s.mu.Lock()
	if _, ok := s.claims[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.claims, id)
	quiet := s.quietLocked()
	s.mu.Unlock()
	quiet()
}

// Reset releases every claim.
func (s *Speaker) Reset() {
	s.mu.Lock()
	if len(s.claims) == 0 {
		s.mu.Unlock()
		return
	}
	clear(s.claims)
	quiet := s.quietLocked()
	s.mu.Unlock()
	quiet()
}

// OnQuiet registers fn to run whenever the companion stops speaking. The
// returned function removes the registration.
func (s *Speaker) OnQuiet(fn func()) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Speaker) quietLocked() func() {
	if len(s.claims) > 0 {
		return func() {}
	}
	s.speaking.Store(false)
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}
