package audio

import (
	"sync"
	"sync/atomic"
)

// Source is a stream of PCM chunks that several consumers may read at once.
type Source interface {
	// Format returns the format of every chunk delivered to subscribers.
	Format() Format

	// Subscribe returns a channel of PCM chunks and a cancel function. The
	// channel is closed by cancel or when the source closes. Calling cancel
	// more than once is safe.
	Subscribe(buffer int) (<-chan []byte, func())
}

// Hub fans microphone audio out to every subscriber. Publish never blocks: a
// subscriber that falls behind loses chunks rather than stalling capture.
type Hub struct {
	format Format

	mu     sync.RWMutex
	subs   map[uint64]chan []byte
	nextID uint64
	closed bool

	dropped atomic.Int64
}

var _ Source = (*Hub)(nil)

// NewHub creates a hub carrying PCM in format f.
func NewHub(f Format) *Hub {
	return &Hub{format: f, subs: make(map[uint64]chan []byte)}
}

// Format implements Source.
func (h *Hub) Format() Format { return h.format }

// Subscribe implements Source. Subscribing to a closed hub yields a closed
// channel.
func (h *Hub) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan []byte, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers pcm to every subscriber. The slice is shared, so callers
// must not modify it afterwards.
func (h *Hub) Publish(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- pcm:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of chunks discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close closes every subscription. Further publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
