// Package gateway is the client transport: a WebSocket endpoint that carries
// microphone audio in and recognition, interruption and reply events out.
//
// Every connection owns its own audio hub, recognition engine, listening
// sessions, speaking state and reply pipeline. Nothing is shared between
// connections except the providers and the journal.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/nell/internal/journal"
	"github.com/MrWong99/nell/internal/observe"
	"github.com/MrWong99/nell/pkg/provider/llm"
	"github.com/MrWong99/nell/pkg/provider/stt"
	"github.com/MrWong99/nell/pkg/provider/tts"
)

// readLimit bounds a single client frame. 1 MiB holds several seconds of
// 48 kHz stereo PCM.
const readLimit = 1 << 20

// Option configures a [Handler].
type Option func(*Handler)

// WithSTT sets the recognition backend. Without one, start requests are
// answered with an unsupported error.
func WithSTT(p stt.Provider) Option {
	return func(h *Handler) { h.stt = p }
}

// WithLLM sets the reply model. Without one the companion does not reply.
func WithLLM(p llm.Provider) Option {
	return func(h *Handler) { h.llm = p }
}

// WithTTS sets the synthesis backend. Without one replies are text only.
func WithTTS(p tts.Provider) Option {
	return func(h *Handler) { h.tts = p }
}

// WithJournal records results, interruptions and replies in s.
func WithJournal(s journal.Store) Option {
	return func(h *Handler) { h.journal = s }
}

// WithMetrics records listening and reply metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithSettings sets the initial connection settings.
func WithSettings(s Settings) Option {
	return func(h *Handler) { h.UpdateSettings(s) }
}

// Handler accepts client WebSocket connections. It is safe for concurrent use.
type Handler struct {
	stt     stt.Provider
	llm     llm.Provider
	tts     tts.Provider
	journal journal.Store
	metrics *observe.Metrics
	origins []string

	settings atomic.Pointer[Settings]

	mu     sync.Mutex
	conns  map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{conns: make(map[string]context.CancelFunc)}
	h.UpdateSettings(Settings{})
	for _, o := range opts {
		o(h)
	}
	return h
}

// UpdateSettings replaces the settings used by connections accepted from now
// on. Open connections keep theirs.
func (h *Handler) UpdateSettings(s Settings) {
	s = s.withDefaults()
	h.settings.Store(&s)
}

// Settings returns the settings new connections get.
func (h *Handler) Settings() Settings {
	return *h.settings.Load()
}

// Connections returns the number of open client connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and serves the connection until the client
// goes away or the handler is closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	if !h.register(id, cancel) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(id)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx = observe.WithSessionID(ctx, id)
	log := observe.Logger(ctx)
	log.Info("gateway: client connected", "remote", r.RemoteAddr)

	c := newConn(h, ws, id, h.Settings(), log)
	if err := c.run(ctx); err != nil {
		log.Warn("gateway: connection failed", "error", err)
		ws.Close(websocket.StatusInternalError, "internal error")
		return
	}
	log.Info("gateway: client disconnected")
	ws.Close(websocket.StatusNormalClosure, "")
}

// Close disconnects every client and waits for their sessions to wind down.
// Connections attempted afterwards are refused.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	for _, cancel := range h.conns {
		cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Handler) register(id string, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[id] = cancel
	h.wg.Add(1)
	return true
}

func (h *Handler) unregister(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
	h.wg.Done()
}

// errClientClosed ends a connection whose client closed it cleanly.
var errClientClosed = errors.New("gateway: client closed connection")
