package listen

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/nell/pkg/speech"
)

// SimpleHandlers are the callbacks of a simple session. Any of them may be nil.
type SimpleHandlers struct {
	// OnResult is called once per final result slot, in slot order.
	OnResult func(text string)

	// OnInterrupt is called when the running transcript cuts the companion
	// off. The attempt keeps running.
	OnInterrupt func()

	// OnPartial receives the running transcript of every result event.
	OnPartial func(text string)

	// IsSpeaking reports whether the companion is producing audio.
	IsSpeaking func() bool

	// OnEnd is called when the attempt ends on its own. It is not called
	// after Stop or when a new Start replaces the attempt.
	OnEnd func()
}

// SimpleSession runs one recognition attempt with interim results and no
// restart policy. Starting again replaces the previous attempt.
//
// All methods are safe for concurrent use.
type SimpleSession struct {
	engine speech.Engine
	opts   options
	diag   diagnostics

	launchMu sync.Mutex

	mu       sync.Mutex
	active   bool
	epoch    uint64
	ctx      context.Context
	handlers SimpleHandlers
	att      speech.Attempt
}

// NewSimple creates a stopped simple session.
func NewSimple(engine speech.Engine, opts ...Option) *SimpleSession {
	o := newOptions(opts)
	o.settings.InterimResults = true
	o.settings.Continuous = true
	return &SimpleSession{
		engine: engine,
		opts:   o,
		diag:   newDiagnostics(o, "simple"),
	}
}

// Start begins a new attempt with h, stopping any previous one. It returns
// false when the session has no engine. Start failures are reported to the
// error handler and leave the session stopped.
func (s *SimpleSession) Start(ctx context.Context, h SimpleHandlers) bool {
	if s.engine == nil {
		return false
	}

	s.mu.Lock()
	wasActive := s.active
	old := s.att
	s.att = nil
	s.active = true
	s.epoch++
	epoch := s.epoch
	s.ctx = ctx
	s.handlers = h
	s.mu.Unlock()

	if old != nil {
		s.stopAttempt(old)
	}
	if !wasActive {
		s.diag.active(ctx, 1)
	}
	go s.launch(ctx, epoch)
	return true
}

// Stop stops the running attempt. Safe to call at any time.
func (s *SimpleSession) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.active = false
	s.epoch++
	old := s.att
	s.att = nil
	s.mu.Unlock()

	s.diag.active(ctx, -1)
	if old != nil {
		s.stopAttempt(old)
	}
}

// Active reports whether an attempt is starting or running.
func (s *SimpleSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *SimpleSession) current(epoch uint64) bool {
	return s.active && s.epoch == epoch
}

func (s *SimpleSession) stopAttempt(a speech.Attempt) {
	if err := a.Stop(); err != nil {
		s.diag.log.Debug("listen: stopping recognition", "error", err)
	}
}

// deactivate ends epoch without an attempt to stop.
func (s *SimpleSession) deactivate(ctx context.Context, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(epoch) {
		return false
	}
	s.active = false
	s.att = nil
	s.diag.active(ctx, -1)
	return true
}

func (s *SimpleSession) launch(ctx context.Context, epoch uint64) {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	s.mu.Lock()
	stale := !s.current(epoch)
	s.mu.Unlock()
	if stale {
		return
	}

	att, err := s.engine.Start(ctx, s.opts.settings)
	if err != nil {
		if s.deactivate(ctx, epoch) {
			s.diag.startFailure(ctx, fmt.Errorf("listen: start recognition: %w", err))
		}
		return
	}

	s.mu.Lock()
	if !s.current(epoch) {
		s.mu.Unlock()
		s.diag.discard(att)
		return
	}
	s.att = att
	s.mu.Unlock()

	go s.watch(ctx, epoch, att)
}

func (s *SimpleSession) watch(ctx context.Context, epoch uint64, att speech.Attempt) {
	for ev := range att.Events() {
		switch {
		case ev.Err != nil:
			if ev.Err.Code.Transient() {
				continue
			}
			s.mu.Lock()
			owned := s.current(epoch)
			s.mu.Unlock()
			if owned {
				s.diag.engineError(ctx, ev.Err)
			}
		case ev.Result != nil:
			s.dispatch(ctx, epoch, *ev.Result)
		}
	}

	s.mu.Lock()
	owned := s.current(epoch) && s.att == att
	h := s.handlers
	s.mu.Unlock()
	if !owned || !s.deactivate(ctx, epoch) {
		return
	}
	if h.OnEnd != nil {
		h.OnEnd()
	}
}

// dispatch checks the running transcript for an interruption, then delivers
// every final slot. An event that interrupted delivers no results.
func (s *SimpleSession) dispatch(ctx context.Context, epoch uint64, ev speech.ResultEvent) {
	s.mu.Lock()
	if !s.current(epoch) {
		s.mu.Unlock()
		return
	}
	h := s.handlers
	s.mu.Unlock()

	changed := ev.Changed()
	var b strings.Builder
	for _, r := range changed {
		b.WriteString(r.Transcript())
	}
	running := strings.TrimSpace(b.String())
	if running == "" {
		return
	}
	if h.OnPartial != nil {
		h.OnPartial(running)
	}

	if h.IsSpeaking != nil && h.IsSpeaking() {
		if d := s.opts.classifier.Classify(running); d.Interrupts() {
			s.diag.interrupt(ctx, d.IsStopCommand)
			if h.OnInterrupt != nil {
				h.OnInterrupt()
			}
			return
		}
	}

	for _, r := range changed {
		if !r.IsFinal {
			continue
		}
		text := strings.TrimSpace(r.Transcript())
		if text == "" {
			continue
		}
		s.diag.result(ctx)
		if h.OnResult != nil {
			h.OnResult(text)
		}
	}
}
