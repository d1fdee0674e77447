package listen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/nell/pkg/speech"
)

// Handlers are the callbacks of a continuous session. Any of them may be nil.
type Handlers struct {
	// OnResult receives each completed utterance, trimmed, while the
	// companion is quiet.
	OnResult func(text string)

	// OnInterrupt is called for an utterance that cuts the companion off.
	// isStop is set when it contained a stop keyword.
	OnInterrupt func(isStop bool)

	// IsSpeaking reports whether the companion is producing audio. It is
	// polled for every transcript and every attempt end and must not block.
	IsSpeaking func() bool
}

func (h Handlers) speaking() bool {
	return h.IsSpeaking != nil && h.IsSpeaking()
}

// ContinuousSession keeps one recognition attempt alive while it is active.
//
// Each attempt yields at most one utterance. When an attempt ends the
// session starts the next one right away, unless the companion is speaking:
// then the session parks in [StateIdle] until [ContinuousSession.Resume] or
// Start is called. Engine errors other than no-speech and failed starts delay
// the next attempt by the backoff.
//
// All methods are safe for concurrent use.
type ContinuousSession struct {
	engine speech.Engine
	opts   options
	diag   diagnostics

	// launchMu serializes engine starts so that a superseded attempt is
	// stopped before the next one is created.
	launchMu sync.Mutex

	mu       sync.Mutex
	active   bool
	epoch    uint64 // bumped by Stop and StartAlways; stale work compares against it
	ctx      context.Context
	handlers Handlers
	state    State
	att      speech.Attempt
	attID    uint64
	timer    *time.Timer
}

// NewContinuous creates a stopped session. A nil engine yields a session whose
// Start methods report false.
func NewContinuous(engine speech.Engine, opts ...Option) *ContinuousSession {
	o := newOptions(opts)
	o.settings.InterimResults = false
	o.settings.Continuous = false
	o.settings.MaxAlternatives = 1
	return &ContinuousSession{
		engine: engine,
		opts:   o,
		diag:   newDiagnostics(o, "continuous"),
		state:  StateIdle,
	}
}

// Start activates the session with h. On a session that is already active
// only the handlers are replaced; the running attempt is left alone. A parked
// session also gets a new attempt.
//
// ctx bounds every attempt of this activation. Start returns false when the
// session has no engine.
func (s *ContinuousSession) Start(ctx context.Context, h Handlers) bool {
	if s.engine == nil {
		return false
	}

	s.mu.Lock()
	if s.active {
		s.handlers = h
		parked := s.state == StateIdle && s.att == nil
		var notify func()
		if parked {
			notify = s.transition(StateStarting)
		}
		epoch := s.epoch
		s.mu.Unlock()
		if parked {
			notify()
			go s.launch(epoch, "resume")
		}
		return true
	}
	epoch := s.activateLocked(ctx, h)
	notify := s.transition(StateStarting)
	s.mu.Unlock()

	notify()
	s.diag.active(ctx, 1)
	go s.launch(epoch, "")
	return true
}

// StartAlways activates the session with h and begins a fresh attempt, stopping
// whatever attempt or pending restart the session had.
func (s *ContinuousSession) StartAlways(ctx context.Context, h Handlers) bool {
	if s.engine == nil {
		return false
	}

	s.mu.Lock()
	wasActive := s.active
	old := s.detachLocked()
	epoch := s.activateLocked(ctx, h)
	notify := s.transition(StateStarting)
	s.mu.Unlock()

	notify()
	if old != nil {
		s.stopAttempt(old)
	}
	if !wasActive {
		s.diag.active(ctx, 1)
	}
	go s.launch(epoch, "")
	return true
}

// Resume starts a new attempt on an active session that parked while the
// companion was speaking. It reports whether an attempt was launched.
func (s *ContinuousSession) Resume() bool {
	s.mu.Lock()
	if !s.active || s.state != StateIdle || s.att != nil {
		s.mu.Unlock()
		return false
	}
	epoch := s.epoch
	notify := s.transition(StateStarting)
	s.mu.Unlock()

	notify()
	go s.launch(epoch, "resume")
	return true
}

// Stop deactivates the session and stops the running attempt. No restart
// happens afterwards, including from an attempt end or a backoff timer
// already in flight. Stopping a stopped session does nothing.
func (s *ContinuousSession) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.active = false
	old := s.detachLocked()
	notify := s.transition(StateIdle)
	s.mu.Unlock()

	notify()
	s.diag.active(ctx, -1)
	if old != nil {
		s.stopAttempt(old)
	}
}

// Active reports whether the session wants to keep listening.
func (s *ContinuousSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// State returns the current state of the engine slot.
func (s *ContinuousSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// activateLocked marks the session active under a new epoch.
func (s *ContinuousSession) activateLocked(ctx context.Context, h Handlers) uint64 {
	s.active = true
	s.epoch++
	s.ctx = ctx
	s.handlers = h
	return s.epoch
}

// detachLocked invalidates all in-flight work and hands back the running
// attempt, which the caller stops after unlocking.
func (s *ContinuousSession) detachLocked() speech.Attempt {
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	old := s.att
	s.att = nil
	return old
}

// transition sets the state and returns the listener call to make once the
// lock is released.
func (s *ContinuousSession) transition(st State) func() {
	changed := s.state != st
	s.state = st
	if !changed || s.opts.onState == nil {
		return func() {}
	}
	fn := s.opts.onState
	return func() { fn(st) }
}

func (s *ContinuousSession) current(epoch uint64) bool {
	return s.active && s.epoch == epoch
}

func (s *ContinuousSession) owns(epoch, id uint64) bool {
	return s.current(epoch) && s.att != nil && s.attID == id
}

func (s *ContinuousSession) stopAttempt(a speech.Attempt) {
	if err := a.Stop(); err != nil {
		s.diag.log.Debug("listen: stopping recognition", "error", err)
	}
}

// launch starts an attempt for epoch. The caller must have moved the session
// to StateStarting under that epoch.
func (s *ContinuousSession) launch(epoch uint64, reason string) {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	s.mu.Lock()
	if !s.current(epoch) || s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	if ctx.Err() != nil {
		s.active = false
		s.detachLocked()
		notify := s.transition(StateIdle)
		s.mu.Unlock()
		notify()
		s.diag.active(ctx, -1)
		s.diag.log.Debug("listen: context done, session stopped", "error", ctx.Err())
		return
	}
	s.mu.Unlock()

	if reason != "" {
		s.diag.restart(ctx, reason)
	}
	att, err := s.engine.Start(ctx, s.opts.settings)

	s.mu.Lock()
	if !s.current(epoch) || s.state != StateStarting {
		s.mu.Unlock()
		if err == nil {
			s.diag.discard(att)
		}
		return
	}
	if err != nil {
		notify := s.transition(StateBackoff)
		s.timer = time.AfterFunc(s.opts.backoff, func() { s.retry(epoch) })
		s.mu.Unlock()
		notify()
		s.diag.startFailure(ctx, fmt.Errorf("listen: start recognition: %w", err))
		return
	}
	s.attID++
	id := s.attID
	s.att = att
	notify := s.transition(StateListening)
	s.mu.Unlock()

	notify()
	go s.watch(ctx, epoch, id, att)
}

// retry runs when the backoff timer of epoch fires.
func (s *ContinuousSession) retry(epoch uint64) {
	s.mu.Lock()
	if !s.current(epoch) || s.state != StateBackoff {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	notify := s.transition(StateStarting)
	s.mu.Unlock()

	notify()
	s.launch(epoch, "error")
}

// watch consumes one attempt's events until it ends.
func (s *ContinuousSession) watch(ctx context.Context, epoch, id uint64, att speech.Attempt) {
	failed := false
	delivered := false
	for ev := range att.Events() {
		switch {
		case ev.Err != nil:
			if ev.Err.Code.Transient() {
				continue
			}
			s.mu.Lock()
			owned := s.owns(epoch, id)
			s.mu.Unlock()
			if !owned {
				continue
			}
			failed = true
			s.diag.engineError(ctx, ev.Err)
		case ev.Result != nil && !delivered:
			delivered = s.dispatch(ctx, epoch, id, att, *ev.Result)
		}
	}
	s.ended(epoch, id, failed)
}

// dispatch routes one result event and reports whether it was delivered as
// user input, which ends the attempt.
func (s *ContinuousSession) dispatch(ctx context.Context, epoch, id uint64, att speech.Attempt, ev speech.ResultEvent) bool {
	text := finalText(ev)
	if text == "" {
		return false
	}

	s.mu.Lock()
	if !s.owns(epoch, id) {
		s.mu.Unlock()
		return false
	}
	h := s.handlers
	s.mu.Unlock()

	if h.speaking() {
		d := s.opts.classifier.Classify(text)
		if !d.Interrupts() {
			s.diag.log.Debug("listen: ignoring utterance while companion speaks", "text", text)
			return false
		}
		s.diag.interrupt(ctx, d.IsStopCommand)
		if h.OnInterrupt != nil {
			h.OnInterrupt(d.IsStopCommand)
		}
		return false
	}

	s.stopAttempt(att)
	s.diag.result(ctx)
	if h.OnResult != nil {
		h.OnResult(text)
	}
	return true
}

// ended applies the restart rule once attempt id of epoch is over.
func (s *ContinuousSession) ended(epoch, id uint64, failed bool) {
	s.mu.Lock()
	if !s.owns(epoch, id) {
		s.mu.Unlock()
		return
	}
	s.att = nil
	notify := s.transition(StateIdle)
	h := s.handlers
	s.mu.Unlock()
	notify()

	if h.speaking() {
		s.diag.log.Debug("listen: companion speaking, waiting for resume")
		return
	}

	s.mu.Lock()
	if !s.current(epoch) || s.state != StateIdle || s.att != nil {
		s.mu.Unlock()
		return
	}
	if failed {
		notify = s.transition(StateBackoff)
		s.timer = time.AfterFunc(s.opts.backoff, func() { s.retry(epoch) })
		s.mu.Unlock()
		notify()
		return
	}
	notify = s.transition(StateStarting)
	s.mu.Unlock()

	notify()
	s.launch(epoch, "ended")
}

// finalText returns the trimmed transcript of the last changed slot if that
// slot is final.
func finalText(ev speech.ResultEvent) string {
	changed := ev.Changed()
	if len(changed) == 0 {
		return ""
	}
	last := changed[len(changed)-1]
	if !last.IsFinal {
		return ""
	}
	return strings.TrimSpace(last.Transcript())
}

// IsUnsupported reports whether err means the host has no recognition engine.
func IsUnsupported(err error) bool {
	return errors.Is(err, speech.ErrUnsupported)
}
