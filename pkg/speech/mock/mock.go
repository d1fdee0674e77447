// Package mock provides test doubles for the speech package interfaces.
//
// Engine hands out scripted Attempts and keeps track of how many are live at
// once. Tests drive an attempt with Result, Emit, Fail and End, exactly the
// way a recognizer would raise onresult, onerror and onend.
//
//	eng := mock.NewEngine()
//	att, _ := eng.Start(ctx, speech.DefaultSettings())
//	a := eng.Last()
//	a.Result("こんにちは", true)
//	a.End()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/nell/pkg/speech"
)

// StartCall records a single invocation of Engine.Start.
type StartCall struct {
	Ctx      context.Context
	Settings speech.Settings
}

// Engine is a mock implementation of speech.Engine.
type Engine struct {
	mu sync.Mutex

	// StartErrs are returned by successive Start calls before StartErr
	// applies. A nil entry lets that call succeed.
	StartErrs []error

	// StartErr, if non-nil, is returned once StartErrs is exhausted.
	StartErr error

	// StartCalls records every call to Start, including failed ones.
	StartCalls []StartCall

	// Attempts records every successfully started attempt in order.
	Attempts []*Attempt

	started chan *Attempt
	live    int
	maxLive int
}

// NewEngine returns an Engine whose Started channel can buffer plenty of
// attempts.
func NewEngine() *Engine {
	return &Engine{started: make(chan *Attempt, 256)}
}

// Start records the call and returns a new Attempt or the scripted error.
func (e *Engine) Start(ctx context.Context, s speech.Settings) (speech.Attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StartCalls = append(e.StartCalls, StartCall{Ctx: ctx, Settings: s})

	var err error
	if len(e.StartErrs) > 0 {
		err = e.StartErrs[0]
		e.StartErrs = e.StartErrs[1:]
	} else {
		err = e.StartErr
	}
	if err != nil {
		return nil, err
	}

	a := &Attempt{engine: e, ch: make(chan speech.Event, 64), done: make(chan struct{})}
	e.Attempts = append(e.Attempts, a)
	e.live++
	if e.live > e.maxLive {
		e.maxLive = e.live
	}
	if e.started != nil {
		select {
		case e.started <- a:
		default:
		}
	}
	return a, nil
}

// Started delivers every successfully started attempt. Only Engines created by
// NewEngine have this channel.
func (e *Engine) Started() <-chan *Attempt { return e.started }

// StartCount returns the number of Start calls, failed ones included.
func (e *Engine) StartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.StartCalls)
}

// AttemptCount returns the number of successfully started attempts.
func (e *Engine) AttemptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Attempts)
}

// Last returns the most recently started attempt, or nil.
func (e *Engine) Last() *Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// Live returns the number of attempts that have not ended.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// MaxLive returns the highest number of simultaneously live attempts seen.
func (e *Engine) MaxLive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxLive
}

var _ speech.Engine = (*Engine)(nil)

// Attempt is a mock implementation of speech.Attempt. Stop ends the attempt
// right away, like a recognizer that fires onend after stop().
type Attempt struct {
	engine *Engine

	mu        sync.Mutex
	ch        chan speech.Event
	ended     bool
	done      chan struct{}
	sending   sync.WaitGroup
	stopCalls int

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error
}

// Events implements speech.Attempt.
func (a *Attempt) Events() <-chan speech.Event { return a.ch }

// Stop records the call, ends the attempt and returns StopErr.
func (a *Attempt) Stop() error {
	a.mu.Lock()
	a.stopCalls++
	err := a.StopErr
	a.mu.Unlock()
	a.End()
	return err
}

// StopCount returns the number of Stop calls.
func (a *Attempt) StopCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopCalls
}

// Emit delivers a result event. Events after End are dropped.
func (a *Attempt) Emit(ev speech.ResultEvent) {
	a.send(speech.Event{Result: &ev})
}

// Result delivers a single-slot result event.
func (a *Attempt) Result(text string, final bool) {
	a.Emit(speech.ResultEvent{Results: []speech.Result{Slot(text, final)}})
}

// Fail delivers an engine error.
func (a *Attempt) Fail(code speech.ErrorCode) {
	a.send(speech.Event{Err: &speech.EngineError{Code: code}})
}

// End closes the event stream. Safe to call more than once.
func (a *Attempt) End() {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.ended = true
	close(a.done)
	a.mu.Unlock()

	a.sending.Wait()
	close(a.ch)

	a.engine.mu.Lock()
	a.engine.live--
	a.engine.mu.Unlock()
}

// Ended reports whether the attempt has ended.
func (a *Attempt) Ended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ended
}

// send delivers ev without holding the lock, so a consumer may call Stop
// while the buffer is full. An End racing with the send drops the event.
func (a *Attempt) send(ev speech.Event) {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.sending.Add(1)
	a.mu.Unlock()
	defer a.sending.Done()

	select {
	case a.ch <- ev:
	case <-a.done:
	}
}

var _ speech.Attempt = (*Attempt)(nil)

// Slot builds a single-alternative result slot.
func Slot(text string, final bool) speech.Result {
	return speech.Result{
		Alternatives: []speech.Alternative{{Transcript: text}},
		IsFinal:      final,
	}
}
