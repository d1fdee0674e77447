package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/nell/pkg/audio"
	"github.com/MrWong99/nell/pkg/provider/stt"
)

// DefaultNoSpeechTimeout is how long an attempt may hear nothing recognizable
// before it reports no-speech and ends.
const DefaultNoSpeechTimeout = 8 * time.Second

// StreamOption configures a StreamEngine.
type StreamOption func(*StreamEngine)

// WithNoSpeechTimeout overrides DefaultNoSpeechTimeout. Zero or negative
// disables the timeout.
func WithNoSpeechTimeout(d time.Duration) StreamOption {
	return func(e *StreamEngine) { e.noSpeechTimeout = d }
}

// WithKeywords passes recognition boosts to every stream.
func WithKeywords(kw []stt.KeywordBoost) StreamOption {
	return func(e *StreamEngine) { e.keywords = kw }
}

// StreamEngine is an Engine on top of a streaming STT provider and a shared
// audio source. Each attempt opens its own provider stream and subscribes to
// the source for as long as it lives.
type StreamEngine struct {
	provider        stt.Provider
	source          audio.Source
	noSpeechTimeout time.Duration
	keywords        []stt.KeywordBoost
}

var _ Engine = (*StreamEngine)(nil)

// NewStreamEngine creates a StreamEngine.
func NewStreamEngine(p stt.Provider, src audio.Source, opts ...StreamOption) *StreamEngine {
	e := &StreamEngine{provider: p, source: src, noSpeechTimeout: DefaultNoSpeechTimeout}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start opens a provider stream. A provider failure is returned as is so the
// caller can apply its retry policy.
func (e *StreamEngine) Start(ctx context.Context, s Settings) (Attempt, error) {
	if e.provider == nil || e.source == nil {
		return nil, ErrUnsupported
	}
	f := e.source.Format()
	h, err := e.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Language:   s.Language,
		Interim:    s.InterimResults,
		Keywords:   e.keywords,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: start stream: %w", err)
	}

	pcm, unsubscribe := e.source.Subscribe(256)
	a := &streamAttempt{
		settings:    s,
		handle:      h,
		unsubscribe: unsubscribe,
		timeout:     e.noSpeechTimeout,
		events:      make(chan Event, 16),
		stop:        make(chan struct{}),
		sourceGone:  make(chan struct{}),
	}
	go a.pump(pcm)
	go a.run(ctx)
	return a, nil
}

type streamAttempt struct {
	settings    Settings
	handle      stt.SessionHandle
	unsubscribe func()
	timeout     time.Duration

	events     chan Event
	stop       chan struct{}
	stopOnce   sync.Once
	sourceGone chan struct{}

	// slots is only touched by run.
	slots []Result
}

func (a *streamAttempt) Events() <-chan Event { return a.events }

func (a *streamAttempt) Stop() error {
	a.stopOnce.Do(func() { close(a.stop) })
	return nil
}

// pump forwards microphone audio into the provider stream. sourceGone is only
// closed when the source itself ends; a failing stream is reported by run.
func (a *streamAttempt) pump(pcm <-chan []byte) {
	for chunk := range pcm {
		if err := a.handle.SendAudio(chunk); err != nil {
			return
		}
	}
	close(a.sourceGone)
}

func (a *streamAttempt) run(ctx context.Context) {
	defer close(a.events)
	defer a.unsubscribe()

	var timeout <-chan time.Time
	var timer *time.Timer
	if a.timeout > 0 {
		timer = time.NewTimer(a.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	resetTimer := func() {
		if timer != nil {
			timer.Reset(a.timeout)
		}
	}

	stopCh := a.stop
	sourceGone := a.sourceGone
	ctxDone := ctx.Done()
	stopped := false
	halt := func() {
		if stopped {
			return
		}
		stopped = true
		stopCh, ctxDone, timeout = nil, nil, nil
		// Close may block while a batch backend transcribes buffered speech;
		// the results still drain through the loop below.
		go func() {
			if err := a.handle.Close(); err != nil {
				slog.Debug("speech: closing provider stream", "error", err)
			}
		}()
	}

	partials, finals := a.handle.Partials(), a.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case <-stopCh:
			halt()
		case <-ctxDone:
			halt()
		case <-sourceGone:
			sourceGone = nil
			if !stopped {
				a.emit(ctx, Event{Err: &EngineError{Code: ErrorAudioCapture, Message: "audio source closed"}})
				halt()
			}
		case <-timeout:
			a.emit(ctx, Event{Err: &EngineError{Code: ErrorNoSpeech}})
			halt()
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if !a.settings.InterimResults || t.Text == "" {
				continue
			}
			resetTimer()
			a.emit(ctx, Event{Result: a.apply(t)})
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			resetTimer()
			a.emit(ctx, Event{Result: a.apply(t)})
			if !a.settings.Continuous {
				halt()
			}
		}
	}

	if err := a.handle.Err(); err != nil && !stopped {
		code := ErrorNetwork
		if errors.Is(err, context.Canceled) {
			code = ErrorAborted
		}
		a.emit(ctx, Event{Err: &EngineError{Code: code, Err: err}})
	}
	if !stopped {
		_ = a.handle.Close()
	}
}

// apply folds a transcript into the result slots: it replaces a trailing
// provisional slot or opens a new one.
func (a *streamAttempt) apply(t stt.Transcript) *ResultEvent {
	r := Result{
		Alternatives: []Alternative{{Transcript: t.Text, Confidence: t.Confidence}},
		IsFinal:      t.IsFinal,
	}
	idx := len(a.slots)
	if idx > 0 && !a.slots[idx-1].IsFinal {
		idx--
		a.slots[idx] = r
	} else {
		a.slots = append(a.slots, r)
	}
	return &ResultEvent{ResultIndex: idx, Results: append([]Result(nil), a.slots...)}
}

// emit delivers ev unless the attempt was stopped or ctx ended; a stopped
// attempt's events have no reader to wait for.
func (a *streamAttempt) emit(ctx context.Context, ev Event) {
	select {
	case a.events <- ev:
	case <-a.stop:
	case <-ctx.Done():
	}
}
