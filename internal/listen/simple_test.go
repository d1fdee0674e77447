package listen

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/nell/pkg/speech"
	"github.com/MrWong99/nell/pkg/speech/mock"
)

type simpleRecorder struct {
	speaking   atomic.Bool
	results    chan string
	partials   chan string
	interrupts chan struct{}
	ends       chan struct{}
}

func newSimpleRecorder() *simpleRecorder {
	return &simpleRecorder{
		results:    make(chan string, 64),
		partials:   make(chan string, 64),
		interrupts: make(chan struct{}, 64),
		ends:       make(chan struct{}, 8),
	}
}

func (r *simpleRecorder) handlers() SimpleHandlers {
	return SimpleHandlers{
		OnResult:    func(text string) { r.results <- text },
		OnPartial:   func(text string) { r.partials <- text },
		OnInterrupt: func() { r.interrupts <- struct{}{} },
		IsSpeaking:  r.speaking.Load,
		OnEnd:       func() { r.ends <- struct{}{} },
	}
}

func newSimpleSession(t *testing.T, opts ...Option) (*SimpleSession, *mock.Engine) {
	t.Helper()
	eng := mock.NewEngine()
	s := NewSimple(eng, opts...)
	t.Cleanup(s.Stop)
	return s, eng
}

func TestSimple_SettingsForMode(t *testing.T) {
	t.Parallel()
	s, eng := newSimpleSession(t)

	s.Start(t.Context(), newSimpleRecorder().handlers())
	waitAttempt(t, eng)

	got := eng.StartCalls[0].Settings
	if !got.InterimResults || !got.Continuous || got.Language != "ja-JP" {
		t.Errorf("settings = %+v", got)
	}
}

func TestSimple_EveryFinalSlotInOrder(t *testing.T) {
	t.Parallel()
	s, eng := newSimpleSession(t)
	rec := newSimpleRecorder()

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.Emit(speech.ResultEvent{
		ResultIndex: 0,
		Results:     []speech.Result{mock.Slot("ab", true), mock.Slot("cd", true)},
	})

	if got := waitFor(t, rec.results, "first result"); got != "ab" {
		t.Errorf("first = %q, want ab", got)
	}
	if got := waitFor(t, rec.results, "second result"); got != "cd" {
		t.Errorf("second = %q, want cd", got)
	}
	if got := waitFor(t, rec.partials, "partial"); got != "abcd" {
		t.Errorf("partial = %q, want abcd", got)
	}
}

func TestSimple_RunningTranscriptFromResultIndex(t *testing.T) {
	t.Parallel()
	s, eng := newSimpleSession(t)
	rec := newSimpleRecorder()

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.Emit(speech.ResultEvent{
		ResultIndex: 1,
		Results: []speech.Result{
			mock.Slot("すでに", true),
			mock.Slot(" きょうは ", true),
			mock.Slot("はれ ", false),
		},
	})

	if got := waitFor(t, rec.partials, "partial"); got != "きょうは はれ" {
		t.Errorf("partial = %q", got)
	}
	if got := waitFor(t, rec.results, "result"); got != "きょうは" {
		t.Errorf("result = %q, want the single final slot after the index", got)
	}
	select {
	case r := <-rec.results:
		t.Errorf("unexpected extra result %q", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSimple_InterruptKeepsAttemptAndSkipsResults(t *testing.T) {
	t.Parallel()
	s, eng := newSimpleSession(t)
	rec := newSimpleRecorder()
	rec.speaking.Store(true)

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.Result("まって", false)
	waitFor(t, rec.interrupts, "interim interrupt")

	a.Result("まって", true)
	waitFor(t, rec.interrupts, "final interrupt")

	if a.StopCount() != 0 {
		t.Error("interim interruption must not stop the attempt")
	}
	select {
	case r := <-rec.results:
		t.Errorf("interrupting utterance reached the result callback: %q", r)
	case <-time.After(20 * time.Millisecond):
	}

	a.Result("うん", true)
	if got := waitFor(t, rec.results, "short final while speaking"); got != "うん" {
		t.Errorf("result = %q", got)
	}
}

func TestSimple_EndCallsOnEndWithoutRestart(t *testing.T) {
	t.Parallel()
	s, eng := newSimpleSession(t)
	rec := newSimpleRecorder()

	s.Start(t.Context(), rec.handlers())
	waitAttempt(t, eng).End()

	waitFor(t, rec.ends, "OnEnd")
	expectNoAttempt(t, eng, 30*time.Millisecond)
	eventually(t, "inactive", func() bool { return !s.Active() })
}

func TestSimple_StartReplacesPreviousAttempt(t *testing.T) {
	t.Parallel()
	s, eng := newSimpleSession(t)
	first := newSimpleRecorder()

	s.Start(t.Context(), first.handlers())
	a := waitAttempt(t, eng)

	second := newSimpleRecorder()
	s.Start(t.Context(), second.handlers())
	b := waitAttempt(t, eng)

	if a.StopCount() != 1 {
		t.Errorf("previous attempt stop count = %d, want 1", a.StopCount())
	}
	select {
	case <-first.ends:
		t.Error("OnEnd fired for a replaced attempt")
	case <-time.After(20 * time.Millisecond):
	}
	if eng.MaxLive() != 1 {
		t.Errorf("MaxLive() = %d, want 1", eng.MaxLive())
	}

	b.Result("にばんめ", true)
	if got := waitFor(t, second.results, "result"); got != "にばんめ" {
		t.Errorf("result = %q", got)
	}
}

func TestSimple_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	s, eng := newSimpleSession(t)
	rec := newSimpleRecorder()

	s.Stop()
	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	s.Stop()
	s.Stop()

	eventually(t, "attempt stopped", a.Ended)
	time.Sleep(20 * time.Millisecond)
	if a.StopCount() != 1 {
		t.Errorf("stop count = %d, want 1", a.StopCount())
	}
	select {
	case <-rec.ends:
		t.Error("OnEnd fired after Stop")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSimple_StartFailureReported(t *testing.T) {
	t.Parallel()
	errs := make(chan error, 4)
	s, eng := newSimpleSession(t, WithErrorHandler(func(err error) { errs <- err }))
	eng.StartErr = speech.ErrUnsupported

	if !s.Start(t.Context(), newSimpleRecorder().handlers()) {
		t.Fatal("Start returned false with an engine present")
	}
	err := waitFor(t, errs, "start failure")
	if !IsUnsupported(err) {
		t.Errorf("err = %v, want unsupported", err)
	}
	eventually(t, "inactive", func() bool { return !s.Active() })
	time.Sleep(20 * time.Millisecond)
	if n := eng.StartCount(); n != 1 {
		t.Errorf("StartCount() = %d; simple mode must not retry", n)
	}
}

func TestSimple_EngineErrorsReported(t *testing.T) {
	t.Parallel()
	errs := make(chan error, 4)
	s, eng := newSimpleSession(t, WithErrorHandler(func(err error) { errs <- err }))
	rec := newSimpleRecorder()

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.Fail(speech.ErrorNoSpeech)
	a.Fail(speech.ErrorAudioCapture)
	a.End()

	err := waitFor(t, errs, "engine error")
	var ee *speech.EngineError
	if !errors.As(err, &ee) || ee.Code != speech.ErrorAudioCapture {
		t.Errorf("reported %v, want audio-capture", err)
	}
	waitFor(t, rec.ends, "OnEnd")
	if len(errs) != 0 {
		t.Errorf("extra report: %v", <-errs)
	}
}

func TestSimple_NilEngine(t *testing.T) {
	t.Parallel()
	s := NewSimple(nil)
	if s.Start(t.Context(), SimpleHandlers{}) {
		t.Error("Start with no engine should report false")
	}
	s.Stop()
}
