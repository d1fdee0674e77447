package listen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/nell/internal/observe"
	"github.com/MrWong99/nell/pkg/speech"
	"github.com/MrWong99/nell/pkg/speech/mock"
)

const waitTimeout = 2 * time.Second

// recorder collects continuous-session callbacks.
type recorder struct {
	speaking   atomic.Bool
	results    chan string
	interrupts chan bool
	errs       chan error
}

func newRecorder() *recorder {
	return &recorder{
		results:    make(chan string, 64),
		interrupts: make(chan bool, 64),
		errs:       make(chan error, 64),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnResult:    func(text string) { r.results <- text },
		OnInterrupt: func(isStop bool) { r.interrupts <- isStop },
		IsSpeaking:  r.speaking.Load,
	}
}

func (r *recorder) onError(err error) { r.errs <- err }

func waitAttempt(t *testing.T, eng *mock.Engine) *mock.Attempt {
	t.Helper()
	select {
	case a := <-eng.Started():
		return a
	case <-time.After(waitTimeout):
		t.Fatalf("no attempt started (starts so far: %d)", eng.StartCount())
		return nil
	}
}

func expectNoAttempt(t *testing.T, eng *mock.Engine, d time.Duration) {
	t.Helper()
	select {
	case <-eng.Started():
		t.Fatal("unexpected attempt started")
	case <-time.After(d):
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met: %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestSession(t *testing.T, opts ...Option) (*ContinuousSession, *mock.Engine, *recorder) {
	t.Helper()
	eng := mock.NewEngine()
	rec := newRecorder()
	opts = append([]Option{WithBackoff(20 * time.Millisecond), WithErrorHandler(rec.onError)}, opts...)
	s := NewContinuous(eng, opts...)
	t.Cleanup(s.Stop)
	return s, eng, rec
}

func TestContinuous_ResultWhenQuiet(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)

	if !s.Start(t.Context(), rec.handlers()) {
		t.Fatal("Start returned false")
	}
	a := waitAttempt(t, eng)
	a.Result("  おはよう ", true)

	if got := waitFor(t, rec.results, "result"); got != "おはよう" {
		t.Errorf("result = %q, want %q", got, "おはよう")
	}
	if a.StopCount() != 1 || !a.Ended() {
		t.Errorf("attempt stop count = %d, ended = %v; want stopped once", a.StopCount(), a.Ended())
	}

	// The delivered utterance ends the attempt and listening resumes.
	next := waitAttempt(t, eng)
	if next == a {
		t.Fatal("expected a fresh attempt")
	}
	if len(rec.interrupts) != 0 {
		t.Error("interrupt callback fired for a quiet companion")
	}
}

func TestContinuous_SettingsForMode(t *testing.T) {
	t.Parallel()
	base := speech.DefaultSettings()
	base.Language = "en-US"
	base.InterimResults = true
	base.Continuous = true
	s, eng, rec := newTestSession(t, WithSettings(base))

	s.Start(t.Context(), rec.handlers())
	waitAttempt(t, eng)

	got := eng.StartCalls[0].Settings
	if got.Language != "en-US" || got.InterimResults || got.Continuous || got.MaxAlternatives != 1 {
		t.Errorf("settings = %+v", got)
	}
}

func TestContinuous_DispatchWhileSpeaking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		wantStop   bool
		wantSignal bool
	}{
		{name: "long plain utterance", text: "きょうはいいてんきだったよね", wantStop: false, wantSignal: true},
		{name: "twelve characters", text: "abcdefghijkl", wantStop: false, wantSignal: true},
		{name: "short stop keyword", text: "ちがう", wantStop: true, wantSignal: true},
		{name: "keyword in long text", text: "ちょっとまってほしいんだけど", wantStop: true, wantSignal: true},
		{name: "short plain utterance", text: "うん", wantSignal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, eng, rec := newTestSession(t)
			rec.speaking.Store(true)

			s.Start(t.Context(), rec.handlers())
			a := waitAttempt(t, eng)
			a.Result(tt.text, true)

			// A marker utterance after the companion goes quiet proves the
			// first one was fully processed.
			if !tt.wantSignal {
				time.Sleep(20 * time.Millisecond)
				if len(rec.interrupts) != 0 {
					t.Fatal("unexpected interrupt")
				}
				rec.speaking.Store(false)
				a.Result("つぎ", true)
				if got := waitFor(t, rec.results, "marker result"); got != "つぎ" {
					t.Fatalf("first result = %q; the dropped utterance must not be delivered", got)
				}
				return
			}

			if got := waitFor(t, rec.interrupts, "interrupt"); got != tt.wantStop {
				t.Errorf("isStop = %v, want %v", got, tt.wantStop)
			}
			if a.StopCount() != 0 {
				t.Error("an interruption must not stop the attempt")
			}
			select {
			case r := <-rec.results:
				t.Errorf("result callback fired with %q", r)
			case <-time.After(20 * time.Millisecond):
			}
		})
	}
}

func TestContinuous_IgnoresInterimAndEmpty(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.Result("おは", false)
	a.Result("   ", true)
	a.Emit(speech.ResultEvent{ResultIndex: 3, Results: []speech.Result{mock.Slot("x", true)}})
	a.Result("おはよう", true)

	if got := waitFor(t, rec.results, "result"); got != "おはよう" {
		t.Errorf("result = %q", got)
	}
}

func TestContinuous_ParksWhileSpeakingAndResumes(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)
	rec.speaking.Store(true)

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.End()

	expectNoAttempt(t, eng, 50*time.Millisecond)
	if st := s.State(); st != StateIdle {
		t.Errorf("State() = %s, want idle", st)
	}
	if !s.Active() {
		t.Error("a parked session is still active")
	}

	rec.speaking.Store(false)
	if !s.Resume() {
		t.Fatal("Resume returned false on a parked session")
	}
	waitAttempt(t, eng)
	eventually(t, "listening", func() bool { return s.State() == StateListening })
	if s.Resume() {
		t.Error("Resume on a listening session should report false")
	}
}

func TestContinuous_StartSwapsHandlers(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	eventually(t, "listening", func() bool { return s.State() == StateListening })

	second := newRecorder()
	if !s.Start(t.Context(), second.handlers()) {
		t.Fatal("Start on an active session returned false")
	}
	expectNoAttempt(t, eng, 30*time.Millisecond)
	if a.StopCount() != 0 {
		t.Error("swapping handlers must not touch the running attempt")
	}

	a.Result("こんにちは", true)
	if got := waitFor(t, second.results, "result on new handlers"); got != "こんにちは" {
		t.Errorf("result = %q", got)
	}
	if len(rec.results) != 0 {
		t.Error("old handlers still received the result")
	}
}

func TestContinuous_StartRelaunchesParkedSession(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)
	rec.speaking.Store(true)

	s.Start(t.Context(), rec.handlers())
	waitAttempt(t, eng).End()
	eventually(t, "parked", func() bool { return s.State() == StateIdle })

	quiet := newRecorder()
	s.Start(t.Context(), quiet.handlers())
	waitAttempt(t, eng)
}

func TestContinuous_StartAlwaysReplacesAttempt(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)

	s.StartAlways(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)

	second := newRecorder()
	if !s.StartAlways(t.Context(), second.handlers()) {
		t.Fatal("StartAlways returned false")
	}
	b := waitAttempt(t, eng)
	if a.StopCount() != 1 {
		t.Errorf("old attempt stop count = %d, want 1", a.StopCount())
	}

	// The replaced attempt's end must not trigger its own restart.
	expectNoAttempt(t, eng, 30*time.Millisecond)

	b.Result("はい", true)
	if got := waitFor(t, second.results, "result"); got != "はい" {
		t.Errorf("result = %q", got)
	}
	if eng.MaxLive() != 1 {
		t.Errorf("MaxLive() = %d, want 1", eng.MaxLive())
	}
}

func TestContinuous_ErrorRestartsAfterBackoff(t *testing.T) {
	t.Parallel()
	const backoff = 60 * time.Millisecond
	s, eng, rec := newTestSession(t, WithBackoff(backoff))

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.Fail(speech.ErrorNetwork)
	ended := time.Now()
	a.End()

	err := waitFor(t, rec.errs, "reported error")
	var ee *speech.EngineError
	if !errors.As(err, &ee) || ee.Code != speech.ErrorNetwork {
		t.Errorf("reported %v, want network engine error", err)
	}

	waitAttempt(t, eng)
	if elapsed := time.Since(ended); elapsed < backoff {
		t.Errorf("restart after %v, want at least %v", elapsed, backoff)
	}
}

func TestContinuous_NoSpeechIsSilentAndImmediate(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t, WithBackoff(time.Hour))

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.Fail(speech.ErrorNoSpeech)
	a.End()

	waitAttempt(t, eng)
	if len(rec.errs) != 0 {
		t.Errorf("no-speech was reported: %v", <-rec.errs)
	}
}

func TestContinuous_StartFailureRetries(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)
	denied := errors.New("permission denied")
	eng.StartErrs = []error{denied, denied}

	s.Start(t.Context(), rec.handlers())
	for range 2 {
		if err := waitFor(t, rec.errs, "start failure"); !errors.Is(err, denied) {
			t.Errorf("reported %v, want wrapped %v", err, denied)
		}
	}
	waitAttempt(t, eng)
	if n := eng.StartCount(); n != 3 {
		t.Errorf("StartCount() = %d, want 3", n)
	}
}

func TestContinuous_StopCancelsPendingBackoff(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t, WithBackoff(30*time.Millisecond))
	eng.StartErr = errors.New("unavailable")

	s.Start(t.Context(), rec.handlers())
	waitFor(t, rec.errs, "start failure")
	eventually(t, "backoff", func() bool { return s.State() == StateBackoff })
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	if n := eng.StartCount(); n != 1 {
		t.Errorf("StartCount() = %d after Stop, want 1", n)
	}
	if s.State() != StateIdle || s.Active() {
		t.Errorf("state = %s, active = %v", s.State(), s.Active())
	}
}

func TestContinuous_StopRacingErrorBackoff(t *testing.T) {
	t.Parallel()

	for i := range 20 {
		s, eng, rec := newTestSession(t, WithBackoff(time.Duration(i%3)*time.Millisecond+time.Millisecond))
		s.Start(t.Context(), rec.handlers())
		a := waitAttempt(t, eng)

		a.Fail(speech.ErrorNetwork)
		go a.End()
		s.Stop()

		time.Sleep(10 * time.Millisecond)
		settled := eng.AttemptCount()
		time.Sleep(20 * time.Millisecond)
		if n := eng.AttemptCount(); n != settled {
			t.Fatalf("iteration %d: attempts grew from %d to %d after Stop", i, settled, n)
		}
		if live := eng.Live(); live != 0 {
			t.Fatalf("iteration %d: %d attempts still live after Stop", i, live)
		}
	}
}

func TestContinuous_StopEndsAttemptWithoutRestart(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	s.Stop()

	if !a.Ended() {
		t.Error("Stop did not stop the attempt")
	}
	expectNoAttempt(t, eng, 40*time.Millisecond)
	if s.Active() {
		t.Error("session still active after Stop")
	}
}

func TestContinuous_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)

	s.Stop()

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	s.Stop()
	s.Stop()
	if got := a.StopCount(); got != 1 {
		t.Errorf("attempt stop count = %d, want 1", got)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %s", s.State())
	}
}

func TestContinuous_StopErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)

	s.Start(t.Context(), rec.handlers())
	a := waitAttempt(t, eng)
	a.StopErr = errors.New("already stopped")
	a.Result("ねえ", true)

	if got := waitFor(t, rec.results, "result"); got != "ねえ" {
		t.Errorf("result = %q", got)
	}
	waitAttempt(t, eng)
	if len(rec.errs) != 0 {
		t.Error("stop errors must not reach the error handler")
	}
}

func TestContinuous_StopFromResultCallback(t *testing.T) {
	t.Parallel()
	s, eng, _ := newTestSession(t)

	got := make(chan string, 1)
	s.Start(t.Context(), Handlers{OnResult: func(text string) {
		s.Stop()
		got <- text
	}})
	waitAttempt(t, eng).Result("おしまい", true)

	waitFor(t, got, "result")
	expectNoAttempt(t, eng, 40*time.Millisecond)
}

// Every natural end restarts exactly once and never overlaps attempts.
func TestContinuous_RestartLoop(t *testing.T) {
	t.Parallel()
	const n = 25
	s, eng, rec := newTestSession(t)

	s.Start(t.Context(), rec.handlers())
	for range n {
		waitAttempt(t, eng).End()
	}
	last := waitAttempt(t, eng)

	if got := eng.StartCount(); got != n+1 {
		t.Errorf("StartCount() = %d, want %d", got, n+1)
	}
	if got := eng.MaxLive(); got != 1 {
		t.Errorf("MaxLive() = %d, want 1", got)
	}

	s.Stop()
	if !last.Ended() {
		t.Error("Stop left the last attempt running")
	}
	expectNoAttempt(t, eng, 30*time.Millisecond)
}

func TestContinuous_ContextCancelStopsSession(t *testing.T) {
	t.Parallel()
	s, eng, rec := newTestSession(t)

	ctx, cancel := context.WithCancel(t.Context())
	s.Start(ctx, rec.handlers())
	a := waitAttempt(t, eng)
	cancel()
	a.End()

	eventually(t, "inactive", func() bool { return !s.Active() })
	if n := eng.StartCount(); n != 1 {
		t.Errorf("StartCount() = %d, want 1", n)
	}
}

func TestContinuous_NilEngine(t *testing.T) {
	t.Parallel()
	s := NewContinuous(nil)
	if s.Start(t.Context(), Handlers{}) {
		t.Error("Start with no engine should report false")
	}
	if s.StartAlways(t.Context(), Handlers{}) {
		t.Error("StartAlways with no engine should report false")
	}
	s.Stop()
	if s.Resume() {
		t.Error("Resume on a stopped session should report false")
	}
}

func TestContinuous_StateListener(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []State
	s, eng, rec := newTestSession(t, WithStateListener(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}))

	s.Start(t.Context(), rec.handlers())
	waitAttempt(t, eng)
	eventually(t, "listening reported", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateListening, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("states = %v, want %v", seen, want)
			break
		}
	}
}

func TestContinuous_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s, eng, rec := newTestSession(t, WithMetrics(m))
	s.Start(t.Context(), rec.handlers())
	waitAttempt(t, eng).End()
	a := waitAttempt(t, eng)
	a.Result("はい", true)
	waitFor(t, rec.results, "result")
	waitAttempt(t, eng)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := map[string]int64{
		"nell.listen.restarts":        2,
		"nell.listen.results":         1,
		"nell.listen.active_sessions": 1,
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			w, ok := want[met.Name]
			if !ok {
				continue
			}
			delete(want, met.Name)
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Errorf("%s: no sum data", met.Name)
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			if total != w {
				t.Errorf("%s = %d, want %d", met.Name, total, w)
			}
		}
	}
	for name := range want {
		t.Errorf("metric %s not recorded", name)
	}
}
