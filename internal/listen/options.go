package listen

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/nell/internal/observe"
	"github.com/MrWong99/nell/pkg/speech"
)

// DefaultBackoff is the delay before a continuous session retries after a
// failed start or a reported engine error.
const DefaultBackoff = 1000 * time.Millisecond

// Option configures a session.
type Option func(*options)

type options struct {
	name       string
	backoff    time.Duration
	classifier *Classifier
	settings   speech.Settings
	metrics    *observe.Metrics
	onError    func(error)
	onState    func(State)
}

func newOptions(opts []Option) options {
	o := options{
		backoff:    DefaultBackoff,
		classifier: defaultClassifier,
		settings:   speech.DefaultSettings(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithName sets the session name attached to log lines.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithBackoff overrides [DefaultBackoff]. Non-positive values are ignored.
func WithBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithClassifier replaces the default interruption classifier.
func WithClassifier(c *Classifier) Option {
	return func(o *options) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithSettings sets the base engine settings (language, audio format). Each
// session type overrides the interim and continuous flags for its mode.
func WithSettings(s speech.Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithMetrics records session activity on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithErrorHandler installs a diagnostic sink for start failures and engine
// errors. no-speech is never reported.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithStateListener is called with every state change of a continuous
// session. It runs without session locks held but may observe changes
// slightly out of order under heavy churn.
func WithStateListener(fn func(State)) Option {
	return func(o *options) { o.onState = fn }
}

// diagnostics funnels session activity into slog, metrics and the error
// handler. A nil metrics instance disables recording.
type diagnostics struct {
	log     *slog.Logger
	mode    string
	metrics *observe.Metrics
	onError func(error)
}

func newDiagnostics(o options, mode string) diagnostics {
	log := slog.Default().With("mode", mode)
	if o.name != "" {
		log = log.With("session", o.name)
	}
	return diagnostics{log: log, mode: mode, metrics: o.metrics, onError: o.onError}
}

func (d diagnostics) engineError(ctx context.Context, err *speech.EngineError) {
	d.log.Warn("listen: recognition error", "code", err.Code, "error", err)
	if d.metrics != nil {
		d.metrics.RecordEngineError(ctx, d.mode, string(err.Code))
	}
	if d.onError != nil {
		d.onError(err)
	}
}

func (d diagnostics) startFailure(ctx context.Context, err error) {
	d.log.Warn("listen: failed to start recognition", "error", err)
	if d.metrics != nil {
		d.metrics.RecordStartFailure(ctx, d.mode)
	}
	if d.onError != nil {
		d.onError(err)
	}
}

func (d diagnostics) restart(ctx context.Context, reason string) {
	d.log.Debug("listen: restarting recognition", "reason", reason)
	if d.metrics != nil {
		d.metrics.RecordRestart(ctx, d.mode, reason)
	}
}

func (d diagnostics) interrupt(ctx context.Context, stop bool) {
	d.log.Debug("listen: interruption", "stop", stop)
	if d.metrics != nil {
		d.metrics.RecordInterrupt(ctx, d.mode, stop)
	}
}

func (d diagnostics) result(ctx context.Context) {
	if d.metrics != nil {
		d.metrics.RecordResult(ctx, d.mode)
	}
}

func (d diagnostics) active(ctx context.Context, delta int64) {
	if d.metrics != nil {
		d.metrics.ActiveListenSessions.Add(ctx, delta)
	}
}

// discard stops an attempt that no watcher will read and drains its events,
// so the engine never blocks delivering them.
func (d diagnostics) discard(a speech.Attempt) {
	if err := a.Stop(); err != nil {
		d.log.Debug("listen: stopping stale recognition", "error", err)
	}
	go func() {
		for range a.Events() {
		}
	}()
}
