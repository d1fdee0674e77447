package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/nell/internal/observe"
)

// ErrAllFailed is returned when every backend of a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Kind labels metrics and logs: "stt", "llm" or "tts".
	Kind string

	// CircuitBreaker is the template for each backend's breaker. Name is
	// replaced by the backend name.
	CircuitBreaker CircuitBreakerConfig

	// Metrics, when set, records every backend failure.
	Metrics *observe.Metrics
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable backends in preference order, each
// behind its own [CircuitBreaker]. Backends are added before first use.
type FallbackGroup[T any] struct {
	cfg      FallbackConfig
	backends []backend[T]
}

// NewFallbackGroup creates a group whose first choice is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a backend tried after all earlier ones.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.backends = append(g.backends, backend[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Len returns the number of backends.
func (g *FallbackGroup[T]) Len() int { return len(g.backends) }

// Primary returns the first backend.
func (g *FallbackGroup[T]) Primary() T { return g.backends[0].value }

// BackendStatus is the health of one backend.
type BackendStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Status returns the breaker state of every backend in preference order.
func (g *FallbackGroup[T]) Status() []BackendStatus {
	out := make([]BackendStatus, len(g.backends))
	for i, b := range g.backends {
		out[i] = BackendStatus{Name: b.name, State: b.breaker.State().String()}
	}
	return out
}

// Healthy reports whether at least one backend would accept a call.
func (g *FallbackGroup[T]) Healthy() bool {
	for _, b := range g.backends {
		if b.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute calls fn on each backend in order until one succeeds.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn on each backend in order until one succeeds and
// returns its result. Cancellation of ctx stops the walk with ctx's error.
func ExecuteWithResult[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.backends {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		b := &g.backends[i]
		var result R
		err := b.breaker.Execute(func() error {
			var err error
			result, err = fn(b.value)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("resilience: served by fallback", "kind", g.cfg.Kind, "provider", b.name)
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "kind", g.cfg.Kind, "provider", b.name)
			continue
		}
		if ctx.Err() != nil {
			return zero, err
		}
		slog.Warn("resilience: provider failed, trying next", "kind", g.cfg.Kind, "provider", b.name, "error", err)
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.RecordProviderError(ctx, b.name, g.cfg.Kind)
		}
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllFailed, g.cfg.Kind, lastErr)
}
