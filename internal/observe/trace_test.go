package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test. Tests using it must not run in parallel.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer for the duration of the
// test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestSessionID(t *testing.T) {
	t.Parallel()
	if got := SessionID(t.Context()); got != "" {
		t.Errorf("SessionID(empty) = %q", got)
	}
	ctx := WithSessionID(t.Context(), "sess-1")
	if got := SessionID(ctx); got != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSessionID(t.Context(), "sess-1")
	_, span := StartSpan(ctx, "companion.reply")
	span.End()
	_, bare := StartSpan(t.Context(), "listen.attempt")
	bare.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	var tagged bool
	for _, kv := range spans[0].Attributes {
		if kv.Key == AttrSessionID && kv.Value.AsString() == "sess-1" {
			tagged = true
		}
	}
	if !tagged {
		t.Errorf("span %q missing session attribute: %v", spans[0].Name, spans[0].Attributes)
	}
	for _, kv := range spans[1].Attributes {
		if kv.Key == AttrSessionID {
			t.Errorf("span without session carries %v", kv)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	useTestTracer(t)

	if got := CorrelationID(t.Context()); got != "" {
		t.Errorf("CorrelationID without span = %q", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(t.Context(), "http.request")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation id %q is not a 32-char hex trace id", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	tests := []struct {
		name    string
		session string
		span    bool
		want    []string
		wantNot []string
	}{
		{name: "plain", wantNot: []string{"session_id", "trace_id"}},
		{name: "session only", session: "sess-1", want: []string{"session_id=sess-1"}, wantNot: []string{"trace_id"}},
		{name: "span only", span: true, want: []string{"trace_id=", "span_id="}, wantNot: []string{"session_id"}},
		{name: "both", session: "sess-2", span: true, want: []string{"session_id=sess-2", "trace_id="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := t.Context()
			if tt.session != "" {
				ctx = WithSessionID(ctx, tt.session)
			}
			if tt.span {
				var span trace.Span
				ctx, span = StartSpan(ctx, "listen.attempt")
				defer span.End()
			}

			Logger(ctx).Info("listen: result")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.wantNot {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
