package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/nell/internal/app"
	"github.com/MrWong99/nell/internal/config"
	"github.com/MrWong99/nell/internal/gateway"
	"github.com/MrWong99/nell/internal/journal"
	"github.com/MrWong99/nell/internal/observe"
	"github.com/MrWong99/nell/internal/resilience"
	"github.com/MrWong99/nell/pkg/provider/llm"
	llmmock "github.com/MrWong99/nell/pkg/provider/llm/mock"
	"github.com/MrWong99/nell/pkg/provider/stt"
	sttmock "github.com/MrWong99/nell/pkg/provider/stt/mock"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, ps *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(t.Context(), cfg, ps, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNew_Routes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), nil)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/sessions/s1/journal", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := get(t, a.Handler(), tt.path); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestJournalEndpoint(t *testing.T) {
	t.Parallel()
	store := journal.NewMemoryStore(10)
	for _, text := range []string{"いち", "に", "さん"} {
		if err := store.Append(t.Context(), journal.Entry{SessionID: "s1", Kind: journal.KindResult, Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	a := newApp(t, testConfig(), nil, app.WithJournal(store))

	rec := get(t, a.Handler(), "/sessions/s1/journal?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	var entries []journal.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].Text != "に" || entries[1].Text != "さん" {
		t.Errorf("entries = %+v", entries)
	}

	rec = get(t, a.Handler(), "/sessions/unknown/journal")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("unknown session body = %q, want []", body)
	}

	for _, bad := range []string{"abc", "-1"} {
		if rec := get(t, a.Handler(), "/sessions/s1/journal?limit="+bad); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", bad, rec.Code)
		}
	}
}

type failingStore struct{ journal.Store }

func (failingStore) Recent(context.Context, string, int) ([]journal.Entry, error) {
	return nil, errors.New("connection reset")
}

func (failingStore) Ping(context.Context) error { return errors.New("connection reset") }

func TestJournalUnavailable(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), nil, app.WithJournal(failingStore{}))

	if rec := get(t, a.Handler(), "/sessions/s1/journal"); rec.Code != http.StatusInternalServerError {
		t.Errorf("journal status = %d, want 500", rec.Code)
	}
	rec := get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "journal") {
		t.Errorf("readyz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadyz_OpenBreakerFailsProviderCheck(t *testing.T) {
	t.Parallel()
	down := &sttmock.Provider{StartStreamErr: errors.New("dial: connection refused")}
	ps := &app.Providers{STT: resilience.NewSTTFallback(down, "deepgram", resilience.FallbackConfig{})}
	a := newApp(t, testConfig(), ps)

	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz before failures = %d", rec.Code)
	}
	for range resilience.DefaultMaxFailures {
		ps.STT.StartStream(t.Context(), stt.StreamConfig{})
	}
	rec := get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "stt") {
		t.Errorf("readyz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	old := testConfig()
	level := new(slog.LevelVar)
	a := newApp(t, old, nil, app.WithLogLevel(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Listening.Mode = config.ModeSimple
	next.Listening.Backoff = 250 * time.Millisecond
	next.Companion.Persona = "あなたはネルです。"
	a.ApplyConfig(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	s := a.Gateway().Settings()
	if s.Mode != config.ModeSimple || s.Backoff != 250*time.Millisecond || s.Persona != "あなたはネルです。" {
		t.Errorf("settings = %+v", s)
	}

	restart := testConfig()
	restart.Server.LogLevel = config.LogDebug
	restart.Listening.Mode = config.ModeSimple
	restart.Listening.Backoff = 250 * time.Millisecond
	restart.Companion.Persona = "あなたはネルです。"
	restart.Server.ListenAddr = ":9999"
	a.ApplyConfig(next, restart)
	if a.Gateway().Settings().Mode != config.ModeSimple {
		t.Error("a restart-only change must not touch connection settings")
	}
}

func TestServe(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	ws, _, err := websocket.Dial(t.Context(), "ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer ws.CloseNow()
	var ev gateway.Event
	if err := wsjson.Read(t.Context(), ws, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != gateway.EventReady || ev.SessionID == "" {
		t.Errorf("first event = %+v, want ready", ev)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if n := a.Gateway().Connections(); n != 0 {
		t.Errorf("connections after shutdown = %d", n)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), nil)
	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if rec := get(t, a.Handler(), "/ws"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ws after shutdown = %d, want 503", rec.Code)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	primary := &sttmock.Provider{StartStreamErr: errors.New("down")}
	backup := &sttmock.Provider{}
	reg.RegisterSTT("primary", func(config.ProviderEntry) (stt.Provider, error) { return primary, nil })
	reg.RegisterSTT("backup", func(config.ProviderEntry) (stt.Provider, error) { return backup, nil })
	reg.RegisterLLM("chat", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })

	cfg := testConfig()
	cfg.Providers.STT = config.ProviderEntry{Name: "primary"}
	cfg.Providers.STTFallbacks = []config.ProviderEntry{{Name: "missing"}, {Name: "backup"}}
	cfg.Providers.LLM = config.ProviderEntry{Name: "chat"}

	ps, err := app.BuildProviders(cfg, reg, testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.STT == nil || ps.STT.Len() != 2 {
		t.Fatalf("stt group = %+v, want primary and backup", ps.STT)
	}
	if ps.LLM == nil || ps.LLM.Len() != 1 {
		t.Errorf("llm group = %+v", ps.LLM)
	}
	if ps.TTS != nil {
		t.Error("tts group built without a configured provider")
	}
	if len(ps.Checkers()) != 2 {
		t.Errorf("checkers = %d, want 2", len(ps.Checkers()))
	}

	h, err := ps.STT.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	h.Close()
	if backup.CallCount() != 1 {
		t.Errorf("backup calls = %d, want 1", backup.CallCount())
	}
}

func TestBuildProviders_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("model must not be empty")
	})
	cfg := testConfig()
	cfg.Providers.LLM = config.ProviderEntry{Name: "broken"}

	if _, err := app.BuildProviders(cfg, reg, testMetrics(t)); err == nil {
		t.Fatal("expected factory error")
	}
}

func TestRegisterBuiltins_MatchesKnownNames(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)

	for kind, want := range config.ValidProviderNames {
		got := reg.Names(kind)
		for _, name := range want {
			if !slices.Contains(got, name) {
				t.Errorf("%s provider %q is listed as valid but not registered", kind, name)
			}
		}
		if len(got) != len(want) {
			t.Errorf("%s registered %v, valid names %v", kind, got, want)
		}
	}
}

func TestRegisterBuiltins_Construct(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)

	if _, err := reg.CreateSTT(config.ProviderEntry{
		Name:    "deepgram",
		APIKey:  "dg-test",
		Options: map[string]any{"language": "ja", "endpointing_ms": 300},
	}); err != nil {
		t.Errorf("deepgram: %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err == nil {
		t.Error("deepgram without api key should fail")
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{
		Name:    "openai",
		APIKey:  "sk-test",
		Options: map[string]any{"silence_threshold": "700ms"},
	}); err != nil {
		t.Errorf("openai stt: %v", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"}); err != nil {
		t.Errorf("openai llm: %v", err)
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs", APIKey: "el-test"}); err != nil {
		t.Errorf("elevenlabs: %v", err)
	}
}
