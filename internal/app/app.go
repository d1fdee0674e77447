// Package app wires the nell subsystems into a running server.
//
// New builds the journal, the client gateway and the HTTP router from the
// config and the provider groups; Run serves until its context ends; Shutdown
// releases everything New acquired. Tests inject doubles through the
// functional options.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nell/internal/config"
	"github.com/MrWong99/nell/internal/gateway"
	"github.com/MrWong99/nell/internal/health"
	"github.com/MrWong99/nell/internal/journal"
	"github.com/MrWong99/nell/internal/journal/postgres"
	"github.com/MrWong99/nell/internal/observe"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns the lifetime of every subsystem.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	journal journal.Store
	pinger  health.Pinger
	gateway *gateway.Handler
	health  *health.Handler
	router  chi.Router

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithJournal injects a journal store instead of creating one from config.
// The App does not close an injected store.
func WithJournal(s journal.Store) Option {
	return func(a *App) { a.journal = s }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the App the level of the process logger so that config
// reloads can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App. providers may have nil groups for kinds that are not
// configured; a nil providers is treated as none configured.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}
	a.initGateway()
	a.initHealth()
	a.initRouter()
	a.closers = append(a.closers, providers.Close)
	return a, nil
}

// initJournal opens the configured store and attaches the MQTT publisher.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal != nil {
		if p, ok := a.journal.(health.Pinger); ok {
			a.pinger = p
		}
		return nil
	}

	var store journal.Store
	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := postgres.Open(ctx, dsn)
		if err != nil {
			return err
		}
		a.pinger = pg
		store = pg
		slog.Info("app: journal stored in postgres")
	} else {
		store = journal.NewMemoryStore(a.cfg.Storage.JournalSize)
		slog.Info("app: journal kept in memory", "size", a.cfg.Storage.JournalSize)
	}

	var pubs []journal.Publisher
	if m := a.cfg.MQTT; m.BrokerURL != "" {
		pub, err := journal.DialMQTT(journal.MQTTConfig{
			BrokerURL:   m.BrokerURL,
			ClientID:    m.ClientID,
			Username:    m.Username,
			Password:    m.Password,
			TopicPrefix: m.TopicPrefix,
			QoS:         byte(m.QoS),
		})
		if err != nil {
			return errors.Join(err, store.Close())
		}
		pubs = append(pubs, pub)
		slog.Info("app: journal published to mqtt", "broker", m.BrokerURL, "prefix", m.TopicPrefix)
	}

	tee := journal.NewTee(store, pubs...)
	a.journal = tee
	a.closers = append(a.closers, tee.Close)
	return nil
}

func (a *App) initGateway() {
	opts := []gateway.Option{
		gateway.WithJournal(a.journal),
		gateway.WithMetrics(a.metrics),
		gateway.WithSettings(gateway.SettingsFromConfig(a.cfg)),
	}
	// Nil groups stay out so the gateway sees nil interfaces.
	if a.providers.STT != nil {
		opts = append(opts, gateway.WithSTT(a.providers.STT))
	}
	if a.providers.LLM != nil {
		opts = append(opts, gateway.WithLLM(a.providers.LLM))
	}
	if a.providers.TTS != nil {
		opts = append(opts, gateway.WithTTS(a.providers.TTS))
	}
	if len(a.cfg.Server.AllowedOrigins) > 0 {
		opts = append(opts, gateway.WithOriginPatterns(a.cfg.Server.AllowedOrigins...))
	}
	a.gateway = gateway.New(opts...)
}

func (a *App) initHealth() {
	checks := a.providers.Checkers()
	if a.pinger != nil {
		checks = append(checks, health.PingCheck("journal", a.pinger))
	}
	a.health = health.New(checks...)
}

func (a *App) initRouter() {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	a.health.Routes(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", a.gateway.ServeHTTP)
	r.Get("/sessions/{id}/journal", a.journalEntries)
	a.router = r
}

// Handler returns the HTTP handler of the App.
func (a *App) Handler() http.Handler { return a.router }

// Gateway returns the client gateway.
func (a *App) Gateway() *gateway.Handler { return a.gateway }

// Run listens on the configured address and serves until ctx is done. It
// returns ctx's error after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. Client connections are closed first,
// then the HTTP server drains within the configured shutdown timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		a.gateway.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	slog.Info("app: serving", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies a reloaded config. The log level and the listening and
// companion settings of new connections change in place; other sections are
// only reported as needing a restart.
func (a *App) ApplyConfig(old, cfg *config.Config) {
	d := config.Diff(old, cfg)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.ListeningChanged || d.CompanionChanged {
		a.gateway.UpdateSettings(gateway.SettingsFromConfig(cfg))
		slog.Info("app: connection settings updated",
			"listening", d.ListeningChanged,
			"companion", d.CompanionChanged,
		)
	}
	if d.RestartRequired {
		slog.Warn("app: config change needs a restart to take effect", "sections", d.RestartSections)
	}
}

// Shutdown closes the gateway and releases every subsystem in order. Closers
// still pending when ctx ends are skipped and ctx's error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.gateway.Close()
		for i, closer := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				err = ctx.Err()
				return
			}
			if cerr := closer(); cerr != nil {
				slog.Warn("app: closer failed", "index", i, "error", cerr)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return err
}

// journalEntries serves GET /sessions/{id}/journal?limit=N.
func (a *App) journalEntries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := a.journal.Recent(r.Context(), id, limit)
	if err != nil {
		observe.Logger(r.Context()).Warn("app: read journal", "session_id", id, "error", err)
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		slog.Debug("app: write journal response", "error", err)
	}
}
