// Package app wires all Voicecast subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistory,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/Telegamez/voicecast/internal/broadcast"
	"github.com/Telegamez/voicecast/internal/config"
	"github.com/Telegamez/voicecast/internal/feeder"
	"github.com/Telegamez/voicecast/internal/health"
	"github.com/Telegamez/voicecast/internal/history"
	"github.com/Telegamez/voicecast/internal/observe"
	"github.com/Telegamez/voicecast/internal/signal"
	"github.com/Telegamez/voicecast/pkg/provider/voice"
)

// shutdownTimeout bounds the graceful HTTP drain when the run context ends.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the Voicecast HTTP surface.
type App struct {
	cfg  *config.Config
	prov voice.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	met     *observe.Metrics
	hist    signal.HistoryStore
	sig     *signal.Server
	eng     *broadcast.Engine
	fdr     *feeder.Feeder
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects a history store instead of creating one from config.
func WithHistory(h signal.HistoryStore) Option {
	return func(a *App) { a.hist = h }
}

// WithMetrics injects a metrics instance instead of building one from the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.met = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The voice provider
// comes from main via the config registry. Use Option functions to inject
// test doubles for any subsystem.
//
// Wiring order matters: the signal server is created first so the engine can
// be constructed with its callbacks, then the feeder joins the two, and
// finally Bind closes the loop.
func New(ctx context.Context, cfg *config.Config, prov voice.Provider, opts ...Option) (*App, error) {
	if prov == nil {
		return nil, fmt.Errorf("app: a voice provider is required")
	}

	a := &App{
		cfg:  cfg,
		prov: prov,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Signal server, engine, feeder ─────────────────────────────────
	a.initBroadcast()

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel SDK and the metrics instruments. When a
// metrics instance was injected the caller owns the SDK lifecycle.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.met != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicecast",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(ctx)
	})

	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.met = met
	return nil
}

// initHistory connects the PostgreSQL response archive when a DSN is
// configured. Without one the server runs without archiving.
func (a *App) initHistory(ctx context.Context) error {
	if a.hist != nil {
		return nil // injected
	}

	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		slog.Info("no history DSN configured, response archiving disabled")
		return nil
	}

	store, err := history.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.hist = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected response archive")
	return nil
}

// initBroadcast builds the signal server, engine, and feeder and binds them.
func (a *App) initBroadcast() {
	sigOpts := []signal.Option{
		signal.WithMetrics(a.met),
		signal.WithSyncOffset(a.cfg.Broadcast.SyncOffset()),
	}
	if a.hist != nil {
		sigOpts = append(sigOpts, signal.WithHistory(a.hist))
	}
	if a.cfg.History.RecentLimit > 0 {
		sigOpts = append(sigOpts, signal.WithRecentLimit(a.cfg.History.RecentLimit))
	}
	a.sig = signal.NewServer(sigOpts...)

	a.eng = broadcast.New(a.cfg.Broadcast.EngineConfig(), a.sig.Callbacks(),
		broadcast.WithMetrics(a.met))

	a.fdr = feeder.New(a.eng, a.prov,
		feeder.WithMetrics(a.met),
		feeder.WithSessionConfig(voice.SessionConfig{
			Voice: a.cfg.Provider.Voice.Voice,
		}))

	a.sig.Bind(a.eng, a.fdr)

	// Feeder before engine: in-flight provider sessions must drain first.
	a.closers = append(a.closers, a.fdr.Close, a.eng.Close)
}

// initHTTP assembles the route table and the HTTP server.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	a.sig.Register(mux)

	var checkers []health.Checker
	if p, ok := a.hist.(health.Pinger); ok {
		checkers = append(checkers, health.Archive(p))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.met)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains connections gracefully.
// It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tls := a.cfg.Server.TLS
		slog.Info("server listening", "addr", a.httpSrv.Addr, "tls", tls != nil)

		var err error
		if tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(drainCtx); err != nil {
			slog.Warn("http drain failed", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
