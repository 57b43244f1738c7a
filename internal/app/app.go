// Package app wires all Attune subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects the hub,
// orchestrator, and upstream transport, Run drives them with an errgroup
// until the context is cancelled, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithBroadcaster,
// WithUpstream). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/attunelabs/attune/internal/config"
	"github.com/attunelabs/attune/internal/engine"
	"github.com/attunelabs/attune/internal/health"
	"github.com/attunelabs/attune/internal/hub"
	"github.com/attunelabs/attune/internal/observe"
	"github.com/attunelabs/attune/internal/orchestrator"
	"github.com/attunelabs/attune/internal/patience"
	"github.com/attunelabs/attune/internal/relay"
	transport "github.com/attunelabs/attune/internal/transport/realtime"
	"github.com/attunelabs/attune/pkg/realtime"
)

// shutdownTimeout bounds the HTTP server drain during Shutdown.
const shutdownTimeout = 10 * time.Second

// Upstream is the transport surface the app drives. Implemented by
// [realtime.Client]; tests inject a double.
type Upstream interface {
	Run(ctx context.Context) error
	Connected() bool
	SetSilenceThreshold(d time.Duration)
}

// App owns all subsystem lifetimes for one Attune process.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	hub      *hub.Hub
	orch     *orchestrator.Orchestrator
	upstream Upstream

	// broadcaster overrides the hub as the relay boundary when injected.
	broadcaster relay.Broadcaster

	// logLevel, when set, is retargeted on config hot-reload.
	logLevel *slog.LevelVar

	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects the metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithBroadcaster injects the relay boundary instead of the hub.
func WithBroadcaster(b relay.Broadcaster) Option {
	return func(a *App) { a.broadcaster = b }
}

// WithUpstream injects the upstream transport instead of dialing the
// configured service.
func WithUpstream(u Upstream) Option {
	return func(a *App) { a.upstream = u }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config hot-reloads can retarget verbosity.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring hub, orchestrator, and upstream transport
// together. Initialisation is synchronous; nothing runs until [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Hub (observer fan-out, relay boundary) ────────────────────────
	a.hub = hub.New(hub.Config{
		MaxSubscribers: cfg.Hub.MaxSubscribers,
		WriteTimeout:   cfg.Hub.WriteTimeout.Std(),
		History:        cfg.Hub.History,
	}, hub.WithMetrics(a.metrics))
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	boundary := a.broadcaster
	if boundary == nil {
		boundary = a.hub
	}

	// ── 2. Upstream transport ────────────────────────────────────────────
	// The transport and the orchestrator reference each other (frames flow
	// down, silence thresholds flow up), so the dispatcher side is bound
	// through a proxy after both exist.
	proxy := &dispatchProxy{}
	if a.upstream == nil {
		a.upstream = transport.New(transport.Config{
			URL:                cfg.Upstream.URL,
			APIKey:             cfg.Upstream.APIKey,
			Model:              cfg.Upstream.Model,
			TranscriptionModel: cfg.Upstream.TranscriptionModel,
			MaxAttempts:        cfg.Upstream.Reconnect.MaxAttempts,
			InitialBackoff:     cfg.Upstream.Reconnect.InitialBackoff.Std(),
			MaxBackoff:         cfg.Upstream.Reconnect.MaxBackoff.Std(),
		}, proxy)
	}

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	a.orch = orchestrator.New(
		orchestratorConfig(cfg),
		boundary,
		patience.ThresholdSinkFunc(a.upstream.SetSilenceThreshold),
		orchestrator.WithMetrics(a.metrics),
	)
	proxy.bind(a.orch)

	// ── 4. Bridge orchestrator updates to the hub ────────────────────────
	// Finalized turns reach observers through the relay/Broadcast path;
	// everything else flows through the subscription.
	sessionID := a.orch.SessionID()
	unsubscribe := a.orch.Subscribe(func(u orchestrator.Update) {
		switch u.Type {
		case orchestrator.UpdatePartial:
			a.hub.PublishPartial(sessionID, *u.Message)
		case orchestrator.UpdateStatus:
			a.hub.PublishStatus(sessionID, u.Status)
		case orchestrator.UpdateError:
			a.hub.PublishError(sessionID, u.Err)
		}
	})
	unsubDiag := a.orch.SubscribeDiagnostics(func(ev realtime.ConversationEvent) {
		a.hub.PublishDiagnostic(sessionID, ev)
	})
	a.closers = append(a.closers, func() error {
		unsubscribe()
		unsubDiag()
		return nil
	})

	// ── 5. HTTP server ───────────────────────────────────────────────────
	a.httpSrv = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: a.buildMux(),
	}

	return a, nil
}

// Orchestrator exposes the session orchestrator (snapshot and subscription
// surface) to the caller.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Hub exposes the observer hub.
func (a *App) Hub() *hub.Hub { return a.hub }

// orchestratorConfig maps the YAML schema onto the domain tuning structs.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Engine: engine.Config{
			BargeIn:          cfg.Engine.BargeIn,
			FallbackTimeout:  cfg.Engine.FallbackTimeout.Std(),
			FallbackSentinel: cfg.Engine.FallbackSentinel,
			FailureSentinel:  cfg.Engine.FailureSentinel,
		},
		Patience: patience.Config{
			BaseSilence:          cfg.Patience.BaseSilence.Std(),
			MinSilence:           cfg.Patience.MinSilence.Std(),
			MaxSilence:           cfg.Patience.MaxSilence.Std(),
			ShortFragmentBonus:   cfg.Patience.ShortFragmentBonus.Std(),
			RapidSuccessionBonus: cfg.Patience.RapidSuccessionBonus.Std(),
			EngagementBonus:      cfg.Patience.EngagementBonus.Std(),
		},
	}
}

// buildMux assembles the observer-facing routes.
func (a *App) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.hub.Handle)
	mux.Handle("GET /metrics", promhttp.Handler())

	health.New(
		health.Checker{
			Name: "upstream",
			Check: func(context.Context) error {
				if !a.upstream.Connected() {
					return fmt.Errorf("upstream disconnected")
				}
				return nil
			},
		},
		health.Checker{
			Name: "hub",
			Check: func(context.Context) error {
				if !a.hub.Serving() {
					return fmt.Errorf("hub closed")
				}
				return nil
			},
		},
	).Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the upstream transport and the observer HTTP server, blocking
// until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.upstream.Run(ctx)
	})

	g.Go(func() error {
		slog.Info("observer server listening",
			"addr", a.cfg.Server.ListenAddr,
			"tls", a.cfg.Server.TLS != nil,
		)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpSrv.Shutdown(drainCtx)
	})

	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies a validated configuration change to the running app.
// Only the hot-reloadable sections take effect; transport and server
// settings need a restart and are logged as deferred. Wire it as the config
// watcher's onChange callback:
//
//	config.NewWatcher(path, app.OnConfigChange)
func (a *App) ApplyConfig(old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.Empty() {
		slog.Info("config changed but no hot-reloadable field differs; restart to apply")
		return
	}

	if diff.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(diff.NewLogLevel.Level())
			slog.Info("log level updated", "level", string(diff.NewLogLevel))
		} else {
			slog.Warn("log level changed but no level var is wired; restart to apply")
		}
	}

	if diff.PatienceChanged || diff.EngineChanged {
		a.orch.Reconfigure(orchestratorConfig(new))
	}

	a.cfg = new
}

// OnConfigChange is the [config.Watcher] callback form of ApplyConfig.
func (a *App) OnConfigChange(old, new *config.Config) {
	a.ApplyConfig(old, new)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: when ctx expires before all closers finish, remaining closers
// are skipped and the context error is returned.
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

// ─── Transport glue ──────────────────────────────────────────────────────────

// dispatchProxy defers the transport→orchestrator binding until both sides
// exist. Frames arriving before bind (impossible in practice — Run starts
// after New returns) are dropped.
type dispatchProxy struct {
	mu     sync.RWMutex
	target *orchestrator.Orchestrator
}

var _ transport.Dispatcher = (*dispatchProxy)(nil)

func (p *dispatchProxy) bind(o *orchestrator.Orchestrator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = o
}

func (p *dispatchProxy) DispatchRaw(data []byte) {
	p.mu.RLock()
	t := p.target
	p.mu.RUnlock()
	if t != nil {
		t.DispatchRaw(data)
	}
}

func (p *dispatchProxy) SetStatus(status string) {
	p.mu.RLock()
	t := p.target
	p.mu.RUnlock()
	if t != nil {
		t.SetStatus(status)
	}
}
