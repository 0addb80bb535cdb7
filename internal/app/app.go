// Package app wires the ledgerflow components from a Config and runs them
// as one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/alert"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/httpapi"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/idempotency"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/price"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/reconcile"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/stream"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/workflows"
)

// Actor is the actor ID on events the service publishes itself.
const Actor = "ledgerflow"

// App holds every wired component.
type App struct {
	Config config.Config
	Logger *slog.Logger

	DB          *sql.DB
	Ledger      *ledger.Ledger
	Bus         event.Bus
	Outbox      *event.Outbox
	Idempotency *idempotency.SQLiteStore
	Dispatcher  *event.Dispatcher
	Engine      *saga.Engine
	Workflows   *workflows.Set
	Deps        *workflows.Deps
	Launcher    *workflows.Launcher
	Streams     *stream.Store
	Balances    stream.BalanceSource
	Sampler     *stream.Sampler
	Reconciler  *reconcile.Reconciler
	Purger      *idempotency.Purger
	Alerter     *alert.Alerter
	Registry    *prometheus.Registry

	redis  *redis.Client
	tracer *sdktrace.TracerProvider
}

// Option customizes New.
type Option func(*options)

type options struct {
	balances stream.BalanceSource
	payments workflows.PaymentVerifier
	bus      event.Bus
}

// WithBalanceSource replaces the configured external balance source.
func WithBalanceSource(b stream.BalanceSource) Option {
	return func(o *options) { o.balances = b }
}

// WithPayments replaces the payment verifier.
func WithPayments(p workflows.PaymentVerifier) Option {
	return func(o *options) { o.payments = p }
}

// WithBus replaces the configured bus.
func WithBus(b event.Bus) Option {
	return func(o *options) { o.bus = b }
}

// New opens storage and builds every component. Close releases them.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config
	var err error

	a.tracer = sdktrace.NewTracerProvider()
	otel.SetTracerProvider(a.tracer)
	spans := observability.NewSpanManager()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewPrometheusRecorder(a.Registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	if a.DB, err = store.Open(cfg.Database.Path); err != nil {
		return err
	}
	if a.Ledger, err = ledger.New(ctx, a.DB); err != nil {
		return err
	}
	if err := workflows.EnsureSchema(ctx, a.DB); err != nil {
		return err
	}
	if a.Outbox, err = event.NewOutbox(ctx, a.DB); err != nil {
		return err
	}
	if a.Idempotency, err = idempotency.NewSQLiteStore(ctx, a.DB); err != nil {
		return err
	}
	if a.Streams, err = stream.NewStore(ctx, a.DB); err != nil {
		return err
	}

	a.Bus = o.bus
	if a.Bus == nil {
		switch cfg.Bus.Driver {
		case config.BusRedis:
			a.redis = redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr})
			a.Bus = event.NewRedisBus(a.redis, cfg.Bus.Exchange, event.WithPrefix(cfg.Bus.KeyPrefix))
		default:
			a.Bus = event.NewMemoryBus(cfg.Bus.Exchange)
		}
	}

	a.Alerter = alert.New(
		alert.WithSink(alert.NewLogSink(a.Logger)),
		alert.WithSink(alert.NewBusSink(a.Bus, Actor)),
		alert.WithMetrics(metrics),
		alert.WithLogger(a.Logger),
	)

	sagaStore, err := saga.NewSQLiteStore(ctx, a.DB)
	if err != nil {
		return err
	}
	a.Engine = saga.NewEngine(sagaStore,
		saga.WithLogger(a.Logger),
		saga.WithMetrics(metrics),
		saga.WithSpans(spans),
		saga.WithAlerter(a.Alerter),
	)

	settlement, named := a.settlementPrices()
	payments := o.payments
	if payments == nil {
		payments = workflows.NewStaticPayments()
	}
	a.Deps = &workflows.Deps{
		Ledger:        a.Ledger,
		Payments:      payments,
		Notifier:      workflows.LogNotifier{Logger: a.Logger},
		Prices:        price.NewWaterfall([]price.Source{price.NewStaticSource("usage-rates", cfg.Workflows.UsagePrices)}, price.WithLogger(a.Logger)),
		Publisher:     a.Bus,
		Catalog:       cfg.Workflows.Catalog,
		CreditsPerUSD: cfg.Workflows.CreditsPerUSD,
		Actor:         Actor,
		Alerter:       a.Alerter,
		Logger:        a.Logger,
	}
	if a.Workflows, err = workflows.Register(a.Engine, a.Deps); err != nil {
		return err
	}
	a.Launcher = workflows.NewLauncher(a.Workflows.Usage, cfg.Workflows.MaxInFlight, a.Logger)

	a.Dispatcher = event.NewDispatcher(a.Bus, a.DB, a.Idempotency, event.DispatcherConfig{
		Consumers:      cfg.Bus.Consumers,
		Prefetch:       cfg.Bus.Prefetch,
		HandlerTimeout: cfg.Bus.HandlerTimeout,
		MaxAttempts:    cfg.Bus.MaxAttempts,
		Outbox:         a.Outbox,
		OnDeadLetter:   a.onDeadLetter,
		Logger:         a.Logger,
		Metrics:        metrics,
		Spans:          spans,
	})
	if _, err := a.Dispatcher.Register(ctx, workflows.PatronageHandler(a.Deps)); err != nil {
		return err
	}

	a.Balances = o.balances
	if a.Balances == nil {
		if cfg.Sampler.BalanceURL != "" {
			a.Balances = stream.NewHTTPBalanceSource(cfg.Sampler.BalanceURL, cfg.Sampler.BalanceTimeout)
		} else {
			a.Balances = stream.NewMemoryBalanceSource(time.Now)
		}
	}

	a.Sampler = stream.NewSampler(a.Streams, a.Ledger, a.Balances, stream.SamplerConfig{
		Prices:        settlement,
		NamedPrices:   named,
		Concurrency:   cfg.Sampler.Concurrency,
		MissThreshold: cfg.Sampler.MissThreshold,
		Tick:          cfg.Sampler.Tick,
		Outbox:        a.Outbox,
		Publisher:     a.Bus,
		Alerter:       a.Alerter,
		Logger:        a.Logger,
		Metrics:       metrics,
		Spans:         spans,
		Actor:         Actor,
	})

	a.Reconciler, err = reconcile.New(ctx, a.DB, a.Streams, a.Ledger, a.Balances, reconcile.Config{
		Epsilon:     cfg.Reconciler.Epsilon,
		AutoCorrect: cfg.Reconciler.AutoCorrect,
		Prices:      settlement,
		GapFactor:   cfg.Reconciler.GapFactor,
		Alerter:     a.Alerter,
		Logger:      a.Logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	a.Purger = idempotency.NewPurger(a.Idempotency, cfg.IdempotencyRetention(), cfg.Idempotency.PurgeInterval, a.Logger)
	return nil
}

// settlementPrices builds the price waterfall from the configured HTTP
// sources in order, with static prices as the last resort. Each HTTP
// source is also reachable by name for registrations that pin one.
func (a *App) settlementPrices() (price.Resolver, map[string]price.Resolver) {
	cfg := a.Config.Prices
	wopts := []price.Option{
		price.WithMaxAge(cfg.MaxAge),
		price.WithMinConfidence(cfg.MinConfidence),
		price.WithRetry(lferrors.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     time.Second,
			BackoffFactor:  2,
		}),
		price.WithLogger(a.Logger),
	}

	var sources []price.Source
	named := make(map[string]price.Resolver)
	for _, sc := range cfg.Sources {
		src := price.NewHTTPSource(sc.Name, sc.URL, sc.Timeout)
		sources = append(sources, src)
		named[sc.Name] = price.NewWaterfall([]price.Source{src}, wopts...)
	}
	if len(cfg.Static) > 0 {
		sources = append(sources, price.NewStaticSource("static", cfg.Static))
	}
	return price.NewWaterfall(sources, wopts...), named
}

func (a *App) onDeadLetter(ctx context.Context, dl event.DeadLetter) {
	_ = a.Alerter.Raise(ctx, alert.KindDeadLettered, dl.Envelope.EventID,
		fmt.Sprintf("%s dead-lettered on %s", dl.Envelope.EventType, dl.Queue),
		map[string]any{
			"queue":      dl.Queue,
			"event_type": dl.Envelope.EventType,
			"attempts":   dl.Attempts,
			"reason":     dl.Reason,
		})
}

// Handler builds the HTTP API over the wired components.
func (a *App) Handler() http.Handler {
	deps := httpapi.Deps{
		Usage:       a.Launcher,
		Executions:  a.Engine.Store(),
		Compensator: a.Engine,
		DeadLetters: a.Bus,
		Exchange:    a.Config.Bus.Exchange,
		Balances:    a.Ledger,
		Streams:     a.Streams,
		Divergences: a.Reconciler,
		Logger:      a.Logger,
	}
	if a.Config.Metrics.Enabled {
		deps.Metrics = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
		deps.MetricsPath = a.Config.Metrics.Path
	}
	return httpapi.NewRouter(deps)
}

// Run serves HTTP and runs the dispatcher, outbox relay, sampler,
// reconciler and idempotency purger until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.Logger.Info("http listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	g.Go(func() error { return a.Outbox.Relay(gctx, a.Bus, cfg.Bus.OutboxInterval, a.Logger) })
	g.Go(func() error { return a.Purger.Run(gctx) })
	if cfg.Sampler.Enabled {
		g.Go(func() error { return a.Sampler.Run(gctx) })
	}
	if cfg.Reconciler.Enabled {
		g.Go(func() error { return a.Reconciler.Run(gctx, cfg.Reconciler.Interval, cfg.Reconciler.GapInterval) })
	}

	err := g.Wait()
	a.Launcher.Wait()
	return err
}

// Close releases storage and connections.
func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(context.Background()))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
