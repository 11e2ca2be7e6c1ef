// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skolhustick/mdwnio/internal/api"
	"github.com/skolhustick/mdwnio/internal/cache"
	"github.com/skolhustick/mdwnio/internal/clock/system"
	"github.com/skolhustick/mdwnio/internal/config"
	"github.com/skolhustick/mdwnio/internal/extract"
	"github.com/skolhustick/mdwnio/internal/fetcher"
	"github.com/skolhustick/mdwnio/internal/mdwn"
	"github.com/skolhustick/mdwnio/internal/metrics"
	"github.com/skolhustick/mdwnio/internal/pipeline"
	"github.com/skolhustick/mdwnio/internal/policy/ratelimit"
	"github.com/skolhustick/mdwnio/internal/progress"
	"github.com/skolhustick/mdwnio/internal/progress/sinks"
	"github.com/skolhustick/mdwnio/internal/publisher"
	"github.com/skolhustick/mdwnio/internal/publisher/memory"
	pubsubpublisher "github.com/skolhustick/mdwnio/internal/publisher/pubsub"
	"github.com/skolhustick/mdwnio/internal/ssrf"
	"github.com/skolhustick/mdwnio/internal/telemetry"
)

// memoryPublisherLimit caps notices kept by the in-process publisher.
const memoryPublisherLimit = 10_000

var errShuttingDown = errors.New("shutting down")

// Options overrides collaborators that are otherwise built from Config.
type Options struct {
	// Registry receives the service collectors. Nil uses the default registerer.
	Registry *prometheus.Registry
	// DNS resolves target hosts before they are checked. Nil uses net.DefaultResolver.
	DNS ssrf.Resolver
	// Blocked replaces ssrf.DefaultBlocked when non-empty.
	Blocked []netip.Prefix
	// Publisher replaces the publisher selected by events.publisher.
	Publisher publisher.Publisher
	Clock     mdwn.Clock
	// Telemetry replaces the tracing config derived from cfg.
	Telemetry *telemetry.Config
}

// App holds the shared, long-lived services. It is built once at startup and
// closed once on shutdown.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	cache    *cache.Cache
	hub      *progress.Hub
	pipeline *pipeline.Pipeline
	server   *api.Server
	handler  http.Handler
	pub      publisher.Publisher
	closers  []func(context.Context) error

	stopping  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New wires every component described by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	logger.Info("initializing application services")

	metrics.Init()
	var (
		registerer     prometheus.Registerer = prometheus.DefaultRegisterer
		metricsHandler http.Handler          = metrics.Handler()
	)
	if opts.Registry != nil {
		registerer = opts.Registry
		metricsHandler = promhttp.HandlerFor(
			prometheus.Gatherers{prometheus.DefaultGatherer, opts.Registry},
			promhttp.HandlerOpts{},
		)
	}

	a := &App{cfg: cfg, logger: logger}

	telCfg := cfg.TelemetryOptions()
	if opts.Telemetry != nil {
		telCfg = *opts.Telemetry
	}
	tracing, err := telemetry.Init(ctx, telCfg, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	a.closers = append(a.closers, tracing.Shutdown)

	pub, closePub, err := a.buildPublisher(ctx, opts.Publisher)
	if err != nil {
		_ = a.closeAll(ctx)
		return nil, err
	}
	a.pub = pub
	if closePub != nil {
		a.closers = append(a.closers, func(context.Context) error { return closePub() })
	}

	eventSinks, err := a.buildSinks(registerer)
	if err != nil {
		_ = a.closeAll(ctx)
		return nil, err
	}
	hubCfg := cfg.HubOptions()
	hubCfg.Logger = logger.Named("events")
	a.hub = progress.NewHub(hubCfg, eventSinks...)

	a.cache = cache.New(cfg.CacheOptions(), opts.Clock, logger.Named("cache"))
	if err := registerer.Register(metrics.NewCacheCollector(a.cache.Stats)); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("register cache collector: %w", err)
	}

	validator := ssrf.NewValidator(opts.DNS, opts.Blocked...)
	a.pipeline = pipeline.New(pipeline.Deps{
		Validator: validator,
		Fetcher:   fetcher.New(cfg.FetcherOptions(), validator, logger.Named("fetcher")),
		Extractor: extract.New(cfg.ExtractorOptions(), logger.Named("extract")),
		Cache:     a.cache,
		Limiter:   ratelimit.New(cfg.LimiterOptions()),
		Events:    a.hub,
		Clock:     opts.Clock,
	}, logger.Named("pipeline"))

	a.server = api.NewServer(a.pipeline, api.Options{
		RequestTimeout: cfg.RequestTimeout(),
		CacheTTL:       cfg.CacheOptions().TTL,
		Ready:          a.Ready,
		Metrics:        metricsHandler,
	}, logger.Named("api"))
	a.handler = tracing.Handler(a.server.Handler(), "mdwn.http")

	logger.Info("application services initialized",
		zap.String("publisher", a.publisherName(opts.Publisher)),
		zap.Duration("cache_ttl", cfg.CacheOptions().TTL),
		zap.Int("cache_max_entries", cfg.Cache.MaxEntries),
		zap.Float64("per_host_rps", cfg.Fetch.PerHostRPS),
		zap.Bool("tracing", tracing.Enabled()),
	)
	return a, nil
}

func (a *App) buildPublisher(ctx context.Context, override publisher.Publisher) (publisher.Publisher, func() error, error) {
	if override != nil {
		return override, nil, nil
	}
	switch a.cfg.Events.Publisher {
	case config.PublisherMemory:
		a.logger.Info("using in-memory publisher for resolution notices")
		return memory.New(memoryPublisherLimit), nil, nil
	case config.PublisherPubSub:
		a.logger.Info("connecting to Pub/Sub",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicID),
		)
		p, err := pubsubpublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicID)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		return p, p.Close, nil
	default:
		return nil, nil, nil
	}
}

func (a *App) publisherName(override publisher.Publisher) string {
	if override != nil {
		return "custom"
	}
	return a.cfg.Events.Publisher
}

func (a *App) buildSinks(reg prometheus.Registerer) ([]progress.Sink, error) {
	var out []progress.Sink
	if a.cfg.Events.Log {
		out = append(out, sinks.NewLogSink(a.logger.Named("resolution")))
	}
	if a.cfg.Events.Prometheus {
		s, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink: %w", err)
		}
		out = append(out, s)
	}
	if a.pub != nil {
		out = append(out, sinks.NewPublishSink(a.pub, a.cfg.Events.Topic, a.cfg.Events.IncludeHits, a.logger.Named("publish")))
	}
	return out, nil
}

// Handler returns the HTTP handler serving the proxy and operational routes.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Resolver returns the resolution pipeline.
func (a *App) Resolver() mdwn.Resolver {
	return a.pipeline
}

// Cache exposes the result cache.
func (a *App) Cache() *cache.Cache {
	return a.cache
}

// Publisher returns the notice publisher, or nil when none is configured.
func (a *App) Publisher() publisher.Publisher {
	return a.pub
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Ready fails once shutdown has begun.
func (a *App) Ready(context.Context) error {
	if a.stopping.Load() {
		return errShuttingDown
	}
	return nil
}

// RunSweeper removes expired cache entries until ctx is done.
func (a *App) RunSweeper(ctx context.Context) {
	a.cache.Run(ctx, a.cfg.SweepInterval())
}

// Close flushes buffered events and releases the publisher. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.stopping.Store(true)
		a.logger.Info("shutting down application services")
		var errs []error
		if a.hub != nil {
			if err := a.hub.Close(ctx); err != nil {
				errs = append(errs, err)
			}
			if dropped := a.hub.Dropped(); dropped > 0 {
				a.logger.Warn("resolution events dropped", zap.Int64("dropped", dropped))
			}
		}
		if err := a.closeAll(ctx); err != nil {
			errs = append(errs, err)
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
