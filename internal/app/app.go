// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/api"
	blobgcs "github.com/pagevault/acquire/internal/blob/gcs"
	bloblocal "github.com/pagevault/acquire/internal/blob/local"
	blobmem "github.com/pagevault/acquire/internal/blob/memory"
	browserchromedp "github.com/pagevault/acquire/internal/browser/chromedp"
	browsercolly "github.com/pagevault/acquire/internal/browser/colly"
	"github.com/pagevault/acquire/internal/cache"
	"github.com/pagevault/acquire/internal/clock/system"
	"github.com/pagevault/acquire/internal/compliance"
	"github.com/pagevault/acquire/internal/config"
	"github.com/pagevault/acquire/internal/engine"
	eventsmem "github.com/pagevault/acquire/internal/events/memory"
	eventspubsub "github.com/pagevault/acquire/internal/events/pubsub"
	"github.com/pagevault/acquire/internal/hash/sha256"
	"github.com/pagevault/acquire/internal/id/uuid"
	"github.com/pagevault/acquire/internal/monitor"
	"github.com/pagevault/acquire/internal/parser"
	"github.com/pagevault/acquire/internal/sandbox"
	"github.com/pagevault/acquire/internal/session"
	storebadger "github.com/pagevault/acquire/internal/store/badger"
	storemem "github.com/pagevault/acquire/internal/store/memory"
	storepostgres "github.com/pagevault/acquire/internal/store/postgres"
)

// App holds the shared, long-lived services for the acquisition engine. It
// is initialized once at startup and torn down in Close.
type App struct {
	Logger       *zap.Logger
	Orchestrator *engine.Orchestrator
	Executor     *sandbox.Executor
	Monitor      *monitor.Monitor
	Sessions     *session.Tracker
	Cache        *cache.Cache
	Filter       *compliance.Filter
	Server       *api.Server

	browser      engine.Browser
	pgStore      *storepostgres.Store
	badgerStore  *storebadger.Store
	gcsClient    *gcstorage.Client
	pubsubClient *pubsub.Client
	pubsubSink   *eventspubsub.Sink
}

// New builds every service from configuration. It fails fast if any critical
// provider cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Logger: logger}

	clk := system.New()
	ids := uuid.NewUUIDGenerator()
	hasher := sha256.New()

	events, err := a.buildEvents(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := a.buildStore(ctx, cfg, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	blobs, err := a.buildBlobs(ctx, cfg, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	browser, err := a.buildBrowser(cfg, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.browser = browser

	var rules []compliance.Rule
	if cfg.Compliance.DefaultRules {
		rules = compliance.DefaultRules()
	}
	a.Filter = compliance.New(logger.Named("compliance"), rules...)

	a.Cache = cache.New(cache.Config{
		MaxSize:         cfg.Cache.MaxSize,
		TTL:             cfg.Cache.TTL(),
		CleanupInterval: cfg.Cache.CleanupInterval(),
	}, clk, logger.Named("cache"))

	a.Sessions = session.New(clk, ids, logger.Named("session"))

	a.Monitor = monitor.New(monitor.Config{
		Interval: cfg.Monitor.Interval(),
		Limits: engine.ResourceLimits{
			MaxMemory: cfg.Monitor.MaxMemoryBytes,
			MaxCPU:    cfg.Monitor.MaxCPUPercent,
		},
	}, clk, events, logger.Named("monitor"))

	a.Executor = sandbox.New(sandbox.Config{
		BaseDir:        cfg.Sandbox.BaseDir,
		DefaultTimeout: cfg.Sandbox.DefaultTimeout(),
		IsolateEnv:     cfg.Sandbox.IsolateEnv,
		PollInterval:   cfg.Sandbox.PollInterval(),
		Limits: engine.ResourceLimits{
			MaxMemory: cfg.Sandbox.MaxMemoryBytes,
			MaxCPU:    cfg.Sandbox.MaxCPUPercent,
		},
	}, a.Monitor, events, ids, clk, logger.Named("sandbox"))

	orch, err := engine.NewOrchestrator(engine.Config{
		UserAgent:         cfg.Crawler.UserAgent,
		ViewportWidth:     cfg.Crawler.ViewportWidth,
		ViewportHeight:    cfg.Crawler.ViewportHeight,
		NavigationTimeout: cfg.Crawler.NavTimeout(),
		CrawlDelay:        cfg.Crawler.Delay(),
		RespectRobots:     cfg.Crawler.RespectRobots,
		MaxDepth:          cfg.Crawler.MaxDepth,
		MaxPages:          cfg.Crawler.MaxPages,
	}, engine.Deps{
		Browser:  browser,
		Parser:   parser.New(),
		Checker:  a.Filter,
		Cache:    a.Cache,
		Store:    store,
		Blobs:    blobs,
		Hasher:   hasher,
		Sessions: a.Sessions,
		Events:   events,
		Clock:    clk,
		Logger:   logger.Named("engine"),
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	a.Orchestrator = orch

	a.Server = api.NewServer(orch, a.Executor, a.Monitor, a.Sessions, a.Cache, cfg, logger.Named("api"))

	a.Monitor.Start()
	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("blob", cfg.Blob.Provider),
		zap.String("events", cfg.Events.Provider),
		zap.String("browser", cfg.Browser.Provider),
	)
	return a, nil
}

func (a *App) buildEvents(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.EventSink, error) {
	switch cfg.Events.Provider {
	case "memory":
		return eventsmem.New(), nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		a.pubsubClient = client
		a.pubsubSink = eventspubsub.New(client.Topic(cfg.Events.TopicName))
		logger.Info("publishing events to pubsub", zap.String("topic", cfg.Events.TopicName))
		return a.pubsubSink, nil
	default:
		return nil, fmt.Errorf("unknown events provider: %s", cfg.Events.Provider)
	}
}

func (a *App) buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.ResultStore, error) {
	switch cfg.Storage.Provider {
	case "memory":
		return storemem.NewStore(), nil
	case "postgres":
		store, err := storepostgres.NewStore(ctx, storepostgres.StoreConfig{
			DSN:      cfg.Storage.DSN,
			Table:    cfg.Storage.Table,
			MaxConns: int32(cfg.Storage.MaxOpenConns),
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pgStore = store
		return store, nil
	case "badger":
		store, err := storebadger.NewStore(cfg.Storage.BadgerDir, logger.Named("badger"))
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		a.badgerStore = store
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func (a *App) buildBlobs(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.BlobStore, error) {
	switch cfg.Blob.Provider {
	case "memory":
		return blobmem.NewBlobStore(), nil
	case "local":
		return bloblocal.New(bloblocal.Config{BaseDir: cfg.Blob.LocalDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		a.gcsClient = client
		logger.Info("writing blobs to gcs", zap.String("bucket", cfg.Blob.GCSBucket))
		return blobgcs.New(client, blobgcs.Config{Bucket: cfg.Blob.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown blob provider: %s", cfg.Blob.Provider)
	}
}

func (a *App) buildBrowser(cfg config.Config, logger *zap.Logger) (engine.Browser, error) {
	switch cfg.Browser.Provider {
	case "chromedp":
		return browserchromedp.New(browserchromedp.Config{
			Headless:  cfg.Browser.Headless,
			UserAgent: cfg.Crawler.UserAgent,
			DomainQPS: cfg.Browser.DomainQPS,
		}, logger.Named("browser"))
	case "colly":
		return browsercolly.New(browsercolly.Config{
			UserAgent:   cfg.Crawler.UserAgent,
			DomainDelay: cfg.Crawler.Delay(),
		}, logger.Named("browser"))
	default:
		return nil, fmt.Errorf("unknown browser provider: %s", cfg.Browser.Provider)
	}
}

// Close shuts down services in reverse dependency order. Safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	if a.Executor != nil {
		if err := a.Executor.Close(ctx); err != nil {
			a.Logger.Warn("executor shutdown error", zap.Error(err))
		}
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Close(ctx); err != nil {
			a.Logger.Warn("orchestrator shutdown error", zap.Error(err))
		}
	} else if a.browser != nil {
		if err := a.browser.Close(ctx); err != nil {
			a.Logger.Warn("browser shutdown error", zap.Error(err))
		}
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.badgerStore != nil {
		if err := a.badgerStore.Close(); err != nil {
			a.Logger.Warn("badger shutdown error", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.Logger.Warn("gcs client close error", zap.Error(err))
		}
	}
	if a.pubsubSink != nil {
		a.pubsubSink.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.Logger.Warn("pubsub client close error", zap.Error(err))
		}
	}
}
