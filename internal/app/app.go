// Package app wires configuration into long-lived services and owns their
// lifecycle. It is the single place that knows which concrete backends
// (Postgres, Redis, GCS, Pub/Sub) a deployment runs with.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bookwatch/bookwatch/internal/api"
	"github.com/bookwatch/bookwatch/internal/clock"
	"github.com/bookwatch/bookwatch/internal/config"
	"github.com/bookwatch/bookwatch/internal/crawl"
	"github.com/bookwatch/bookwatch/internal/fetcher"
	"github.com/bookwatch/bookwatch/internal/lock"
	"github.com/bookwatch/bookwatch/internal/metrics"
	"github.com/bookwatch/bookwatch/internal/notify"
	notifypubsub "github.com/bookwatch/bookwatch/internal/notify/pubsub"
	"github.com/bookwatch/bookwatch/internal/sched"
	"github.com/bookwatch/bookwatch/internal/snapshot"
	snapgcs "github.com/bookwatch/bookwatch/internal/snapshot/gcs"
	snaplocal "github.com/bookwatch/bookwatch/internal/snapshot/local"
	snapmemory "github.com/bookwatch/bookwatch/internal/snapshot/memory"
	"github.com/bookwatch/bookwatch/internal/store"
	storememory "github.com/bookwatch/bookwatch/internal/store/memory"
)

// App holds every long-lived service the process runs: the store, the
// crawl coordinator, the HTTP API, and the optional cron scheduler.
// Build one with New and drive it with Run.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool        *pgxpool.Pool
	redisClient *redis.Client
	gcsClient   *gcstorage.Client
	psClient    *pubsub.Client
	psPublisher *notifypubsub.Publisher

	gateway     store.Gateway
	lease       lock.Lease
	coordinator *crawl.Coordinator
	server      *api.Server
	scheduler   *sched.Scheduler
}

// New initializes all services from cfg. It fails fast: any backend that
// cannot be reached at startup aborts construction.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	clk := clock.NewSystem()

	if err := a.initStore(ctx, clk); err != nil {
		return nil, err
	}
	if err := a.initLease(clk); err != nil {
		a.Close()
		return nil, err
	}
	archiver, err := a.initSnapshots(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	notifier, err := a.initNotifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	f := fetcher.New(fetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		Timeout:       cfg.FetchTimeout(),
		MaxAttempts:   cfg.HTTP.MaxAttempts,
		BackoffBase:   time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		Concurrency:   cfg.HTTP.Concurrency,
		Delay:         time.Duration(cfg.HTTP.DelayMs) * time.Millisecond,
		RespectRobots: cfg.HTTP.RespectRobots,
	}, logger)

	a.coordinator = crawl.New(crawl.Config{
		BaseURL:           cfg.Crawl.BaseURL,
		MaxPages:          cfg.Crawl.MaxPages,
		DetailConcurrency: cfg.Crawl.DetailConcurrency,
		LeaseTTL:          cfg.LeaseTTL(),
		LockName:          cfg.Crawl.LockName,
	}, f, a.gateway, a.lease, notifier, archiver, clk, logger)

	a.server = api.NewServer(a.gateway, a.coordinator, cfg, logger)

	if cfg.Scheduler.Enabled {
		s, err := sched.New(cfg.Scheduler.Spec, a.coordinator, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init scheduler: %w", err)
		}
		a.scheduler = s
	}

	return a, nil
}

func (a *App) initStore(ctx context.Context, clk clock.Clock) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no db.dsn configured, using in-memory store; data will not survive restarts")
		a.gateway = storememory.New(clk)
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(a.cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("parse db.dsn: %w", err)
	}
	if a.cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = int32(a.cfg.DB.MaxConns)
	}
	if a.cfg.DB.MinConns > 0 {
		poolCfg.MinConns = int32(a.cfg.DB.MinConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	a.pool = pool
	a.gateway = store.NewPostgresWithPool(pool, clk, a.logger)
	a.logger.Info("connected to postgres")
	return nil
}

func (a *App) initLease(clk clock.Clock) error {
	name := a.cfg.Crawl.LockName
	switch a.cfg.Lock.Provider {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: a.cfg.Lock.RedisAddr,
			DB:   a.cfg.Lock.RedisDB,
		})
		a.redisClient = client
		a.lease = lock.NewRedis(client, name, a.logger)
		a.logger.Info("using redis crawl lock", zap.String("addr", a.cfg.Lock.RedisAddr))
	case "postgres":
		if a.pool == nil {
			return fmt.Errorf("lock.provider is postgres but no db.dsn is configured")
		}
		a.lease = lock.NewPostgres(a.pool, name, clk, a.logger)
		a.logger.Info("using postgres crawl lock")
	case "memory":
		a.lease = lock.NewMemory(clk)
		a.logger.Warn("using in-process crawl lock; concurrent instances will not exclude each other")
	default:
		return fmt.Errorf("unknown lock provider: %s", a.cfg.Lock.Provider)
	}
	return nil
}

func (a *App) initSnapshots(ctx context.Context) (*snapshot.Archiver, error) {
	switch a.cfg.Snapshots.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		bs, err := snapgcs.New(ctx, client, a.cfg.Snapshots.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("init gcs snapshots: %w", err)
		}
		a.logger.Info("archiving snapshots to gcs", zap.String("bucket", a.cfg.Snapshots.GCSBucket))
		return snapshot.NewArchiver(bs), nil
	case "local":
		bs, err := snaplocal.New(a.cfg.Snapshots.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("init local snapshots: %w", err)
		}
		a.logger.Info("archiving snapshots to local disk", zap.String("dir", a.cfg.Snapshots.LocalDir))
		return snapshot.NewArchiver(bs), nil
	case "memory":
		return snapshot.NewArchiver(snapmemory.NewBlobStore()), nil
	case "none":
		return snapshot.NewArchiver(nil), nil
	default:
		return nil, fmt.Errorf("unknown snapshots provider: %s", a.cfg.Snapshots.Provider)
	}
}

func (a *App) initNotifier(ctx context.Context) (notify.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return notify.NopPublisher{}, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.psClient = client
	a.psPublisher = notifypubsub.New(client.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("publishing change events to pubsub",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return a.psPublisher, nil
}

// Coordinator exposes the crawl coordinator for one-shot CLI runs.
func (a *App) Coordinator() *crawl.Coordinator {
	return a.coordinator
}

// Run serves the HTTP API and, when enabled, the cron scheduler until ctx
// is canceled, then shuts both down gracefully.
func (a *App) Run(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler shutdown", zap.Error(err))
		}
	}
	return nil
}

// Close releases every client the App owns. Safe to call on a partially
// constructed App and more than once.
func (a *App) Close() {
	if a.psPublisher != nil {
		a.psPublisher.Stop()
		a.psPublisher = nil
	}
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
		a.psClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("close gcs client", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("close redis client", zap.Error(err))
		}
		a.redisClient = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
