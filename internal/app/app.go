// Package app builds the harvester's dependency graph from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/roster-harvester/internal/api"
	"github.com/JakeFAU/roster-harvester/internal/assist/anthropic"
	"github.com/JakeFAU/roster-harvester/internal/classify"
	"github.com/JakeFAU/roster-harvester/internal/clock/system"
	"github.com/JakeFAU/roster-harvester/internal/config"
	"github.com/JakeFAU/roster-harvester/internal/dispatcher"
	"github.com/JakeFAU/roster-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/roster-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/roster-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/roster-harvester/internal/guard"
	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/hash/sha256"
	"github.com/JakeFAU/roster-harvester/internal/headless/detector"
	"github.com/JakeFAU/roster-harvester/internal/id/uuid"
	"github.com/JakeFAU/roster-harvester/internal/jobs"
	"github.com/JakeFAU/roster-harvester/internal/parse"
	"github.com/JakeFAU/roster-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/roster-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/roster-harvester/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/roster-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/roster-harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/roster-harvester/internal/queue/memory"
	"github.com/JakeFAU/roster-harvester/internal/queue/redisstream"
	"github.com/JakeFAU/roster-harvester/internal/resolve"
	"github.com/JakeFAU/roster-harvester/internal/scheduler"
	"github.com/JakeFAU/roster-harvester/internal/search"
	"github.com/JakeFAU/roster-harvester/internal/session"
	gcsstorage "github.com/JakeFAU/roster-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/roster-harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/roster-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/roster-harvester/internal/storage/postgres"
)

// Store is everything the application needs from a persistence backend.
type Store interface {
	harvest.Store
	harvest.InputAdapter
	jobs.ItemWriter
	extract.ArchiveLog
	api.AccountStore
	api.JobLister
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     Store
	pgStore   *pgstore.Store
	queue     harvest.Queue
	closeQ    func() error
	machine   *jobs.Machine
	guard     *guard.Guard
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	hub       *progress.Hub
	blobs     harvest.BlobStore

	headless        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client

	closeOnce sync.Once
}

// Build creates the application's dependencies. Nothing runs until Run is called.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("blob", cfg.Blob.Backend),
	)

	steps := []func(context.Context) error{
		app.setupStore,
		app.setupQueue,
		app.setupBlobStore,
		app.setupEvents,
		app.setupMachine,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure(ctx)
			return nil, err
		}
	}

	app.dispatch = dispatcher.NewPool(
		app.queue,
		app.machine,
		cfg.Workers.Count,
		cfg.Workers.MaxAttempts,
		logger.Named("worker"),
	)
	if cfg.Scheduler.Enabled {
		app.scheduler = scheduler.New(app.store, app.machine, system.New(), cfg.Scheduler.Interval, logger.Named("scheduler")).
			WithOnceRetryDelay(cfg.Scheduler.OnceRetryDelay)
	}

	apiKey := ""
	if cfg.Server.Auth.Enabled {
		apiKey = cfg.Server.Auth.APIKey
	}
	app.apiServer = api.NewServer(api.Deps{
		Jobs:     app.machine,
		Lister:   app.store,
		Accounts: app.store,
		Guard:    app.guard,
		Ready:    app.ready,
		Clock:    system.New(),
	}, api.Options{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))

	return app, nil
}

// Jobs exposes the job machine for one-shot commands.
func (a *App) Jobs() *jobs.Machine {
	return a.machine
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers, the scheduler and the HTTP server, and blocks until ctx is canceled
// or one of them fails. It closes the application before returning.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		return a.dispatch.Run(gctx)
	})
	if a.scheduler != nil {
		g.Go(func() error {
			a.logger.Info("scheduler started", zap.Duration("interval", a.cfg.Scheduler.Interval))
			return a.scheduler.Run(gctx)
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases every backend. Calls after the first are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) ready(ctx context.Context) error {
	if a.pgStore == nil {
		return nil
	}
	return a.pgStore.Ping(ctx)
}

//nolint:gocognit // Shutdown logic is linear but extensive
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeQ != nil {
		if err := a.closeQ(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Store.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory store")
		a.store = memoryStorage.NewStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Store.DSN,
		MaxConns:        a.cfg.Store.MaxConns,
		MinConns:        a.cfg.Store.MinConns,
		MaxConnLifetime: a.cfg.Store.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	a.store = store
	if a.cfg.Store.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	if a.cfg.Queue.Backend != config.BackendRedis {
		q := queueMemory.NewQueue(a.cfg.Queue.Capacity)
		a.queue = q
		a.closeQ = func() error {
			q.Close()
			return nil
		}
		a.logger.Info("using in-memory queue", zap.Int("capacity", a.cfg.Queue.Capacity))
		return nil
	}
	rc := a.cfg.Queue.Redis
	q, err := redisstream.New(ctx, redisstream.Config{
		Addr:       rc.Addr,
		Password:   rc.Password,
		DB:         rc.DB,
		Stream:     rc.Stream,
		Group:      rc.Group,
		Consumer:   rc.Consumer,
		DelayedKey: rc.DelayedKey,
		Block:      rc.Block,
	}, a.logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("redis queue init failed: %w", err)
	}
	a.queue = q
	a.closeQ = q.Close
	a.logger.Info("using redis stream queue", zap.String("stream", rc.Stream), zap.String("group", rc.Group))
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) error {
	var err error
	switch a.cfg.Blob.Backend {
	case config.BackendGCS:
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Blob.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw documents to gcs", zap.String("bucket", a.cfg.Blob.Bucket))
	case config.BackendLocal:
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw documents locally", zap.String("path", a.cfg.Blob.BaseDir))
	case config.BackendMemory:
		a.blobs = memoryStorage.NewBlobStore()
		a.logger.Info("archiving raw documents in memory")
	default:
		a.logger.Info("raw document archiving disabled")
	}
	return nil
}

func (a *App) setupEvents(ctx context.Context) error {
	var publisher harvest.Publisher
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no pub/sub topic configured, retaining lifecycle events in memory")
		publisher = memorypublisher.NewRetaining(a.cfg.PubSub.BufferSize)
	} else {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		if err := gcppublisher.VerifyTopic(ctx, a.pubsubClient, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName); err != nil {
			return fmt.Errorf("pubsub topic check failed: %w", err)
		}
		a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
		publisher = gcppublisher.New(a.pubsubPublisher)
		a.logger.Info("pub/sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:   a.cfg.PubSub.BufferSize,
		MaxBatchWait: a.cfg.PubSub.MaxBatchWait,
		Logger:       a.logger.Named("progress_hub"),
	},
		progresssinks.NewPublisherSink(publisher),
		progresssinks.NewLogSink(a.logger.Named("lifecycle")),
		promSink,
	)
	return nil
}

func (a *App) setupMachine(_ context.Context) error {
	cfg := a.cfg
	clock := system.New()

	a.guard = guard.New(a.store, clock, guard.Config{
		CooldownBase: cfg.Guard.CooldownBase,
		CooldownMax:  cfg.Guard.CooldownMax,
	}, a.logger.Named("guard"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
		CursorParam:   cfg.Fetch.CursorParam,
	})
	parser := parse.New(parse.Selectors{}, cfg.Fetch.CursorParam)

	searcher, err := search.New(fetcher, parser, search.Config{
		Endpoint:      cfg.Search.Endpoint,
		SiteFilter:    cfg.Search.SiteFilter,
		Location:      cfg.Search.Location,
		MaxCandidates: cfg.Search.MaxCandidates,
	}, a.logger.Named("search"))
	if err != nil {
		return fmt.Errorf("search init failed: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Resolve.SearchRPS,
		DefaultBurst: cfg.Resolve.SearchBurst,
	})
	resolver, err := resolve.New(searcher, limiter, resolve.Config{
		CanonicalPattern: cfg.Resolve.CanonicalPattern,
	}, a.logger.Named("resolve"))
	if err != nil {
		return fmt.Errorf("resolver init failed: %w", err)
	}

	extractor := extract.New(
		fetcher,
		parser,
		detector.NewHeuristic(cfg.Headless.PromotionThreshold),
		harvest.NewExponentialRetryPolicy(cfg.Extract.MaxRetries, cfg.Extract.BackoffInitial, cfg.Extract.BackoffMax),
		clock,
		extract.Config{
			MinSpacing:    cfg.Extract.MinSpacing,
			Jitter:        cfg.Extract.Jitter,
			PageSize:      cfg.Extract.PageSize,
			ArchivePrefix: cfg.Blob.Prefix,
		},
		a.logger.Named("extract"),
	)
	if cfg.Headless.Enabled {
		extractor.WithHeadless(a.headlessFetcher())
	}
	if a.blobs != nil {
		extractor.WithArchive(a.blobs, sha256.NewTruncated(cfg.Blob.DigestLength)).WithArchiveLog(a.store)
	}

	var accountResolver jobs.AccountResolver
	if cfg.Search.AccountEndpoint != "" {
		accountSearch, err := search.NewAccount(
			extractor, parser, cfg.Search.AccountEndpoint, cfg.Search.MaxCandidates, a.logger.Named("search"),
		)
		if err != nil {
			return fmt.Errorf("account search init failed: %w", err)
		}
		accountResolver = resolver.WithFallback(accountSearch)
	}

	var external harvest.ExternalClassifier
	if cfg.Anthropic.Enabled {
		assist, err := anthropic.New(anthropic.Config{
			APIKey:    cfg.Anthropic.APIKey,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			BaseURL:   cfg.Anthropic.BaseURL,
		}, a.logger.Named("anthropic"))
		if err != nil {
			return fmt.Errorf("anthropic classifier init failed: %w", err)
		}
		external = assist
		a.logger.Info("assisted classification enabled")
	}

	a.machine, err = jobs.New(jobs.Deps{
		Store:           a.store,
		Input:           a.store,
		Items:           a.store,
		Queue:           a.queue,
		Guard:           a.guard,
		Resolver:        resolver,
		AccountResolver: accountResolver,
		Extractor:       extractor,
		Classifier:      classify.New(external, clock, a.logger.Named("classify")),
		Sessions:        session.New(cfg.Session.ExtraHeaders),
		Publisher:       a.hub,
		Clock:           clock,
		IDs:             uuid.New(),
	}, jobs.Config{
		BusyDelay:          cfg.Jobs.BusyDelay,
		MaxThrottleWait:    cfg.Jobs.MaxThrottleWait,
		ResolveMaxAttempts: cfg.Jobs.ResolveMaxAttempts,
		ClassifyBatchSize:  cfg.Jobs.ClassifyBatchSize,
		EventsTopic:        cfg.Jobs.EventsTopic,
	}, a.logger.Named("jobs"))
	if err != nil {
		return fmt.Errorf("job machine init failed: %w", err)
	}
	return nil
}

func (a *App) headlessFetcher() harvest.PageFetcher {
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Fetch.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		CursorParam:       a.cfg.Fetch.CursorParam,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, promoted pages will fail", zap.Error(err))
		return headlessfetcher.NewNoop()
	}
	a.headless = f
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return f
}
