// Package server wires configuration into a running ingestion service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/rag-ingestor/internal/api"
	"github.com/JakeFAU/rag-ingestor/internal/chunker"
	"github.com/JakeFAU/rag-ingestor/internal/clock/system"
	"github.com/JakeFAU/rag-ingestor/internal/config"
	"github.com/JakeFAU/rag-ingestor/internal/discovery"
	"github.com/JakeFAU/rag-ingestor/internal/executor"
	collyfetcher "github.com/JakeFAU/rag-ingestor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/rag-ingestor/internal/fetcher/headless"
	"github.com/JakeFAU/rag-ingestor/internal/hash/sha256"
	"github.com/JakeFAU/rag-ingestor/internal/headless/detector"
	"github.com/JakeFAU/rag-ingestor/internal/id/uuid"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/jobs"
	"github.com/JakeFAU/rag-ingestor/internal/logging"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
	"github.com/JakeFAU/rag-ingestor/internal/orchestrator"
	"github.com/JakeFAU/rag-ingestor/internal/policy/budget"
	"github.com/JakeFAU/rag-ingestor/internal/policy/ratelimit"
	"github.com/JakeFAU/rag-ingestor/internal/progress"
	progresssinks "github.com/JakeFAU/rag-ingestor/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/rag-ingestor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/rag-ingestor/internal/publisher/pubsub"
	"github.com/JakeFAU/rag-ingestor/internal/reindex"
	"github.com/JakeFAU/rag-ingestor/internal/reindex/httpbackend"
	memoryreindex "github.com/JakeFAU/rag-ingestor/internal/reindex/memory"
	"github.com/JakeFAU/rag-ingestor/internal/sanitizer"
	gcsstorage "github.com/JakeFAU/rag-ingestor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rag-ingestor/internal/storage/local"
	memorystorage "github.com/JakeFAU/rag-ingestor/internal/storage/memory"
	pgstore "github.com/JakeFAU/rag-ingestor/internal/storage/postgres"
	"github.com/JakeFAU/rag-ingestor/internal/telemetry"
	"github.com/JakeFAU/rag-ingestor/internal/writer"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	orch      *orchestrator.Orchestrator
	runner    *orchestrator.Runner
	tracker   *jobs.Tracker
	apiServer *api.Server

	// base is cancelled on Close and bounds background crawls.
	base       context.Context
	cancelBase context.CancelFunc

	fetchExec   *executor.Executor
	backendExec *executor.Executor
	headless    *headlessfetcher.Fetcher
	progressHub *progress.Hub
	publisher   *gcppublisher.Publisher
	pubsub      *pubsub.Client
	gcs         *storage.Client
	pool        *pgxpool.Pool
	tracer      *sdktrace.TracerProvider
	registerer  prometheus.Registerer
	ready       []api.ReadinessCheck

	closeOnce sync.Once
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRegisterer registers progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		if reg != nil {
			a.registerer = reg
		}
	}
}

// Ingestor returns the pipeline behind the API.
func (a *App) Ingestor() api.Ingestor { return a.orch }

// Tracker returns the async job tracker.
func (a *App) Tracker() *jobs.Tracker { return a.tracker }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run serves HTTP until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.pruneJobs(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.runner.Wait(shutdownCtx); err != nil {
		a.logger.Warn("background crawls still running at shutdown", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

func (a *App) pruneJobs(ctx context.Context) {
	if a.cfg.Jobs.PruneInterval <= 0 || a.cfg.Jobs.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Jobs.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.tracker.Prune(now.Add(-a.cfg.Jobs.Retention)); n > 0 {
				a.logger.Debug("pruned finished jobs", zap.Int("count", n))
			}
		}
	}
}

// Close releases every resource Build acquired. It is safe to call more
// than once and on a partially built App.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.cancelBase != nil {
			a.cancelBase()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.fetchExec != nil {
		a.fetchExec.Close()
	}
	if a.backendExec != nil {
		a.backendExec.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout/stderr for some platforms; nothing useful to do.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies from cfg. On error every
// resource acquired so far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (app *App, err error) {
	app = &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(app.logger)
	}
	app.base, app.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	metrics.Init()
	app.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("reindex", cfg.Reindex.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("auth", cfg.Auth.Enabled),
	)

	app.fetchExec = executor.New(cfg.Executors.Fetch, executor.WithLogger(app.logger))
	app.backendExec = executor.New(cfg.Executors.Backend, executor.WithLogger(app.logger))

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return app, err
	}
	docWriter, err := writer.New(blobStore, app.backendExec,
		writer.WithConfig(cfg.Writer),
		writer.WithLogger(app.logger),
	)
	if err != nil {
		return app, fmt.Errorf("writer init failed: %w", err)
	}
	trigger, err := setupReindex(app)
	if err != nil {
		return app, err
	}
	jobStore, pageStore, err := setupDatabase(ctx, app)
	if err != nil {
		return app, err
	}

	trackerOpts := []jobs.Option{jobs.WithLogger(app.logger)}
	if jobStore != nil {
		trackerOpts = append(trackerOpts, jobs.WithSnapshotStore(jobStore))
	}
	app.tracker = jobs.NewTracker(trackerOpts...)

	if err = setupProgress(app, pageStore); err != nil {
		return app, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return app, err
	}

	deps, err := setupFetchers(app)
	if err != nil {
		return app, err
	}
	deps.Discoverer = discovery.New(cfg.Discovery, discovery.WithLogger(app.logger))
	deps.Sanitizer = sanitizer.New(cfg.Sanitizer, sha256.New())
	deps.Chunker = chunker.New(cfg.Chunker.Options()...)
	deps.Writer = docWriter
	deps.Reindexer = trigger
	deps.Publisher = publisher
	deps.Events = app.progressHub

	app.orch, err = orchestrator.New(deps, cfg.Crawl,
		orchestrator.WithLogger(app.logger),
		orchestrator.WithClock(system.New()),
		orchestrator.WithIDGenerator(uuid.New()),
	)
	if err != nil {
		return app, fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.runner = orchestrator.NewRunner(app.base, app.orch, app.tracker, app.logger)

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	apiDeps := api.Deps{
		Ingestor: app.orch,
		Runner:   app.runner,
		Jobs:     app.tracker,
		Ready:    app.ready,
	}
	if jobStore != nil {
		apiDeps.History = jobStore
	}
	app.apiServer, err = api.NewServer(apiDeps, api.Options{
		APIKey:         apiKey,
		RespectRobots:  cfg.Crawl.RespectRobots,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, app.logger)
	if err != nil {
		return app, fmt.Errorf("api init failed: %w", err)
	}
	return app, nil
}

func setupStorage(ctx context.Context, app *App) (ingest.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		var clientOpts []option.ClientOption
		if app.cfg.Storage.ProjectID != "" {
			clientOpts = append(clientOpts, option.WithQuotaProject(app.cfg.Storage.ProjectID))
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcs = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		return blobStore, nil
	case config.StorageLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
		return blobStore, nil
	default:
		app.logger.Warn("using in-memory storage backend; content is lost on exit")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupReindex(app *App) (*reindex.Trigger, error) {
	var backend reindex.Backend
	switch app.cfg.Reindex.Backend {
	case config.ReindexHTTP:
		httpBackend, err := httpbackend.New(app.cfg.Reindex.HTTP, nil)
		if err != nil {
			return nil, fmt.Errorf("reindex backend init failed: %w", err)
		}
		backend = httpBackend
		app.logger.Info("using HTTP reindex backend", zap.String("base_url", app.cfg.Reindex.HTTP.BaseURL))
	default:
		backend = memoryreindex.New(app.cfg.Reindex.SimulatedRun)
		app.logger.Warn("using simulated reindex backend", zap.Duration("run_for", app.cfg.Reindex.SimulatedRun))
	}
	trigger, err := reindex.New(backend, app.backendExec,
		reindex.WithConfig(app.cfg.Reindex.Poll),
		reindex.WithLogger(app.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("reindex trigger init failed: %w", err)
	}
	return trigger, nil
}

func setupDatabase(ctx context.Context, app *App) (*pgstore.JobStore, *pgstore.PageStore, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no database DSN; job history and the page ledger are disabled")
		return nil, nil, nil
	}
	pool, err := pgstore.Connect(ctx, app.cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("database init failed: %w", err)
	}
	app.pool = pool
	if err = pgstore.EnsureSchema(ctx, pool, app.cfg.DB.JobsTable, app.cfg.DB.PagesTable); err != nil {
		return nil, nil, fmt.Errorf("database schema init failed: %w", err)
	}
	jobStore, err := pgstore.NewJobStore(pool, app.cfg.DB.JobsTable)
	if err != nil {
		return nil, nil, fmt.Errorf("job store init failed: %w", err)
	}
	pageStore, err := pgstore.NewPageStore(pool, app.cfg.DB.PagesTable)
	if err != nil {
		return nil, nil, fmt.Errorf("page store init failed: %w", err)
	}
	app.ready = append(app.ready, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		return nil
	})
	app.logger.Info("database initialized",
		zap.String("jobs_table", app.cfg.DB.JobsTable),
		zap.String("pages_table", app.cfg.DB.PagesTable),
	)
	return jobStore, pageStore, nil
}

func setupProgress(app *App, pageStore *pgstore.PageStore) error {
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		app.tracker,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	}
	if pageStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(pageStore, app.logger.Named("progress_store")))
	}
	app.progressHub = progress.NewHub(progress.Config{
		BaseContext: app.base,
		Logger:      app.logger.Named("progress_hub"),
	}, sinkList...)
	app.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (ingest.Publisher, error) {
	if !app.cfg.PubSub.Enabled() {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, client, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, gcppublisher.WithLogger(app.logger))
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	app.publisher = pub
	app.pubsub = client
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return pub, nil
}

func setupFetchers(app *App) (orchestrator.Deps, error) {
	deps := orchestrator.Deps{
		Fetcher:       collyfetcher.New(app.cfg.Fetch, collyfetcher.WithLogger(app.logger)),
		FetchExecutor: app.fetchExec,
		Limiter:       ratelimit.New(app.cfg.Politeness),
	}
	app.logger.Info("using colly fetcher", zap.String("user_agent", app.cfg.Fetch.UserAgent))
	if !app.cfg.Headless.Enabled {
		return deps, nil
	}
	browserCfg := app.cfg.Headless.Browser
	if browserCfg.UserAgent == "" {
		browserCfg.UserAgent = app.cfg.Fetch.UserAgent
	}
	renderer, err := headlessfetcher.NewChromedp(browserCfg)
	if err != nil {
		return deps, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	app.headless = renderer
	deps.Headless = renderer
	deps.Detector = detector.NewHeuristic(app.cfg.Headless.PromotionThreshold)
	deps.HeadlessBudget = budget.NewHeadless(app.cfg.Headless.Budget)
	app.logger.Info("headless rendering enabled",
		zap.Int("max_parallel", browserCfg.MaxParallel),
		zap.Int("budget", app.cfg.Headless.Budget),
	)
	return deps, nil
}
