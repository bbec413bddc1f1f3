// Package app wires the Tidemark components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcapi "github.com/tidemark/tidemark/internal/api/grpc"
	httpapi "github.com/tidemark/tidemark/internal/api/http"
	"github.com/tidemark/tidemark/internal/archive"
	"github.com/tidemark/tidemark/internal/auth"
	"github.com/tidemark/tidemark/internal/config"
	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/internal/engine/memory"
	"github.com/tidemark/tidemark/internal/engine/rest"
	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/internal/indices"
	"github.com/tidemark/tidemark/internal/ranges"
	"github.com/tidemark/tidemark/internal/rotation"
	"github.com/tidemark/tidemark/internal/server"
	"github.com/tidemark/tidemark/internal/storage"
	"github.com/tidemark/tidemark/pkg/types"
)

// App holds every component of a Tidemark process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	engine    engine.Client
	store     ranges.Store
	ranges    ranges.Service
	legacy    *ranges.LegacyService
	objects   storage.ObjectStorage
	archiver  *archive.Archiver
	manager   *indices.Manager
	deflector *rotation.Deflector
	sweeper   *rotation.Sweeper
	daemon    *rotation.Daemon
	sessions  *auth.MemorySessionStore
	users     *auth.MemoryUserStore
	registry  *prometheus.Registry
	shutdown  *server.ShutdownManager

	mu      sync.Mutex
	running bool
	closers []func() error
}

// New validates cfg and builds every component. Nothing is started and the
// engine is not contacted.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig(), logger),
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	var err error
	if a.engine, err = a.newEngine(); err != nil {
		return fmt.Errorf("failed to initialize engine client: %w", err)
	}
	a.logger.Info("engine client initialized", "type", a.cfg.Engine.Type, "hosts", a.cfg.Engine.Hosts)

	if err := a.initRanges(ctx); err != nil {
		return err
	}
	if err := a.initArchive(ctx); err != nil {
		return err
	}

	a.manager = indices.NewManager(a.engine, indices.Config{
		Prefix:              a.cfg.Indices.Prefix,
		Shards:              a.cfg.Indices.Shards,
		Replicas:            a.cfg.Indices.Replicas,
		Analyzer:            a.cfg.Indices.Analyzer,
		OptimizeMaxSegments: a.cfg.Indices.OptimizationMaxSegments,
		OptimizeTimeout:     a.cfg.Engine.OptimizeTimeout,
		WaitTimeout:         a.cfg.Engine.WaitTimeout,
		MovePageSize:        a.cfg.Indices.MovePageSize,
	}, indices.WithLogger(a.logger))

	dopts := []rotation.DeflectorOption{rotation.WithRanges(a.ranges), rotation.WithDeflectorLogger(a.logger)}
	if a.cfg.Indices.DisableOptimization {
		dopts = append(dopts, rotation.WithoutOptimization())
	}
	a.deflector = rotation.NewDeflector(a.manager, dopts...)

	action, err := rotation.ParseRetentionAction(a.cfg.Retention.Strategy)
	if err != nil {
		return err
	}
	a.sweeper = rotation.NewSweeper(a.manager, a.deflector, action, a.cfg.Retention.MaxIndices,
		rotation.WithSweeperRanges(a.store),
		rotation.WithArchiver(a.archiver),
		rotation.WithSweeperLogger(a.logger))

	a.daemon = rotation.NewDaemon(
		rotation.DaemonConfig{CheckInterval: a.cfg.Rotation.CheckInterval},
		a.manager, a.deflector, Strategy(a.cfg.Rotation), a.sweeper, a.logger)

	a.users = auth.NewMemoryUserStore()
	for _, u := range a.cfg.Auth.Users {
		a.users.Put(auth.User{Name: u.Name, External: u.External})
	}
	a.sessions = auth.NewMemorySessionStore(a.cfg.Auth.SessionTTL, nil)

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.registry.MustRegister(indices.Collectors()...)
	a.registry.MustRegister(rotation.Collectors()...)
	return nil
}

func (a *App) newEngine() (engine.Client, error) {
	if a.cfg.Engine.Type == "memory" {
		return memory.New(), nil
	}
	return rest.New(rest.Config{
		Hosts:              a.cfg.Engine.Hosts,
		Username:           a.cfg.Engine.Username,
		Password:           a.cfg.Engine.Password,
		RequestTimeout:     a.cfg.Engine.RequestTimeout,
		MaxRetries:         a.cfg.Engine.MaxRetries,
		HealthPollInterval: time.Second,
		Logger:             a.logger,
	})
}

func (a *App) initRanges(ctx context.Context) error {
	switch a.cfg.Ranges.Backend {
	case "postgres":
		pg, err := ranges.NewPostgresStore(ctx, a.cfg.Ranges.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to open range store: %w", err)
		}
		a.store = pg
	default:
		lite, err := ranges.NewSQLiteStore(a.cfg.Ranges.Path)
		if err != nil {
			return fmt.Errorf("failed to open range store: %w", err)
		}
		a.store = lite
	}
	a.closers = append(a.closers, a.store.Close)
	a.ranges = ranges.NewService(a.store, ranges.NewCalculator(a.engine, ranges.WithCalculatorLogger(a.logger)))
	a.logger.Info("range store initialized", "backend", a.cfg.Ranges.Backend)

	if _, err := os.Stat(a.cfg.Ranges.LegacyPath); err == nil {
		legacy, err := ranges.NewLegacyService(a.cfg.Ranges.LegacyPath)
		if err != nil {
			return fmt.Errorf("failed to open legacy range store: %w", err)
		}
		a.legacy = legacy
		a.closers = append(a.closers, legacy.Close)
		a.logger.Info("legacy range store found", "path", a.cfg.Ranges.LegacyPath)
	}
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	var err error
	switch a.cfg.Archive.Storage {
	case "s3":
		s3cfg := storage.DefaultS3Config()
		if a.cfg.Archive.S3.Region != "" {
			s3cfg.Region = a.cfg.Archive.S3.Region
		}
		s3cfg.Endpoint = a.cfg.Archive.S3.Endpoint
		s3cfg.UsePathStyle = a.cfg.Archive.S3.PathStyle
		a.objects, err = storage.NewS3Storage(ctx, a.cfg.Archive.S3.Bucket, s3cfg)
	default:
		a.objects, err = storage.NewLocalStorage(a.cfg.Archive.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	a.archiver = archive.New(a.engine, a.objects,
		archive.WithPageSize(a.cfg.Archive.PageSize),
		archive.WithTempDir(a.cfg.Archive.TempDir),
		archive.WithLogger(a.logger))
	a.logger.Info("archive storage initialized", "type", a.cfg.Archive.Storage)
	return nil
}

// Strategy returns the rotation strategy configured by cfg.
func Strategy(cfg config.RotationConfig) rotation.Strategy {
	switch cfg.Strategy {
	case "size":
		return rotation.SizeStrategy{MaxBytes: cfg.MaxSizePerIndex}
	case "time":
		return rotation.TimeStrategy{MaxAge: cfg.MaxTimePerIndex}
	default:
		return rotation.MessageCountStrategy{MaxDocs: cfg.MaxDocsPerIndex}
	}
}

func (a *App) Config() *config.Config             { return a.cfg }
func (a *App) Engine() engine.Client              { return a.engine }
func (a *App) Manager() *indices.Manager          { return a.manager }
func (a *App) Deflector() *rotation.Deflector     { return a.deflector }
func (a *App) Ranges() ranges.Service             { return a.ranges }
func (a *App) Archiver() *archive.Archiver        { return a.archiver }
func (a *App) Sweeper() *rotation.Sweeper         { return a.sweeper }
func (a *App) Sessions() *auth.MemorySessionStore { return a.sessions }
func (a *App) Registry() *prometheus.Registry     { return a.registry }

// MigrateRanges copies the legacy ranges into the range store. It fails with
// NOT_FOUND when there is no legacy store.
func (a *App) MigrateRanges(ctx context.Context) (ranges.MigrationResult, error) {
	if a.legacy == nil {
		return ranges.MigrationResult{}, ierrors.NewNotFound(ierrors.CodeRangeNotFound,
			fmt.Sprintf("no legacy range store at %s", a.cfg.Ranges.LegacyPath))
	}
	return ranges.NewMigrator(a.legacy, a.store, a.logger).Run(ctx)
}

// ImportLegacyRanges loads newline-delimited legacy range documents into the
// legacy store, creating it if needed.
func (a *App) ImportLegacyRanges(ctx context.Context, r io.Reader) (int, error) {
	a.mu.Lock()
	if a.legacy == nil {
		legacy, err := ranges.NewLegacyService(a.cfg.Ranges.LegacyPath)
		if err != nil {
			a.mu.Unlock()
			return 0, fmt.Errorf("failed to open legacy range store: %w", err)
		}
		a.legacy = legacy
		a.closers = append(a.closers, legacy.Close)
	}
	a.mu.Unlock()
	return a.legacy.Import(ctx, r)
}

// Setup prepares the write alias, retrying while the engine is unavailable.
func (a *App) Setup(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := a.deflector.Setup(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !ierrors.IsKind(err, ierrors.KindEngineUnavailable) {
			return struct{}{}, backoff.Permanent(err)
		}
		a.logger.Warn("engine not ready, retrying setup", "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(a.cfg.Engine.WaitTimeout))
	return err
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	opts := []httpapi.Option{
		httpapi.WithLogger(a.logger),
		httpapi.WithGatherer(a.registry),
		httpapi.WithHealth(func(ctx context.Context) (types.HealthStatus, error) {
			return engine.CurrentHealth(ctx, a.engine, a.deflector.Name())
		}),
	}
	if a.cfg.Auth.Enabled {
		directory := a.cfg.Auth.DirectoryEnabled
		opts = append(opts, httpapi.WithAuthenticator(auth.NewSessionAuthenticator(a.sessions, a.users,
			auth.WithDirectory(func() bool { return directory }),
			auth.WithLogger(a.logger))))
	}
	h := httpapi.NewAPI(a.manager, a.deflector, a.ranges, opts...).Handler()
	return server.Middleware(a.shutdown)(h)
}

// Run sets up the write alias and serves until ctx is cancelled, then shuts
// everything down.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	if err := a.Setup(ctx); err != nil {
		return fmt.Errorf("failed to set up deflector: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterHTTPServer("http", httpSrv)
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC address: %w", err)
		}
		reporter := grpcapi.NewHealthReporter(a.engine, a.deflector.Name(), 10*time.Second, a.logger)
		grpcSrv := grpcapi.NewServer(reporter, a.logger)
		a.shutdown.Register("grpc", server.CloserFunc(func() error {
			grpcSrv.GracefulStop()
			return nil
		}))
		g.Go(func() error { return reporter.Run(gctx) })
		g.Go(func() error {
			a.logger.Info("gRPC server listening", "addr", a.cfg.GRPC.Addr)
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	if !a.cfg.Rotation.DisableDaemon {
		if err := a.daemon.Start(gctx); err != nil {
			return err
		}
		a.shutdown.Register("rotation", server.CloserFunc(a.daemon.Stop))
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown.Shutdown(context.Background(), "context done")
	})

	a.logger.Info("tidemark started",
		"prefix", a.cfg.Indices.Prefix,
		"engine", a.cfg.Engine.Type,
		"rotation", a.cfg.Rotation.Strategy,
		"retention", a.cfg.Retention.Strategy)
	err := g.Wait()
	a.Close()
	return err
}

// Close releases the stores. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
