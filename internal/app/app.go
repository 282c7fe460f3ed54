// Package app builds the long-lived clients from configuration and wires them
// into the worker. Clients are created once and closed at shutdown.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/place-imagery-worker/internal/browser"
	"github.com/JakeFAU/place-imagery-worker/internal/capture"
	"github.com/JakeFAU/place-imagery-worker/internal/clock/system"
	"github.com/JakeFAU/place-imagery-worker/internal/config"
	"github.com/JakeFAU/place-imagery-worker/internal/gallery"
	"github.com/JakeFAU/place-imagery-worker/internal/hash/sha256"
	"github.com/JakeFAU/place-imagery-worker/internal/id/uuid"
	"github.com/JakeFAU/place-imagery-worker/internal/interaction"
	"github.com/JakeFAU/place-imagery-worker/internal/lease"
	memledger "github.com/JakeFAU/place-imagery-worker/internal/ledger/memory"
	mysqlledger "github.com/JakeFAU/place-imagery-worker/internal/ledger/mysql"
	pgledger "github.com/JakeFAU/place-imagery-worker/internal/ledger/postgres"
	"github.com/JakeFAU/place-imagery-worker/internal/metrics"
	"github.com/JakeFAU/place-imagery-worker/internal/normalize"
	"github.com/JakeFAU/place-imagery-worker/internal/pipeline"
	memorypublisher "github.com/JakeFAU/place-imagery-worker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/place-imagery-worker/internal/publisher/pubsub"
	"github.com/JakeFAU/place-imagery-worker/internal/server"
	gcsstorage "github.com/JakeFAU/place-imagery-worker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/place-imagery-worker/internal/storage/local"
	memorystorage "github.com/JakeFAU/place-imagery-worker/internal/storage/memory"
	"github.com/JakeFAU/place-imagery-worker/internal/worker"
)

// Session is a page that owns a browser process.
type Session interface {
	capture.Page
	Close() error
}

// SessionFactory opens the single browser session a worker drives.
type SessionFactory func(cfg config.BrowserConfig, logger *zap.Logger) (Session, error)

// ChromeSession launches headless Chrome through chromedp.
func ChromeSession(cfg config.BrowserConfig, logger *zap.Logger) (Session, error) {
	return browser.New(browser.Config{
		Headless:          cfg.Headless,
		UserAgent:         cfg.UserAgent,
		ViewportWidth:     cfg.ViewportWidth,
		ViewportHeight:    cfg.ViewportHeight,
		NavigationTimeout: cfg.NavigationTimeout,
		ActionTimeout:     cfg.ActionTimeout,
		NoSandbox:         cfg.NoSandbox,
	}, logger)
}

type closer struct {
	name string
	fn   func() error
}

// App holds the shared clients.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     capture.Clock
	ids       *uuid.Generator
	ledger    capture.Ledger
	store     capture.ArtifactStore
	publisher capture.Publisher
	checks    map[string]server.Check
	closers   []closer

	newSession SessionFactory
}

// Option customizes an App.
type Option func(*App)

// WithSessionFactory replaces the Chrome launcher.
func WithSessionFactory(f SessionFactory) Option {
	return func(a *App) { a.newSession = f }
}

// WithClock replaces the system clock.
func WithClock(c capture.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New connects the ledger, artifact store and publisher named in cfg. The
// browser is not started here; only Work needs it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		ids:        uuid.New(),
		checks:     make(map[string]server.Check),
		newSession: ChromeSession,
	}
	for _, opt := range opts {
		opt(a)
	}
	metrics.Init()

	steps := []func(context.Context) error{a.setupLedger, a.setupStorage, a.setupPublisher}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Ledger returns the shared task ledger.
func (a *App) Ledger() capture.Ledger {
	return a.ledger
}

func (a *App) setupLedger(ctx context.Context) error {
	lc := a.cfg.Ledger
	switch lc.Backend {
	case "postgres":
		l, err := pgledger.New(ctx, pgledger.Config{
			DSN:             lc.DSN,
			Table:           lc.Table,
			MaxConns:        lc.MaxConns,
			MinConns:        lc.MinConns,
			MaxConnLifetime: lc.MaxConnLifetime,
		}, a.ids)
		if err != nil {
			return fmt.Errorf("postgres ledger init failed: %w", err)
		}
		a.ledger = l
		a.checks["ledger"] = l.Ping
	case "mysql":
		l, err := mysqlledger.New(ctx, mysqlledger.Config{
			DSN:             lc.DSN,
			Table:           lc.Table,
			MaxConns:        int(lc.MaxConns),
			MaxConnLifetime: lc.MaxConnLifetime,
		}, a.ids)
		if err != nil {
			return fmt.Errorf("mysql ledger init failed: %w", err)
		}
		a.ledger = l
		a.checks["ledger"] = l.Ping
	default:
		a.logger.Warn("using in-memory ledger; tasks are lost on exit and not shared between processes")
		l, err := memledger.New(a.clock, a.ids)
		if err != nil {
			return fmt.Errorf("memory ledger init failed: %w", err)
		}
		a.ledger = l
	}
	a.logger.Info("ledger ready", zap.String("backend", lc.Backend), zap.String("table", lc.Table))
	a.closers = append(a.closers, closer{"ledger", a.ledger.Close})
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	sc := a.cfg.Storage
	switch sc.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, closer{"gcs client", client.Close})
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.Bucket, CacheControl: sc.CacheControl})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := store.Verify(ctx); err != nil {
			return fmt.Errorf("gcs bucket check failed: %w", err)
		}
		a.store = store
		a.checks["storage"] = store.Verify
	case "local":
		store, err := localstorage.New(sc.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.store = store
	default:
		a.store = memorystorage.NewBlobStore()
	}
	a.logger.Info("artifact store ready", zap.String("backend", sc.Backend), zap.String("prefix", sc.Prefix))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	pc := a.cfg.PubSub
	if pc.TopicName == "" {
		return nil
	}
	if pc.ProjectID == "" {
		a.logger.Info("pubsub project not set; recording task events in memory")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, pc.ProjectID, pc.TopicName, a.logger)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.closers = append(a.closers, closer{"pubsub", pub.Close})
	a.checks["pubsub"] = func(ctx context.Context) error { return pub.Verify(ctx, pc.TopicName) }
	a.logger.Info("publishing task events", zap.String("topic", pc.TopicName))
	return nil
}

// Work starts the browser, runs the worker loop and the ops server, and
// returns once both have stopped.
func (a *App) Work(ctx context.Context) error {
	workerID := a.cfg.Worker.ID
	if workerID == "" {
		id, err := a.ids.WorkerID()
		if err != nil {
			return fmt.Errorf("generate worker id: %w", err)
		}
		workerID = id
	}
	logger := a.logger.With(zap.String("worker_id", workerID))

	session, err := a.newSession(a.cfg.Browser, logger)
	if err != nil {
		return fmt.Errorf("browser init failed: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("browser close failed", zap.Error(err))
		}
	}()

	w, err := a.buildWorker(workerID, session, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if a.cfg.Server.Port > 0 {
		ops := server.New(a.checks, logger)
		g.Go(func() error { return ops.ListenAndServe(gctx, a.cfg.Server.Port) })
	}
	return g.Wait()
}

func (a *App) buildWorker(workerID string, page capture.Page, logger *zap.Logger) (*worker.Worker, error) {
	cfg := a.cfg
	leases, err := lease.NewManager(a.ledger, a.clock, lease.Config{
		WorkerID:  workerID,
		BatchSize: cfg.Worker.BatchSize,
		Staleness: cfg.Worker.StalenessTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("lease manager init failed: %w", err)
	}
	engine, err := interaction.New(interaction.Config{
		Surface:       cfg.Selectors.Surface,
		ClickSettle:   cfg.Settle.AfterClick,
		VerifyTimeout: cfg.Interaction.VerifyTimeout,
		PollInterval:  cfg.Interaction.PollInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("interaction engine init failed: %w", err)
	}
	pipe, err := pipeline.New(engine, pipeline.Config{
		Surface:          cfg.Selectors.Surface,
		KeepVisible:      cfg.Selectors.KeepVisible,
		ActivationSettle: cfg.Settle.AfterActivation,
		VisibilitySettle: cfg.Settle.AfterVisibility,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("capture pipeline init failed: %w", err)
	}
	walker, err := gallery.New(pipe, gallery.Config{
		Thumbnail:        cfg.Selectors.Thumbnail,
		ScrollSettle:     cfg.Settle.AfterScroll,
		VisibilitySettle: cfg.Settle.AfterVisibility,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("gallery walker init failed: %w", err)
	}
	norm, err := normalize.New(normalize.Config{
		Quality:       cfg.Normalize.Quality,
		TrimThreshold: cfg.Normalize.TrimThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("normalizer init failed: %w", err)
	}

	return worker.New(worker.Deps{
		Leases:     leases,
		Page:       page,
		Capturer:   pipe,
		Walker:     walker,
		Normalizer: norm,
		Store:      a.store,
		Publisher:  a.publisher,
		Hasher:     sha256.New(),
		Clock:      a.clock,
	}, worker.Config{
		GalleryOpener:     cfg.Selectors.GalleryOpener,
		Thumbnail:         cfg.Selectors.Thumbnail,
		PrimaryTrigger:    cfg.Selectors.PrimaryTrigger,
		MaxGalleryItems:   cfg.Worker.MaxGalleryItems,
		StoragePrefix:     cfg.Storage.Prefix,
		ContentType:       cfg.Storage.ContentType,
		Topic:             cfg.PubSub.TopicName,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		NavigationQPS:     cfg.Browser.NavigationQPS,
		AfterNavigation:   cfg.Settle.AfterNavigation,
		AfterClick:        cfg.Settle.AfterClick,
		IdlePause:         cfg.Worker.IdlePause,
		LedgerBackoff:     cfg.Worker.LedgerBackoff,
		TaskTimeout:       cfg.Worker.TaskTimeout,
	}, logger)
}

// Close releases every client in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("client", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
