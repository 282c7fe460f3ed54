// Package worker runs the lease loop: claim a batch, capture each task's
// imagery, normalize and store it, then resolve the task.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
	"github.com/JakeFAU/place-imagery-worker/internal/metrics"
	"github.com/JakeFAU/place-imagery-worker/internal/normalize"
	"github.com/JakeFAU/place-imagery-worker/internal/ratelimit"
)

const resolveTimeout = 15 * time.Second

// errNoSurface is the failure recorded when a page has neither thumbnails nor a
// primary trigger.
var errNoSurface = errors.New("no gallery or activatable surface")

// Leases is the slice of the lease manager the loop needs.
type Leases interface {
	WorkerID() string
	ClaimBatch(ctx context.Context) ([]capture.Task, error)
	Resolve(ctx context.Context, taskID string, outcome capture.Outcome) error
}

// Capturer captures the surface behind a single trigger.
type Capturer interface {
	Capture(ctx context.Context, page capture.Page, target capture.Element) ([]byte, error)
}

// Walker captures a bounded number of gallery thumbnails.
type Walker interface {
	Walk(ctx context.Context, page capture.Page, maxItems int) ([]capture.Shot, error)
}

// Normalizer re-encodes raw captures.
type Normalizer interface {
	NormalizeWithStats(raw []byte) ([]byte, normalize.Stats, error)
}

// Config controls Worker behavior.
type Config struct {
	GalleryOpener   string
	Thumbnail       string
	PrimaryTrigger  string
	MaxGalleryItems int

	StoragePrefix string
	ContentType   string
	// Topic receives one event per resolved task; empty disables publishing.
	Topic string

	NavigationTimeout time.Duration
	// NavigationQPS throttles page loads per host; zero or less means unlimited.
	NavigationQPS   float64
	AfterNavigation time.Duration
	AfterClick      time.Duration

	IdlePause     time.Duration
	LedgerBackoff time.Duration
	// TaskTimeout bounds one task end to end; keep it below the staleness
	// timeout so a live worker never loses its lease.
	TaskTimeout time.Duration
}

// Deps are the collaborators a Worker drives. Publisher and Hasher are optional.
type Deps struct {
	Leases     Leases
	Page       capture.Page
	Capturer   Capturer
	Walker     Walker
	Normalizer Normalizer
	Store      capture.ArtifactStore
	Publisher  capture.Publisher
	Hasher     capture.Hasher
	Clock      capture.Clock
}

// Worker processes one task at a time against one page session.
type Worker struct {
	deps    Deps
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Leases == nil:
		return nil, fmt.Errorf("lease manager is required")
	case deps.Page == nil:
		return nil, fmt.Errorf("page is required")
	case deps.Capturer == nil:
		return nil, fmt.Errorf("capturer is required")
	case deps.Walker == nil:
		return nil, fmt.Errorf("gallery walker is required")
	case deps.Normalizer == nil:
		return nil, fmt.Errorf("normalizer is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("artifact store is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxGalleryItems <= 0 {
		return nil, fmt.Errorf("max gallery items must be > 0")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "image/jpeg"
	}
	if cfg.IdlePause <= 0 {
		cfg.IdlePause = 10 * time.Second
	}
	if cfg.LedgerBackoff <= 0 {
		cfg.LedgerBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:    deps,
		cfg:     cfg,
		limiter: ratelimit.New(ratelimit.Config{QPS: cfg.NavigationQPS, Burst: 1}),
		logger:  logger.Named("worker").With(zap.String("worker_id", deps.Leases.WorkerID())),
	}, nil
}

// Run claims and processes batches until ctx is cancelled. Claims that find no
// work pause for IdlePause; ledger outages pause for LedgerBackoff.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		tasks, err := w.deps.Leases.ClaimBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, capture.ErrLedgerUnavailable) {
				return fmt.Errorf("claim batch: %w", err)
			}
			w.logger.Warn("ledger unavailable; backing off", zap.Error(err), zap.Duration("backoff", w.cfg.LedgerBackoff))
			if capture.Settle(ctx, w.cfg.LedgerBackoff) != nil {
				return nil
			}
			continue
		}
		if len(tasks) == 0 {
			if capture.Settle(ctx, w.cfg.IdlePause) != nil {
				return nil
			}
			continue
		}
		for i, task := range tasks {
			if ctx.Err() != nil {
				w.release(ctx, tasks[i:])
				return nil
			}
			w.ProcessTask(ctx, task)
		}
	}
}

// release hands unstarted tasks back to the ledger on shutdown so they do not
// wait out the staleness timeout.
func (w *Worker) release(ctx context.Context, tasks []capture.Task) {
	resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()
	for _, task := range tasks {
		if err := w.deps.Leases.Resolve(resolveCtx, task.ID, capture.NoResult()); err != nil {
			w.logger.Warn("release task failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		w.logger.Info("released unstarted task", zap.String("task_id", task.ID))
	}
}

// ProcessTask runs one leased task and always resolves it, even when the
// capture panics. A task interrupted by shutdown goes back to pending.
func (w *Worker) ProcessTask(ctx context.Context, task capture.Task) capture.Outcome {
	start := w.deps.Clock.Now()
	metrics.SetBusy(true)
	defer metrics.SetBusy(false)

	logger := w.logger.With(zap.String("task_id", task.ID), zap.String("url", task.SourceURL))
	logger.Info("processing task")

	taskCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
	}
	result := w.execute(taskCtx, logger, task)
	cancel()

	outcome := result.outcome
	if ctx.Err() != nil && outcome.Kind != capture.OutcomeSuccess {
		logger.Warn("task interrupted by shutdown; returning it to pending")
		outcome = capture.NoResult()
	}

	resolveCtx, cancelResolve := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancelResolve()
	if err := w.deps.Leases.Resolve(resolveCtx, task.ID, outcome); err != nil {
		// The lease expires on its own; another worker will pick the task up.
		logger.Error("resolve task failed", zap.String("outcome", outcome.Kind.String()), zap.Error(err))
	}

	elapsed := w.deps.Clock.Now().Sub(start)
	metrics.ObserveResolution(outcome.Kind.String(), elapsed)
	fields := []zap.Field{
		zap.String("outcome", outcome.Kind.String()),
		zap.Int("artifacts", len(outcome.ArtifactRefs)),
		zap.Duration("elapsed", elapsed),
	}
	if outcome.Kind == capture.OutcomeFailure {
		logger.Warn("task failed", append(fields, zap.String("error", outcome.Message))...)
	} else {
		logger.Info("task resolved", fields...)
	}

	w.publish(resolveCtx, logger, task, outcome, result.artifacts)
	return outcome
}

type taskResult struct {
	outcome   capture.Outcome
	artifacts []ArtifactRecord
}

func (w *Worker) execute(ctx context.Context, logger *zap.Logger, task capture.Task) (res taskResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = taskResult{outcome: capture.Failure(fmt.Sprintf("panic: %v", r))}
		}
	}()

	shots, gallery, err := w.captureTask(ctx, logger, task)
	if err != nil {
		return taskResult{outcome: capture.Failure(err.Error())}
	}
	artifacts, skipErr, err := w.storeShots(ctx, logger, task, shots)
	if err != nil {
		return taskResult{outcome: capture.Failure(err.Error())}
	}
	if len(artifacts) == 0 {
		if gallery {
			return taskResult{outcome: capture.NoResult()}
		}
		if skipErr != nil {
			return taskResult{outcome: capture.Failure(fmt.Sprintf("no artifacts captured: %v", skipErr))}
		}
		return taskResult{outcome: capture.Failure("no artifacts captured")}
	}
	refs := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		refs = append(refs, a.URI)
	}
	return taskResult{outcome: capture.Success(refs), artifacts: artifacts}
}

// captureTask navigates and picks a layout. The bool reports whether the
// gallery layout was found, so an empty result can be told apart from a page
// with nothing to trigger.
func (w *Worker) captureTask(ctx context.Context, logger *zap.Logger, task capture.Task) ([]capture.Shot, bool, error) {
	if err := w.navigate(ctx, task.SourceURL); err != nil {
		return nil, false, err
	}
	page := w.deps.Page

	w.openGallery(ctx, logger)
	if w.cfg.Thumbnail != "" {
		thumbs, err := page.Query(ctx, w.cfg.Thumbnail)
		if err != nil {
			return nil, false, fmt.Errorf("detect gallery: %w", err)
		}
		if len(thumbs) > 0 {
			logger.Debug("gallery layout", zap.Int("thumbnails", len(thumbs)))
			shots, err := w.deps.Walker.Walk(ctx, page, w.cfg.MaxGalleryItems)
			if err != nil {
				return nil, true, fmt.Errorf("walk gallery: %w", err)
			}
			return shots, true, nil
		}
	}

	if w.cfg.PrimaryTrigger != "" {
		triggers, err := page.Query(ctx, w.cfg.PrimaryTrigger)
		if err != nil {
			return nil, false, fmt.Errorf("detect street view: %w", err)
		}
		if len(triggers) > 0 {
			logger.Debug("single surface layout")
			raw, err := w.deps.Capturer.Capture(ctx, page, triggers[0])
			if err != nil {
				return nil, false, fmt.Errorf("capture street view: %w", err)
			}
			return []capture.Shot{{Ordinal: 0, Raw: raw}}, false, nil
		}
	}
	return nil, false, errNoSurface
}

func (w *Worker) navigate(ctx context.Context, url string) error {
	if err := w.limiter.Wait(ctx, url); err != nil {
		return fmt.Errorf("navigation: %w", err)
	}

	navCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.NavigationTimeout > 0 {
		navCtx, cancel = context.WithTimeout(ctx, w.cfg.NavigationTimeout)
	}
	defer cancel()
	if err := w.deps.Page.Navigate(navCtx, url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return capture.Settle(ctx, w.cfg.AfterNavigation)
}

// openGallery clicks the gallery opener when the page shows one. A failure
// here is not fatal; detection falls through to the single surface layout.
func (w *Worker) openGallery(ctx context.Context, logger *zap.Logger) {
	if w.cfg.GalleryOpener == "" {
		return
	}
	openers, err := w.deps.Page.Query(ctx, w.cfg.GalleryOpener)
	if err != nil || len(openers) == 0 {
		return
	}
	if err := w.deps.Page.Click(ctx, openers[0]); err != nil {
		logger.Debug("native opener click failed; dispatching", zap.Error(err))
		if err := w.deps.Page.DispatchPointer(ctx, openers[0]); err != nil {
			logger.Warn("open gallery failed", zap.Error(err))
			return
		}
	}
	_ = capture.Settle(ctx, w.cfg.AfterClick)
}

// ArtifactRecord describes one stored artifact in a published event.
type ArtifactRecord struct {
	Ordinal int    `json:"ordinal"`
	Label   string `json:"label"`
	URI     string `json:"uri"`
	SHA256  string `json:"sha256,omitempty"`
	Bytes   int    `json:"bytes"`
}

// storeShots normalizes and writes each shot in order. Undecodable shots and
// byte-identical repeats are skipped, and the last normalize error is returned
// as skipErr; any storage error fails the whole task.
func (w *Worker) storeShots(ctx context.Context, logger *zap.Logger, task capture.Task, shots []capture.Shot) (records []ArtifactRecord, skipErr error, err error) {
	if err := validTaskID(task.ID); err != nil {
		return nil, nil, err
	}
	records = make([]ArtifactRecord, 0, len(shots))
	seen := make(map[string]int, len(shots))
	for _, shot := range shots {
		kind := artifactKind(shot.Ordinal)
		itemLogger := logger.With(zap.Int("ordinal", shot.Ordinal))

		data, stats, err := w.deps.Normalizer.NormalizeWithStats(shot.Raw)
		if err != nil {
			itemLogger.Warn("normalize failed; skipping artifact", zap.Error(err))
			metrics.ObserveArtifact(kind, "unsupported")
			skipErr = err
			continue
		}
		itemLogger.Debug("normalized artifact",
			zap.Int("original_bytes", stats.OriginalBytes),
			zap.Int("normalized_bytes", stats.NormalizedBytes),
			zap.Float64("reduction_pct", stats.Reduction()),
			zap.Bool("trimmed", stats.Trimmed),
		)

		var digest string
		if w.deps.Hasher != nil {
			digest = w.deps.Hasher.Hash(data)
			if prev, dup := seen[digest]; dup {
				itemLogger.Warn("artifact repeats an earlier capture; skipping", zap.Int("same_as", prev))
				metrics.ObserveArtifact(kind, "duplicate")
				continue
			}
			seen[digest] = shot.Ordinal
		}

		key := w.objectKey(task.ID, shot.Label())
		uri, err := w.deps.Store.PutObject(ctx, key, w.cfg.ContentType, bytes.NewReader(data))
		if err != nil {
			metrics.ObserveArtifact(kind, "failed")
			return nil, nil, fmt.Errorf("%w: %s: %v", capture.ErrStorageWriteFailed, key, err)
		}
		metrics.ObserveArtifact(kind, "stored")
		metrics.ObserveArtifactBytes(stats.OriginalBytes, stats.NormalizedBytes)
		itemLogger.Info("stored artifact", zap.String("key", key), zap.String("uri", uri))

		records = append(records, ArtifactRecord{
			Ordinal: shot.Ordinal,
			Label:   shot.Label(),
			URI:     uri,
			SHA256:  digest,
			Bytes:   len(data),
		})
	}
	return records, skipErr, nil
}

// validTaskID keeps ledger ids from escaping the storage prefix.
func validTaskID(id string) error {
	if id == "" || id == "." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: unsafe task id %q", capture.ErrStorageWriteFailed, id)
	}
	return nil
}

func (w *Worker) objectKey(taskID, label string) string {
	prefix := strings.Trim(w.cfg.StoragePrefix, "/")
	return path.Join(prefix, taskID, label+".jpg")
}

func artifactKind(ordinal int) string {
	if ordinal == 0 {
		return "street_view"
	}
	return "gallery"
}
