// Package gallery drives the capture pipeline across a widget's photo thumbnails.
package gallery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
	"github.com/JakeFAU/place-imagery-worker/internal/metrics"
)

// Capturer captures the surface behind one trigger.
type Capturer interface {
	Capture(ctx context.Context, page capture.Page, target capture.Element) ([]byte, error)
}

// Config holds the thumbnail selector and the delays between items.
type Config struct {
	Thumbnail        string
	ScrollSettle     time.Duration
	VisibilitySettle time.Duration
}

// Walker captures up to N thumbnails in discovery order.
type Walker struct {
	capturer Capturer
	cfg      Config
	logger   *zap.Logger
}

// New builds a Walker.
func New(capturer Capturer, cfg Config, logger *zap.Logger) (*Walker, error) {
	if capturer == nil {
		return nil, fmt.Errorf("capturer is required")
	}
	if cfg.Thumbnail == "" {
		return nil, fmt.Errorf("thumbnail selector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{capturer: capturer, cfg: cfg, logger: logger.Named("gallery")}, nil
}

// Walk captures min(discovered, maxItems) thumbnails. The collection is
// re-queried before every item because activating one thumbnail can re-render
// the list; no handle is used after the iteration that resolved it. Item
// failures are logged and skipped. Shots are numbered from 1 by discovery index.
// Only discovery and context errors are returned.
func (w *Walker) Walk(ctx context.Context, page capture.Page, maxItems int) ([]capture.Shot, error) {
	if maxItems < 0 {
		return nil, fmt.Errorf("max items must be >= 0, got %d", maxItems)
	}
	items, err := page.Query(ctx, w.cfg.Thumbnail)
	if err != nil {
		return nil, fmt.Errorf("discover thumbnails: %w", err)
	}
	limit := min(len(items), maxItems)
	w.logger.Debug("discovered thumbnails", zap.Int("count", len(items)), zap.Int("limit", limit))

	shots := make([]capture.Shot, 0, limit)
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return shots, err
		}
		logger := w.logger.With(zap.Int("ordinal", i+1))

		// Show everything again so the next thumbnail is reachable.
		if err := page.RestoreVisibility(ctx); err != nil {
			logger.Warn("restore before item failed", zap.Error(err))
		}
		if err := capture.Settle(ctx, w.cfg.VisibilitySettle); err != nil {
			return shots, err
		}

		current, err := page.Query(ctx, w.cfg.Thumbnail)
		if err != nil {
			logger.Warn("re-discover thumbnails failed", zap.Error(err))
			metrics.ObserveArtifact("gallery", "skipped")
			continue
		}
		if i >= len(current) {
			logger.Warn("thumbnail vanished", zap.Int("remaining", len(current)))
			metrics.ObserveArtifact("gallery", "skipped")
			continue
		}
		target := current[i]

		if err := page.ScrollIntoView(ctx, target); err != nil {
			logger.Debug("scroll into view failed", zap.Error(err))
		}
		if err := capture.Settle(ctx, w.cfg.ScrollSettle); err != nil {
			return shots, err
		}

		raw, err := w.capturer.Capture(ctx, page, target)
		if err != nil {
			if ctx.Err() != nil {
				return shots, ctx.Err()
			}
			logger.Warn("capture failed; skipping item", zap.Error(err))
			metrics.ObserveArtifact("gallery", "skipped")
			continue
		}
		shots = append(shots, capture.Shot{Ordinal: i + 1, Raw: raw})
	}
	return shots, nil
}
