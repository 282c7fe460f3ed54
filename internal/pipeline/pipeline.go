// Package pipeline activates a surface, isolates it from the surrounding UI and
// captures its pixels.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

const restoreTimeout = 10 * time.Second

// Activator triggers a target and reports whether the surface became visible.
type Activator interface {
	Activate(ctx context.Context, page capture.Page, target capture.Element) (bool, error)
}

// Config names the surface and the triggers that stay visible during capture.
type Config struct {
	Surface     string
	KeepVisible []string
	// ActivationSettle lets the surface finish rendering once it is visible.
	ActivationSettle time.Duration
	// VisibilitySettle is waited after hiding the surrounding UI.
	VisibilitySettle time.Duration
}

// Pipeline runs activate, isolate, capture for one target.
type Pipeline struct {
	activator Activator
	cfg       Config
	logger    *zap.Logger
}

// New builds a Pipeline.
func New(activator Activator, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if activator == nil {
		return nil, fmt.Errorf("activator is required")
	}
	if cfg.Surface == "" {
		return nil, fmt.Errorf("surface selector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{activator: activator, cfg: cfg, logger: logger.Named("pipeline")}, nil
}

// Capture returns the raw pixels of the surface after target activates it.
// Errors wrap capture.ErrSurfaceNotActive or capture.ErrSurfaceNotFound. Any
// visibility change made here is undone before returning, even on failure or
// cancellation.
func (p *Pipeline) Capture(ctx context.Context, page capture.Page, target capture.Element) ([]byte, error) {
	ok, err := p.activator.Activate(ctx, page, target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", capture.ErrSurfaceNotActive, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", capture.ErrSurfaceNotActive, target.Describe())
	}
	if err := capture.Settle(ctx, p.cfg.ActivationSettle); err != nil {
		return nil, err
	}

	surfaces, err := page.Query(ctx, p.cfg.Surface)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", capture.ErrSurfaceNotFound, p.cfg.Surface, err)
	}
	if len(surfaces) == 0 {
		return nil, fmt.Errorf("%w: %s", capture.ErrSurfaceNotFound, p.cfg.Surface)
	}

	defer func() {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		defer cancel()
		if restoreErr := page.RestoreVisibility(restoreCtx); restoreErr != nil {
			p.logger.Warn("restore visibility failed", zap.Error(restoreErr))
		}
	}()

	hidden, err := page.SuppressExcept(ctx, p.cfg.Surface, p.cfg.KeepVisible)
	if err != nil {
		return nil, fmt.Errorf("suppress surrounding ui: %w", err)
	}
	p.logger.Debug("suppressed surrounding ui", zap.Int("elements", hidden))
	if err := capture.Settle(ctx, p.cfg.VisibilitySettle); err != nil {
		return nil, err
	}

	raw, err := page.Screenshot(ctx, surfaces[0])
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", surfaces[0].Describe(), err)
	}
	return raw, nil
}
