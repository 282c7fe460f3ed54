// Package interaction triggers widget elements and verifies that the expected
// rendering surface actually became visible.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
	"github.com/JakeFAU/place-imagery-worker/internal/metrics"
)

// Strategy is one named way of triggering an element.
type Strategy struct {
	Name string
	Run  func(ctx context.Context, page capture.Page, target capture.Element) error
}

// Dispatch fires a synthetic pointer sequence on the element itself, which
// bypasses layout and occlusion.
var Dispatch = Strategy{
	Name: "dispatch",
	Run: func(ctx context.Context, page capture.Page, target capture.Element) error {
		return page.DispatchPointer(ctx, target)
	},
}

// Native issues a regular click at the element's layout position.
var Native = Strategy{
	Name: "native",
	Run: func(ctx context.Context, page capture.Page, target capture.Element) error {
		return page.Click(ctx, target)
	},
}

// Center clicks the raw pointer at the bounding box center, for elements whose
// click target is intercepted by an overlay.
var Center = Strategy{
	Name: "center",
	Run: func(ctx context.Context, page capture.Page, target capture.Element) error {
		box, err := page.BoundingBox(ctx, target)
		if err != nil {
			return fmt.Errorf("bounding box: %w", err)
		}
		if box.Empty() {
			return fmt.Errorf("element %s has no layout box", target.Describe())
		}
		x, y := box.Center()
		return page.MouseClick(ctx, x, y)
	},
}

// DefaultStrategies is the cascade order.
func DefaultStrategies() []Strategy {
	return []Strategy{Dispatch, Native, Center}
}

// Config tunes verification.
type Config struct {
	// Surface selects the element that must become visible.
	Surface string
	// ClickSettle is waited after each strategy before probing.
	ClickSettle time.Duration
	// VerifyTimeout bounds the final visibility wait.
	VerifyTimeout time.Duration
	// PollInterval spaces visibility probes during verification.
	PollInterval time.Duration
}

// Engine runs the strategy cascade. It holds no per-page state.
type Engine struct {
	cfg        Config
	strategies []Strategy
	logger     *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStrategies replaces the cascade.
func WithStrategies(strategies ...Strategy) Option {
	return func(e *Engine) {
		e.strategies = strategies
	}
}

// New builds an Engine.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.Surface == "" {
		return nil, fmt.Errorf("surface selector is required")
	}
	if cfg.VerifyTimeout <= 0 {
		return nil, fmt.Errorf("verify timeout must be > 0")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{cfg: cfg, strategies: DefaultStrategies(), logger: logger.Named("interaction")}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	return e, nil
}

// Surface returns the selector the engine verifies.
func (e *Engine) Surface() string {
	return e.cfg.Surface
}

// Activate tries each strategy in order and stops at the first one after which
// the surface is visible, then waits for the surface to be confirmed visible.
// It returns (false, nil) when verification times out and wraps
// capture.ErrActivationFailed when the last strategy errors.
func (e *Engine) Activate(ctx context.Context, page capture.Page, target capture.Element) (bool, error) {
	logger := e.logger.With(zap.String("target", target.Describe()))
	last := len(e.strategies) - 1
	for i, s := range e.strategies {
		if err := s.Run(ctx, page, target); err != nil {
			metrics.ObserveActivation(s.Name, false)
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if i == last {
				return false, fmt.Errorf("%w: %s: %v", capture.ErrActivationFailed, s.Name, err)
			}
			logger.Debug("strategy failed", zap.String("strategy", s.Name), zap.Error(err))
			continue
		}
		if err := capture.Settle(ctx, e.cfg.ClickSettle); err != nil {
			return false, err
		}
		visible, err := page.Visible(ctx, e.cfg.Surface)
		if err == nil && visible {
			metrics.ObserveActivation(s.Name, true)
			logger.Debug("strategy activated surface", zap.String("strategy", s.Name))
			break
		}
		metrics.ObserveActivation(s.Name, false)
		logger.Debug("surface not visible after strategy", zap.String("strategy", s.Name), zap.Error(err))
	}
	return e.verify(ctx, page)
}

// verify polls the strict visibility probe until it passes or VerifyTimeout elapses.
func (e *Engine) verify(ctx context.Context, page capture.Page) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		visible, err := page.Visible(waitCtx, e.cfg.Surface)
		if err == nil && visible {
			return true, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				e.logger.Debug("visibility probe failed", zap.Error(err))
			}
			return false, nil
		case <-ticker.C:
		}
	}
}
