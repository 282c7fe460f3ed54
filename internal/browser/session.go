// Package browser implements capture.Page on a single headless Chrome tab via chromedp.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

// markerAttr remembers an element's previous inline visibility while it is suppressed.
const markerAttr = "data-imagery-prev-visibility"

// Config controls the browser process and tab.
type Config struct {
	Headless          bool
	UserAgent         string
	ViewportWidth     int64
	ViewportHeight    int64
	NavigationTimeout time.Duration
	// ActionTimeout bounds every other DOM action.
	ActionTimeout time.Duration
	// NoSandbox is needed when Chrome runs as root in containers.
	NoSandbox bool
}

// Session owns one browser process and one tab. It is not safe for concurrent
// use; a worker drives exactly one task at a time.
type Session struct {
	cfg         Config
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	logger      *zap.Logger
}

type element struct {
	node     *cdp.Node
	selector string
}

func (e *element) Describe() string {
	return fmt.Sprintf("%s<%s #%d>", e.selector, strings.ToLower(e.node.NodeName), e.node.NodeID)
}

// New launches Chrome and opens the working tab.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = 1920, 1080
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("no-sandbox", cfg.NoSandbox),
		chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	warmup := chromedp.Tasks{chromedp.EmulateViewport(cfg.ViewportWidth, cfg.ViewportHeight)}
	if cfg.UserAgent != "" {
		warmup = append(warmup, emulation.SetUserAgentOverride(cfg.UserAgent))
	}
	if err := chromedp.Run(tabCtx, warmup); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Session{
		cfg:         cfg,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		logger:      logger.Named("browser"),
	}, nil
}

// Close tears down the tab and the browser process.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.tabCancel()
	s.allocCancel()
	return nil
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// forwardCancel cancels the chromedp action when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Navigate loads url and waits for the document body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Query resolves every match without waiting for one to appear.
func (s *Session) Query(ctx context.Context, selector string) ([]capture.Element, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	); err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	out := make([]capture.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &element{node: n, selector: selector})
	}
	return out, nil
}

const visibleJS = `(function(sel) {
	const el = document.querySelector(sel);
	if (!el) return false;
	const style = window.getComputedStyle(el);
	return style.display !== 'none' && style.visibility !== 'hidden';
})(%s)`

// Visible probes computed style of the first match; DOM presence alone is not enough.
func (s *Session) Visible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Evaluate(fmt.Sprintf(visibleJS, jsValue(selector)), &visible),
	); err != nil {
		return false, fmt.Errorf("probe visibility %s: %w", selector, err)
	}
	return visible, nil
}

const dispatchJS = `function() {
	for (const type of ['mousedown', 'click', 'mouseup']) {
		this.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: window}));
	}
}`

// DispatchPointer fires synthetic mouse events directly on the element.
func (s *Session) DispatchPointer(ctx context.Context, el capture.Element) error {
	return s.callOn(ctx, el, dispatchJS)
}

// Click performs a native input click at the element's position.
func (s *Session) Click(ctx context.Context, el capture.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.MouseClickNode(e.node)); err != nil {
		return fmt.Errorf("click %s: %w", e.Describe(), classify(err))
	}
	return nil
}

// BoundingBox returns the element's border box in CSS pixels.
func (s *Session) BoundingBox(ctx context.Context, el capture.Element) (capture.Box, error) {
	e, err := asElement(el)
	if err != nil {
		return capture.Box{}, err
	}
	var model *dom.BoxModel
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		model, err = dom.GetBoxModel().WithNodeID(e.node.NodeID).Do(ctx)
		return err
	})); err != nil {
		return capture.Box{}, fmt.Errorf("box model %s: %w", e.Describe(), classify(err))
	}
	return quadBox(model.Border), nil
}

func quadBox(q dom.Quad) capture.Box {
	if len(q) < 8 {
		return capture.Box{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(q); i += 2 {
		minX, maxX = math.Min(minX, q[i]), math.Max(maxX, q[i])
		minY, maxY = math.Min(minY, q[i+1]), math.Max(maxY, q[i+1])
	}
	return capture.Box{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// MouseClick clicks the raw pointer at viewport coordinates.
func (s *Session) MouseClick(ctx context.Context, x, y float64) error {
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("mouse click (%.0f, %.0f): %w", x, y, err)
	}
	return nil
}

const scrollJS = `function() { this.scrollIntoView({block: 'center', inline: 'center'}); }`

// ScrollIntoView centers the element in the viewport.
func (s *Session) ScrollIntoView(ctx context.Context, el capture.Element) error {
	return s.callOn(ctx, el, scrollJS)
}

const suppressJS = `(function(surfaceSel, keepSels, marker) {
	const keep = new Set();
	const keepTree = (el) => {
		for (let n = el; n; n = n.parentElement) keep.add(n);
		el.querySelectorAll('*').forEach((c) => keep.add(c));
	};
	const surface = document.querySelector(surfaceSel);
	if (surface) keepTree(surface);
	for (const sel of keepSels) document.querySelectorAll(sel).forEach(keepTree);
	let altered = 0;
	document.querySelectorAll('body *').forEach((el) => {
		if (keep.has(el) || el.hasAttribute(marker)) return;
		el.setAttribute(marker, el.style.visibility || '');
		el.style.visibility = 'hidden';
		altered++;
	});
	return altered;
})(%s, %s, %s)`

// SuppressExcept hides everything but the surface, its ancestors and keep
// matches. Each altered element records its previous inline visibility.
func (s *Session) SuppressExcept(ctx context.Context, surface string, keep []string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	var altered int
	expr := fmt.Sprintf(suppressJS, jsValue(surface), jsValue(keep), jsValue(markerAttr))
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(expr, &altered)); err != nil {
		return 0, fmt.Errorf("suppress ui: %w", err)
	}
	return altered, nil
}

const restoreJS = `(function(marker) {
	let restored = 0;
	document.querySelectorAll('[' + marker + ']').forEach((el) => {
		el.style.visibility = el.getAttribute(marker);
		el.removeAttribute(marker);
		restored++;
	});
	return restored;
})(%s)`

// RestoreVisibility undoes SuppressExcept; elements it never touched are left alone.
func (s *Session) RestoreVisibility(ctx context.Context) error {
	var restored int
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Evaluate(fmt.Sprintf(restoreJS, jsValue(markerAttr)), &restored),
	); err != nil {
		return fmt.Errorf("restore ui: %w", err)
	}
	if restored > 0 {
		s.logger.Debug("restored visibility", zap.Int("elements", restored))
	}
	return nil
}

// Screenshot captures the element's pixels as PNG.
func (s *Session) Screenshot(ctx context.Context, el capture.Element) ([]byte, error) {
	e, err := asElement(el)
	if err != nil {
		return nil, err
	}
	var buf []byte
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Screenshot([]cdp.NodeID{e.node.NodeID}, &buf, chromedp.ByNodeID),
	); err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", e.Describe(), classify(err))
	}
	return buf, nil
}

// callOn runs a function declaration with `this` bound to the element.
func (s *Session) callOn(ctx context.Context, el capture.Element, fn string) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	err = s.run(ctx, s.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(e.node.NodeID).Do(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()
		_, exc, err := runtime.CallFunctionOn(fn).WithObjectID(obj.ObjectID).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %s", exc.Text)
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("call on %s: %w", e.Describe(), classify(err))
	}
	return nil
}

func asElement(el capture.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e == nil || e.node == nil {
		return nil, fmt.Errorf("element %v was not produced by this session", el)
	}
	return e, nil
}

// classify maps CDP "node not found" errors onto capture.ErrStaleElement.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no node with given id") ||
		strings.Contains(msg, "could not find node") ||
		strings.Contains(msg, "node is detached") {
		return fmt.Errorf("%w: %v", capture.ErrStaleElement, err)
	}
	return err
}

func jsValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
