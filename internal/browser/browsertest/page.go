// Package browsertest provides a scriptable in-memory capture.Page that models
// the map widget: thumbnails, an optional primary trigger, an optional gallery
// opener and a single rendering surface.
package browsertest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"slices"
	"sync"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

// Strategy names recognized by Item.ActivatesOn.
const (
	ByDispatch = "dispatch"
	ByNative   = "native"
	ByCenter   = "center"
)

// Selectors names the elements the fake page recognizes.
type Selectors struct {
	Opener    string
	Thumbnail string
	Primary   string
	Surface   string
}

// DefaultSelectors mirrors the production defaults.
func DefaultSelectors() Selectors {
	return Selectors{
		Opener:    ".aoRNLd.kn2E5e.NMjTrf",
		Thumbnail: "a.OKAoZd",
		Primary:   "button[jsaction*='heroHeaderImage']",
		Surface:   "canvas.widget-scene-canvas",
	}
}

// Item is a trigger that can render an image on the surface.
type Item struct {
	// Image is what the surface shows once this item is active.
	Image []byte
	// ActivatesOn lists the strategies this item responds to.
	ActivatesOn []string
	// FailOn makes the named strategy return an error for this item.
	FailOn map[string]error
	// OnActivate runs after the item activates, e.g. to mutate the DOM.
	OnActivate func(p *Page)
}

// Node is an element handle. Handles go stale when the fake DOM re-renders.
type Node struct {
	id       int
	selector string
	box      capture.Box
	item     *Item
	page     *Page
}

// Describe implements capture.Element.
func (n *Node) Describe() string {
	return fmt.Sprintf("%s#%d", n.selector, n.id)
}

// Page is a fake capture.Page. All methods are safe for concurrent use.
type Page struct {
	mu  sync.Mutex
	sel Selectors

	nextID  int
	thumbs  []*Node
	primary *Node
	opener  *Node
	surface *Node

	galleryOpen    bool
	galleryGated   bool
	surfaceActive  bool
	surfaceImage   []byte
	surfaceHidden  bool
	surfaceMissing bool
	suppressed     bool

	// Counters and logs for assertions.
	Navigations   []string
	Events        []string
	SuppressCalls int
	RestoreCalls  int
	DirtyShots    int
	ScrollCalls   int

	// Injected failures.
	NavigateErr   error
	ScreenshotErr error
	SuppressErr   error
}

// New creates an empty page with a surface element present but not rendered.
func New(sel Selectors) *Page {
	p := &Page{sel: sel}
	p.surface = p.newNode(sel.Surface, capture.Box{X: 0, Y: 0, Width: 800, Height: 600}, nil)
	return p
}

func (p *Page) newNode(selector string, box capture.Box, item *Item) *Node {
	p.nextID++
	return &Node{id: p.nextID, selector: selector, box: box, item: item, page: p}
}

func thumbBox(i int) capture.Box {
	return capture.Box{X: 900, Y: float64(100*i + 10), Width: 80, Height: 80}
}

// AddThumbnail appends a gallery thumbnail.
func (p *Page) AddThumbnail(it Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item := it
	p.thumbs = append(p.thumbs, p.newNode(p.sel.Thumbnail, thumbBox(len(p.thumbs)), &item))
}

// SetPrimary installs the single-surface trigger.
func (p *Page) SetPrimary(it Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item := it
	p.primary = p.newNode(p.sel.Primary, capture.Box{X: 20, Y: 20, Width: 300, Height: 200}, &item)
}

// GateGalleryBehindOpener hides thumbnails until the opener is clicked.
func (p *Page) GateGalleryBehindOpener() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.galleryGated = true
	p.opener = p.newNode(p.sel.Opener, capture.Box{X: 20, Y: 300, Width: 120, Height: 40}, nil)
}

// SetSurfaceMissing removes the surface element from the DOM entirely.
func (p *Page) SetSurfaceMissing(missing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaceMissing = missing
}

// SetSurfaceHidden keeps the surface in the DOM but styled visibility:hidden.
func (p *Page) SetSurfaceHidden(hidden bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaceHidden = hidden
}

// RerenderThumbnails re-creates the thumbnail list with fresh nodes, dropping
// index drop (pass -1 to keep every item). Old handles become stale. It must
// only be called from Item.OnActivate, which runs with the page lock held.
func (p *Page) RerenderThumbnails(drop int) {
	fresh := make([]*Node, 0, len(p.thumbs))
	for i, n := range p.thumbs {
		if i == drop {
			continue
		}
		fresh = append(fresh, p.newNode(n.selector, thumbBox(len(fresh)), n.item))
	}
	p.thumbs = fresh
}

// Suppressed reports whether SuppressExcept is in effect.
func (p *Page) Suppressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressed
}

// Navigate implements capture.Page.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Navigations = append(p.Navigations, url)
	return p.NavigateErr
}

// Query implements capture.Page.
func (p *Page) Query(ctx context.Context, selector string) ([]capture.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []capture.Element
	switch selector {
	case p.sel.Thumbnail:
		if p.galleryGated && !p.galleryOpen {
			return nil, nil
		}
		for _, n := range p.thumbs {
			out = append(out, n)
		}
	case p.sel.Primary:
		if p.primary != nil {
			out = append(out, p.primary)
		}
	case p.sel.Opener:
		if p.opener != nil && !p.galleryOpen {
			out = append(out, p.opener)
		}
	case p.sel.Surface:
		if !p.surfaceMissing {
			out = append(out, p.surface)
		}
	}
	return out, nil
}

// Visible implements capture.Page: the surface counts only when rendered and not hidden.
func (p *Page) Visible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch selector {
	case p.sel.Surface:
		return !p.surfaceMissing && !p.surfaceHidden && p.surfaceActive, nil
	case p.sel.Thumbnail:
		return len(p.thumbs) > 0 && (!p.galleryGated || p.galleryOpen), nil
	case p.sel.Primary:
		return p.primary != nil, nil
	}
	return false, nil
}

func (p *Page) node(el capture.Element) (*Node, error) {
	n, ok := el.(*Node)
	if !ok || n.page != p {
		return nil, fmt.Errorf("foreign element %v", el)
	}
	if n.selector == p.sel.Thumbnail && !slices.Contains(p.thumbs, n) {
		return nil, fmt.Errorf("%w: %s", capture.ErrStaleElement, n.Describe())
	}
	return n, nil
}

// trigger applies strategy to n with the lock held.
func (p *Page) trigger(n *Node, strategy string) error {
	p.Events = append(p.Events, strategy+":"+n.Describe())
	if n == p.opener {
		p.galleryOpen = true
		return nil
	}
	if n.item == nil {
		return nil
	}
	if err, ok := n.item.FailOn[strategy]; ok {
		return err
	}
	// Selecting a new item tears down the current scene first.
	p.surfaceActive = false
	p.surfaceImage = nil
	if !slices.Contains(n.item.ActivatesOn, strategy) {
		return nil
	}
	p.surfaceActive = true
	p.surfaceImage = n.item.Image
	if n.item.OnActivate != nil {
		n.item.OnActivate(p)
	}
	return nil
}

// DispatchPointer implements capture.Page.
func (p *Page) DispatchPointer(ctx context.Context, el capture.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.node(el)
	if err != nil {
		return err
	}
	return p.trigger(n, ByDispatch)
}

// Click implements capture.Page.
func (p *Page) Click(ctx context.Context, el capture.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.node(el)
	if err != nil {
		return err
	}
	return p.trigger(n, ByNative)
}

// BoundingBox implements capture.Page.
func (p *Page) BoundingBox(ctx context.Context, el capture.Element) (capture.Box, error) {
	if err := ctx.Err(); err != nil {
		return capture.Box{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.node(el)
	if err != nil {
		return capture.Box{}, err
	}
	return n.box, nil
}

// MouseClick implements capture.Page by hit-testing trigger boxes.
func (p *Page) MouseClick(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	candidates := append([]*Node{}, p.thumbs...)
	if p.primary != nil {
		candidates = append(candidates, p.primary)
	}
	if p.opener != nil {
		candidates = append(candidates, p.opener)
	}
	for _, n := range candidates {
		b := n.box
		if x >= b.X && x <= b.X+b.Width && y >= b.Y && y <= b.Y+b.Height {
			return p.trigger(n, ByCenter)
		}
	}
	p.Events = append(p.Events, fmt.Sprintf("center:miss(%.0f,%.0f)", x, y))
	return nil
}

// ScrollIntoView implements capture.Page.
func (p *Page) ScrollIntoView(ctx context.Context, el capture.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.node(el); err != nil {
		return err
	}
	p.ScrollCalls++
	return nil
}

// SuppressExcept implements capture.Page.
func (p *Page) SuppressExcept(ctx context.Context, _ string, keep []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SuppressCalls++
	if p.SuppressErr != nil {
		return 0, p.SuppressErr
	}
	p.suppressed = true
	altered := 1 // page chrome
	if p.primary != nil && !slices.Contains(keep, p.sel.Primary) {
		altered++
	}
	if !slices.Contains(keep, p.sel.Thumbnail) {
		altered += len(p.thumbs)
	}
	if p.opener != nil {
		altered++
	}
	return altered, nil
}

// RestoreVisibility implements capture.Page.
func (p *Page) RestoreVisibility(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RestoreCalls++
	p.suppressed = false
	return nil
}

// Screenshot implements capture.Page. Only the rendered surface can be captured.
func (p *Page) Screenshot(ctx context.Context, el capture.Element) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	n, ok := el.(*Node)
	if !ok || n != p.surface {
		return nil, fmt.Errorf("screenshot target %v is not the surface", el)
	}
	if !p.surfaceActive || p.surfaceImage == nil {
		return nil, fmt.Errorf("surface is empty")
	}
	if !p.suppressed {
		p.DirtyShots++
	}
	return append([]byte(nil), p.surfaceImage...), nil
}

// PatternPNG returns a w x h PNG whose pixels depend on seed, so distinct
// seeds give distinct artifacts after normalization.
func PatternPNG(seed, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*7 + seed*53) % 256),
				G: uint8((y*11 + seed*97) % 256),
				B: uint8((x*y + seed*31) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
