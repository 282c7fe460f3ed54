package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/browser/browsertest"
	"github.com/JakeFAU/place-imagery-worker/internal/capture"
	"github.com/JakeFAU/place-imagery-worker/internal/interaction"
)

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	sel := browsertest.DefaultSelectors()
	engine, err := interaction.New(interaction.Config{
		Surface:       sel.Surface,
		VerifyTimeout: 30 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	p, err := New(engine, Config{Surface: sel.Surface, KeepVisible: []string{sel.Thumbnail}}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func thumb(t *testing.T, page *browsertest.Page, i int) capture.Element {
	t.Helper()
	els, err := page.Query(context.Background(), browsertest.DefaultSelectors().Thumbnail)
	require.NoError(t, err)
	require.Greater(t, len(els), i)
	return els[i]
}

type activatorFunc func(ctx context.Context, page capture.Page, target capture.Element) (bool, error)

func (f activatorFunc) Activate(ctx context.Context, page capture.Page, target capture.Element) (bool, error) {
	return f(ctx, page, target)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Surface: "canvas"}, nil)
	require.Error(t, err)
	_, err = New(activatorFunc(nil), Config{}, nil)
	require.Error(t, err)
}

func TestCaptureIsolatesAndRestores(t *testing.T) {
	t.Parallel()

	page := browsertest.New(browsertest.DefaultSelectors())
	img := browsertest.PatternPNG(3, 16, 16)
	page.AddThumbnail(browsertest.Item{Image: img, ActivatesOn: []string{browsertest.ByNative}})

	raw, err := newPipeline(t).Capture(context.Background(), page, thumb(t, page, 0))
	require.NoError(t, err)
	assert.Equal(t, img, raw)
	assert.Equal(t, 1, page.SuppressCalls)
	assert.Equal(t, 1, page.RestoreCalls)
	assert.Zero(t, page.DirtyShots, "screenshot must be taken while the UI is suppressed")
	assert.False(t, page.Suppressed())
}

func TestCaptureSurfaceNotActive(t *testing.T) {
	t.Parallel()

	page := browsertest.New(browsertest.DefaultSelectors())
	page.AddThumbnail(browsertest.Item{Image: browsertest.PatternPNG(1, 8, 8)})

	_, err := newPipeline(t).Capture(context.Background(), page, thumb(t, page, 0))
	require.True(t, errors.Is(err, capture.ErrSurfaceNotActive))
	assert.Zero(t, page.SuppressCalls, "nothing is hidden when activation fails")
}

func TestCaptureActivationFailedIsSurfaceNotActive(t *testing.T) {
	t.Parallel()

	page := browsertest.New(browsertest.DefaultSelectors())
	page.AddThumbnail(browsertest.Item{FailOn: map[string]error{browsertest.ByCenter: errors.New("detached")}})

	_, err := newPipeline(t).Capture(context.Background(), page, thumb(t, page, 0))
	require.True(t, errors.Is(err, capture.ErrSurfaceNotActive))
	require.True(t, errors.Is(err, capture.ErrActivationFailed))
}

func TestCaptureSurfaceNotFound(t *testing.T) {
	t.Parallel()

	page := browsertest.New(browsertest.DefaultSelectors())
	page.AddThumbnail(browsertest.Item{Image: browsertest.PatternPNG(1, 8, 8), ActivatesOn: []string{browsertest.ByDispatch}})
	activator := activatorFunc(func(ctx context.Context, pg capture.Page, target capture.Element) (bool, error) {
		page.SetSurfaceMissing(true)
		return true, nil
	})
	p, err := New(activator, Config{Surface: browsertest.DefaultSelectors().Surface}, nil)
	require.NoError(t, err)

	_, err = p.Capture(context.Background(), page, thumb(t, page, 0))
	require.True(t, errors.Is(err, capture.ErrSurfaceNotFound))
}

func TestCaptureRestoresAfterScreenshotFailure(t *testing.T) {
	t.Parallel()

	page := browsertest.New(browsertest.DefaultSelectors())
	page.AddThumbnail(browsertest.Item{Image: browsertest.PatternPNG(1, 8, 8), ActivatesOn: []string{browsertest.ByDispatch}})
	page.ScreenshotErr = errors.New("target closed")

	_, err := newPipeline(t).Capture(context.Background(), page, thumb(t, page, 0))
	require.ErrorContains(t, err, "target closed")
	assert.Equal(t, 1, page.RestoreCalls)
	assert.False(t, page.Suppressed())
}

func TestCaptureRestoresAfterPartialSuppress(t *testing.T) {
	t.Parallel()

	page := browsertest.New(browsertest.DefaultSelectors())
	page.AddThumbnail(browsertest.Item{Image: browsertest.PatternPNG(1, 8, 8), ActivatesOn: []string{browsertest.ByDispatch}})
	page.SuppressErr = errors.New("script error")

	_, err := newPipeline(t).Capture(context.Background(), page, thumb(t, page, 0))
	require.Error(t, err)
	assert.Equal(t, 1, page.RestoreCalls)
}

func TestCaptureRestoresOnCancellation(t *testing.T) {
	t.Parallel()

	page := browsertest.New(browsertest.DefaultSelectors())
	page.AddThumbnail(browsertest.Item{Image: browsertest.PatternPNG(1, 8, 8), ActivatesOn: []string{browsertest.ByDispatch}})

	sel := browsertest.DefaultSelectors()
	ctx, cancel := context.WithCancel(context.Background())
	activator := activatorFunc(func(context.Context, capture.Page, capture.Element) (bool, error) {
		return true, nil
	})
	p, err := New(activator, Config{Surface: sel.Surface, VisibilitySettle: time.Hour}, nil)
	require.NoError(t, err)

	go func() {
		for !page.Suppressed() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err = p.Capture(ctx, page, thumb(t, page, 0))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, page.RestoreCalls)
	assert.False(t, page.Suppressed())
}
