// Package normalize turns raw surface captures into storage-ready JPEG artifacts.
package normalize

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

// DefaultQuality trades fidelity for size; artifacts are thumbnails.
const DefaultQuality = 60

// DefaultTrimThreshold is the per-channel distance (0-255) still counted as border.
const DefaultTrimThreshold = 10

// Config controls re-encoding.
type Config struct {
	Quality       int
	TrimThreshold int
}

// Stats describes one normalization.
type Stats struct {
	OriginalBytes   int
	NormalizedBytes int
	Trimmed         bool
	Bounds          image.Rectangle
}

// Reduction returns the size saving as a percentage of the original.
func (s Stats) Reduction() float64 {
	if s.OriginalBytes == 0 {
		return 0
	}
	return float64(s.OriginalBytes-s.NormalizedBytes) / float64(s.OriginalBytes) * 100
}

// Normalizer trims, re-encodes and carries metadata. It is stateless.
type Normalizer struct {
	cfg Config
}

// New creates a Normalizer, filling zero values with defaults.
func New(cfg Config) (*Normalizer, error) {
	if cfg.Quality == 0 {
		cfg.Quality = DefaultQuality
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("quality must be within 1-100, got %d", cfg.Quality)
	}
	if cfg.TrimThreshold == 0 {
		cfg.TrimThreshold = DefaultTrimThreshold
	}
	if cfg.TrimThreshold < 0 || cfg.TrimThreshold > 255 {
		return nil, fmt.Errorf("trim threshold must be within 0-255, got %d", cfg.TrimThreshold)
	}
	return &Normalizer{cfg: cfg}, nil
}

// Normalize decodes raw, trims a uniform border and re-encodes as JPEG.
func (n *Normalizer) Normalize(raw []byte) ([]byte, error) {
	out, _, err := n.NormalizeWithStats(raw)
	return out, err
}

// NormalizeWithStats is Normalize plus size and trim details for logging.
func (n *Normalizer) NormalizeWithStats(raw []byte) ([]byte, Stats, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, Stats{}, fmt.Errorf("%w: %v", capture.ErrUnsupportedImage, err)
	}

	stats := Stats{OriginalBytes: len(raw), Bounds: img.Bounds()}
	if rect, ok := trimBounds(img, n.cfg.TrimThreshold); ok {
		img = imaging.Crop(img, rect)
		stats.Trimmed = true
		stats.Bounds = img.Bounds()
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.cfg.Quality)); err != nil {
		return nil, Stats{}, fmt.Errorf("encode jpeg: %w", err)
	}
	out := spliceExif(buf.Bytes(), exifSegment(raw))
	stats.NormalizedBytes = len(out)
	return out, stats, nil
}

// trimBounds finds the content rectangle inside a border whose color matches the
// top-left pixel. The border only counts when all four corners agree, so an
// already-trimmed image is left alone.
func trimBounds(img image.Image, threshold int) (image.Rectangle, bool) {
	b := img.Bounds()
	if b.Dx() < 3 || b.Dy() < 3 {
		return image.Rectangle{}, false
	}
	ref := img.At(b.Min.X, b.Min.Y)
	corners := []color.Color{
		img.At(b.Max.X-1, b.Min.Y),
		img.At(b.Min.X, b.Max.Y-1),
		img.At(b.Max.X-1, b.Max.Y-1),
	}
	for _, c := range corners {
		if !similar(ref, c, threshold) {
			return image.Rectangle{}, false
		}
	}

	rowIsBorder := func(y int) bool {
		for x := b.Min.X; x < b.Max.X; x++ {
			if !similar(ref, img.At(x, y), threshold) {
				return false
			}
		}
		return true
	}
	colIsBorder := func(x, top, bottom int) bool {
		for y := top; y < bottom; y++ {
			if !similar(ref, img.At(x, y), threshold) {
				return false
			}
		}
		return true
	}

	top, bottom := b.Min.Y, b.Max.Y
	for top < bottom && rowIsBorder(top) {
		top++
	}
	if top == bottom {
		// Uniform image: nothing to keep if we trimmed, so leave it.
		return image.Rectangle{}, false
	}
	for bottom > top && rowIsBorder(bottom-1) {
		bottom--
	}
	left, right := b.Min.X, b.Max.X
	for left < right && colIsBorder(left, top, bottom) {
		left++
	}
	for right > left && colIsBorder(right-1, top, bottom) {
		right--
	}

	rect := image.Rect(left, top, right, bottom)
	if rect.Eq(b) {
		return image.Rectangle{}, false
	}
	return rect, true
}

func similar(a, b color.Color, threshold int) bool {
	ar, ag, ab, aa := a.RGBA()
	br, bg, bb, ba := b.RGBA()
	limit := uint32(threshold) * 0x101
	return diff(ar, br) <= limit && diff(ag, bg) <= limit && diff(ab, bb) <= limit && diff(aa, ba) <= limit
}

func diff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

const (
	markerSOI  = 0xD8
	markerSOS  = 0xDA
	markerAPP1 = 0xE1
)

var exifHeader = []byte("Exif\x00\x00")

// exifSegment returns the raw APP1/Exif segment (marker included) of a JPEG, or nil.
func exifSegment(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return nil
		}
		marker := data[pos+1]
		if marker == markerSOS {
			return nil
		}
		length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		end := pos + 2 + length
		if length < 2 || end > len(data) {
			return nil
		}
		payload := data[pos+4 : end]
		if marker == markerAPP1 && bytes.HasPrefix(payload, exifHeader) {
			return data[pos:end]
		}
		pos = end
	}
	return nil
}

// spliceExif inserts segment right after SOI unless the JPEG already carries one.
func spliceExif(jpeg, segment []byte) []byte {
	if len(segment) == 0 || len(jpeg) < 2 || exifSegment(jpeg) != nil {
		return jpeg
	}
	out := make([]byte, 0, len(jpeg)+len(segment))
	out = append(out, jpeg[:2]...)
	out = append(out, segment...)
	out = append(out, jpeg[2:]...)
	return out
}
