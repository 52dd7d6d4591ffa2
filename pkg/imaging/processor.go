package imaging

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

var (
	// ErrNotSupported marks a source whose format the codec cannot
	// decode. Non-retryable at the item level.
	ErrNotSupported = errors.New("source format not supported")

	// ErrSourceMissing marks a source file that disappeared.
	ErrSourceMissing = errors.New("source file missing")
)

// Kind identifies which derivative a spec produces
type Kind string

const (
	KindThumbnail Kind = "thumbnail"
	KindPreview   Kind = "preview"
)

// Spec describes one derivative to produce from a source image.
type Spec struct {
	Kind       Kind
	MaxDim     int
	Quality    int
	OutputPath string
}

// Result reports one produced derivative, or the error that prevented it.
type Result struct {
	Kind   Kind
	Width  int
	Height int
	Size   int64
	Format string
	Err    error
}

// Processor generates image derivatives from an on-disk source.
type Processor struct{}

// NewProcessor creates an image processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process decodes the source once (auto-correcting EXIF orientation),
// then writes one JPEG per spec, fitted inside MaxDim without enlarging.
// An undecodable source yields ErrNotSupported on every result; a
// missing source yields ErrSourceMissing. Write failures surface as
// per-result I/O errors for the caller's retry policy.
func (p *Processor) Process(sourcePath string, specs []Spec) ([]Result, error) {
	src, err := imaging.Open(sourcePath, imaging.AutoOrientation(true))
	if err != nil {
		results := make([]Result, len(specs))
		kind := ErrNotSupported
		if os.IsNotExist(err) {
			kind = ErrSourceMissing
		}
		for i, spec := range specs {
			results[i] = Result{Kind: spec.Kind, Err: fmt.Errorf("%w: %s", kind, filepath.Base(sourcePath))}
		}
		return results, nil
	}

	results := make([]Result, len(specs))
	for i, spec := range specs {
		results[i] = p.produce(src, spec)
	}
	return results, nil
}

func (p *Processor) produce(src image.Image, spec Spec) Result {
	out := src
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	fitW, fitH := FitWithin(w, h, spec.MaxDim)
	if fitW != w || fitH != h {
		out = imaging.Fit(src, spec.MaxDim, spec.MaxDim, imaging.Lanczos)
		fitW, fitH = out.Bounds().Dx(), out.Bounds().Dy()
	}

	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0755); err != nil {
		return Result{Kind: spec.Kind, Err: fmt.Errorf("failed to create output dir: %w", err)}
	}
	if err := imaging.Save(out, spec.OutputPath, imaging.JPEGQuality(ClampQuality(spec.Quality))); err != nil {
		return Result{Kind: spec.Kind, Err: fmt.Errorf("failed to write %s: %w", spec.OutputPath, err)}
	}

	var size int64
	if info, err := os.Stat(spec.OutputPath); err == nil {
		size = info.Size()
	}
	return Result{Kind: spec.Kind, Width: fitW, Height: fitH, Size: size, Format: "jpeg"}
}

// FitWithin scales (w, h) to fit inside a maxDim square, never
// enlarging and preserving aspect ratio.
func FitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, h * maxDim / w
	}
	return w * maxDim / h, maxDim
}

// ClampQuality bounds a JPEG quality value to [1, 100].
func ClampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}
