// Package ocr implements the two-stage text extraction pipeline: a fast
// single-pass attempt first, then a multi-mode sweep over an enhanced image
// only when the fast pass fails to find the target name. Rasterization and
// character recognition are opaque capability providers supplied by the
// caller; this package decides when and how to invoke them.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Rasterizer turns the first page of a document into an image. Only the first
// page is ever inspected.
type Rasterizer interface {
	RasterizeFirstPage(ctx context.Context, documentPath string) (image.Image, error)
}

// RecognizeOptions selects the engine configuration for one recognition pass.
type RecognizeOptions struct {
	// Languages is the engine language set, e.g. "tur+eng".
	Languages string
	// PSM is the page segmentation mode.
	PSM int
}

// Recognizer runs one recognition pass over an image and returns raw text.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image, opts RecognizeOptions) (string, error)
}

// Enhancer applies a preprocessing sequence before the advanced sweep. When
// no Enhancer is configured the pipeline falls back to a lighter built-in
// sequence.
type Enhancer interface {
	Enhance(img image.Image) (image.Image, error)
}

// segmentationMode is one entry of the fixed advanced-stage sweep order.
type segmentationMode struct {
	psm  int
	desc string
}

// advancedModes is swept in order during stage 2; the first mode whose output
// matches the target name stops the sweep.
var advancedModes = []segmentationMode{
	{6, "Uniform block"},
	{1, "Auto page segmentation"},
	{3, "Full auto segmentation"},
	{11, "Sparse text"},
	{12, "Sparse text with OSD"},
	{8, "Single word"},
}

// ErrStageTimeout marks a stage that exceeded its bounded execution time. It
// feeds the same failure/retry path as any other provider error.
var ErrStageTimeout = errors.New("ocr: stage timed out")

func stageErr(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", stage, ErrStageTimeout)
	}
	return fmt.Errorf("%s: %w", stage, err)
}
