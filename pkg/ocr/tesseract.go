package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// PopplerRasterizer rasterizes the first page of a PDF with the pdftoppm
// command-line tool at a fixed DPI.
type PopplerRasterizer struct {
	// Bin is the pdftoppm binary; defaults to "pdftoppm" on PATH.
	Bin string
	// DPI defaults to 300.
	DPI int
}

func (r *PopplerRasterizer) bin() string {
	if r.Bin == "" {
		return "pdftoppm"
	}
	return r.Bin
}

func (r *PopplerRasterizer) dpi() int {
	if r.DPI <= 0 {
		return 300
	}
	return r.DPI
}

// RasterizeFirstPage renders page 1 to a PNG in a temp directory and decodes
// it.
func (r *PopplerRasterizer) RasterizeFirstPage(ctx context.Context, documentPath string) (image.Image, error) {
	if _, err := os.Stat(documentPath); err != nil {
		return nil, fmt.Errorf("document not found: %w", err)
	}

	dir, err := os.MkdirTemp("", "ocrflow-raster-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, r.bin(),
		"-png",
		"-r", strconv.Itoa(r.dpi()),
		"-f", "1", "-l", "1",
		"-singlefile",
		documentPath, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, stderr.String())
	}

	f, err := os.Open(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("read rasterized page: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode rasterized page: %w", err)
	}
	return img, nil
}

// TesseractRecognizer runs the tesseract command-line engine over an image.
type TesseractRecognizer struct {
	// Bin is the tesseract binary; defaults to "tesseract" on PATH.
	Bin string
}

func (t *TesseractRecognizer) bin() string {
	if t.Bin == "" {
		return "tesseract"
	}
	return t.Bin
}

// Recognize writes the image to a temp PNG and invokes tesseract with the
// requested language set and segmentation mode, returning stdout as the raw
// recognized text.
func (t *TesseractRecognizer) Recognize(ctx context.Context, img image.Image, opts RecognizeOptions) (string, error) {
	f, err := os.CreateTemp("", "ocrflow-ocr-*.png")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("encode page image: %w", err)
	}
	f.Close()

	args := []string{f.Name(), "stdout", "--psm", strconv.Itoa(opts.PSM)}
	if opts.Languages != "" {
		args = append(args, "-l", opts.Languages)
	}

	cmd := exec.CommandContext(ctx, t.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tesseract: %w: %s", err, stderr.String())
	}

	return stdout.String(), nil
}
