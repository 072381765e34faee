package ocr

import (
	"image"

	"github.com/disintegration/imaging"
)

// upscale doubles the image dimensions with Lanczos resampling. Scanned
// documents rasterized at 300 DPI gain noticeably from this before
// recognition.
func upscale(img image.Image) image.Image {
	bounds := img.Bounds()
	return imaging.Resize(img, bounds.Dx()*2, bounds.Dy()*2, imaging.Lanczos)
}

// lightEnhancer is the built-in fallback preprocessing used when no advanced
// Enhancer is configured: grayscale, mild blur against scanner noise,
// sharpening, and contrast/brightness boosts. It never fails.
type lightEnhancer struct{}

func (lightEnhancer) Enhance(img image.Image) (image.Image, error) {
	out := imaging.Grayscale(img)
	out = imaging.Blur(out, 0.5)
	out = imaging.Sharpen(out, 1.5)
	out = imaging.AdjustContrast(out, 30)
	out = imaging.AdjustBrightness(out, 10)
	return out, nil
}
