package ocr

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// DefaultMinDimension is the smallest side, in pixels, handed to the engine.
	DefaultMinDimension = 300

	contrastBoost  = 50.0
	sharpenSigma   = 1.0
	smoothingSigma = 0.5
)

// Decode reads PNG, JPEG, GIF, BMP or TIFF bytes, honouring EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Preprocess prepares an image for recognition: grayscale, isotropic upscale
// until both sides reach minDimension, contrast and sharpness boost, then a
// light blur against speckle noise. The same input always yields the same output.
func Preprocess(img image.Image, minDimension int) *image.NRGBA {
	if minDimension <= 0 {
		minDimension = DefaultMinDimension
	}

	out := imaging.Grayscale(img)

	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	if w > 0 && h > 0 && (w < minDimension || h < minDimension) {
		scale := math.Max(float64(minDimension)/float64(w), float64(minDimension)/float64(h))
		nw := int(math.Ceil(float64(w) * scale))
		nh := int(math.Ceil(float64(h) * scale))
		out = imaging.Resize(out, nw, nh, imaging.Lanczos)
	}

	out = imaging.AdjustContrast(out, contrastBoost)
	out = imaging.Sharpen(out, sharpenSigma)
	out = imaging.Blur(out, smoothingSigma)
	return out
}
