package face

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"presence/internal/apperr"
)

// The descriptor layout is shared with the browser-side extractor. Changing any
// of these constants makes stored descriptors incomparable.
const (
	CanvasSize    = 100
	PixelCount    = CanvasSize * CanvasSize
	StatCount     = 3
	HistogramBins = 32
	DescriptorLen = PixelCount + StatCount + HistogramBins
)

// Descriptor is a fixed-length face feature vector.
type Descriptor []float64

// Pixels returns the normalized intensity section.
func (d Descriptor) Pixels() []float64 {
	if len(d) < PixelCount {
		return d
	}
	return d[:PixelCount]
}

// Extract computes the descriptor for the face at rect inside img:
// a 100x100 bilinear resize, 8-bit luma normalized to [0,1] row-major,
// then mean, population variance and standard deviation of those values,
// then a normalized 32-bin histogram with bin floor(v*31) clamped to [0,31].
func Extract(img image.Image, rect Rect) (Descriptor, error) {
	region := rect.Rectangle().Intersect(img.Bounds())
	if region.Empty() {
		return nil, apperr.New(apperr.NoFaceDetected, "face region outside image bounds")
	}

	canvas := image.NewRGBA(image.Rect(0, 0, CanvasSize, CanvasSize))
	draw.BiLinear.Scale(canvas, canvas.Bounds(), img, region, draw.Src, nil)

	d := make(Descriptor, 0, DescriptorLen)
	var sum float64
	for y := 0; y < CanvasSize; y++ {
		for x := 0; x < CanvasSize; x++ {
			gray := color.GrayModel.Convert(canvas.RGBAAt(x, y)).(color.Gray)
			v := float64(gray.Y) / 255.0
			d = append(d, v)
			sum += v
		}
	}

	mean := sum / PixelCount
	var sq float64
	for _, v := range d[:PixelCount] {
		sq += (v - mean) * (v - mean)
	}
	variance := sq / PixelCount
	d = append(d, mean, variance, math.Sqrt(variance))

	var hist [HistogramBins]float64
	for _, v := range d[:PixelCount] {
		bin := int(v * (HistogramBins - 1))
		if bin < 0 {
			bin = 0
		} else if bin > HistogramBins-1 {
			bin = HistogramBins - 1
		}
		hist[bin]++
	}
	for _, count := range hist {
		d = append(d, count/PixelCount)
	}
	return d, nil
}
