package face

import (
	"image"
	"math"

	"presence/internal/apperr"
)

// Rect is a detector bounding box in image pixel coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Center uses integer halving so that both extraction sites agree on displacement.
func (r Rect) Center() (int, int) {
	return r.X + r.W/2, r.Y + r.H/2
}

// Distance is the Euclidean distance between the centers of r and o.
func (r Rect) Distance(o Rect) float64 {
	x1, y1 := r.Center()
	x2, y2 := o.Center()
	dx, dy := float64(x1-x2), float64(y1-y2)
	return math.Sqrt(dx*dx + dy*dy)
}

// Rectangle converts to an image.Rectangle.
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// FromRectangle converts an image.Rectangle to a Rect.
func FromRectangle(r image.Rectangle) Rect {
	return Rect{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Detector finds faces in an image and eyes inside a face.
type Detector interface {
	DetectFaces(img image.Image) ([]Rect, error)
	DetectEyes(img image.Image, face Rect) ([]Rect, error)
}

// DetectOne returns the single face in img. Zero or several faces are both
// treated as no usable face.
func DetectOne(d Detector, img image.Image) (Rect, error) {
	faces, err := d.DetectFaces(img)
	if err != nil {
		return Rect{}, apperr.Wrap(apperr.NoFaceDetected, err, "face detection failed")
	}
	switch len(faces) {
	case 0:
		return Rect{}, apperr.New(apperr.NoFaceDetected, "no face detected in image")
	case 1:
		return faces[0], nil
	default:
		return Rect{}, apperr.New(apperr.NoFaceDetected, "%d faces detected, expected exactly one", len(faces))
	}
}

// CenterDetector assumes the capture is framed on the face: it reports one
// square face centered in the image covering 80% of the shorter side, and no
// eyes.
type CenterDetector struct {
	// MinSide rejects images too small to hold a face.
	MinSide int
}

func (d CenterDetector) DetectFaces(img image.Image) ([]Rect, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	side := w
	if h < side {
		side = h
	}
	minSide := d.MinSide
	if minSide <= 0 {
		minSide = 50
	}
	if side < minSide {
		return nil, nil
	}
	size := int(float64(side) * 0.8)
	x := b.Min.X + (w-size)/2
	y := b.Min.Y + (h-size)/2
	return []Rect{{X: x, Y: y, W: size, H: size}}, nil
}

func (CenterDetector) DetectEyes(image.Image, Rect) ([]Rect, error) {
	return nil, nil
}
