//go:build gocv

package face

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
)

var cascadeDirs = []string{
	"/usr/local/share/opencv4/haarcascades",
	"/usr/share/opencv4/haarcascades",
	"/opt/homebrew/share/opencv4/haarcascades",
}

// HaarDetector detects faces and eyes with OpenCV Haar cascades.
// Build with -tags gocv; requires OpenCV 4 on the host.
type HaarDetector struct {
	mu          sync.Mutex
	faceCascade gocv.CascadeClassifier
	eyeCascade  gocv.CascadeClassifier
}

// NewHaarDetector loads the frontal-face and eye cascades from dir, or from the
// usual OpenCV install locations when dir is empty.
func NewHaarDetector(dir string) (*HaarDetector, error) {
	d := &HaarDetector{
		faceCascade: gocv.NewCascadeClassifier(),
		eyeCascade:  gocv.NewCascadeClassifier(),
	}
	if err := loadCascade(&d.faceCascade, dir, "haarcascade_frontalface_default.xml"); err != nil {
		d.Close()
		return nil, err
	}
	if err := loadCascade(&d.eyeCascade, dir, "haarcascade_eye.xml"); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func loadCascade(c *gocv.CascadeClassifier, dir, name string) error {
	dirs := cascadeDirs
	if dir != "" {
		dirs = append([]string{dir}, cascadeDirs...)
	}
	for _, candidate := range dirs {
		path := filepath.Join(candidate, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if c.Load(path) {
			return nil
		}
	}
	return fmt.Errorf("haar cascade %s not found", name)
}

func (d *HaarDetector) DetectFaces(img image.Image) ([]Rect, error) {
	gray, err := grayMat(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	d.mu.Lock()
	found := d.faceCascade.DetectMultiScaleWithParams(gray, 1.1, 5, 0, image.Pt(50, 50), image.Pt(0, 0))
	d.mu.Unlock()

	faces := make([]Rect, 0, len(found))
	for _, r := range found {
		faces = append(faces, FromRectangle(r))
	}
	return faces, nil
}

// DetectEyes returns eye boxes in face-local coordinates.
func (d *HaarDetector) DetectEyes(img image.Image, face Rect) ([]Rect, error) {
	gray, err := grayMat(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	region := face.Rectangle().Intersect(img.Bounds()).Sub(img.Bounds().Min)
	if region.Empty() {
		return nil, nil
	}
	roi := gray.Region(region)
	defer roi.Close()

	d.mu.Lock()
	found := d.eyeCascade.DetectMultiScaleWithParams(roi, 1.1, 3, 0, image.Pt(0, 0), image.Pt(0, 0))
	d.mu.Unlock()

	eyes := make([]Rect, 0, len(found))
	for _, r := range found {
		eyes = append(eyes, FromRectangle(r))
	}
	return eyes, nil
}

// Close releases the cascades.
func (d *HaarDetector) Close() {
	d.faceCascade.Close()
	d.eyeCascade.Close()
}

func grayMat(img image.Image) (gocv.Mat, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()
	gray := gocv.NewMat()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
	return gray, nil
}
