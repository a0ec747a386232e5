package face

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/apperr"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestExtractLayout(t *testing.T) {
	img := gradient(240, 200)

	d, err := Extract(img, Rect{X: 20, Y: 10, W: 160, H: 160})
	require.NoError(t, err)
	require.Len(t, d, DescriptorLen)
	assert.Equal(t, 10035, DescriptorLen)

	for _, v := range d.Pixels() {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}

	var sum float64
	for _, v := range d.Pixels() {
		sum += v
	}
	mean := sum / PixelCount
	assert.InDelta(t, mean, d[PixelCount], 1e-12)
	assert.InDelta(t, math.Sqrt(d[PixelCount+1]), d[PixelCount+2], 1e-12)

	var histSum float64
	for _, v := range d[PixelCount+StatCount:] {
		histSum += v
	}
	assert.InDelta(t, 1.0, histSum, 1e-9)
}

func TestExtractIsDeterministic(t *testing.T) {
	img := gradient(320, 240)
	rect := Rect{X: 40, Y: 20, W: 200, H: 200}

	a, err := Extract(img, rect)
	require.NoError(t, err)
	b, err := Extract(img, rect)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExtractUniformImage(t *testing.T) {
	white := uniform(100, 100, color.RGBA{255, 255, 255, 255})

	d, err := Extract(white, Rect{X: 0, Y: 0, W: 100, H: 100})
	require.NoError(t, err)

	assert.Equal(t, 1.0, d[0])
	assert.Equal(t, 1.0, d[PixelCount])
	assert.Equal(t, 0.0, d[PixelCount+1])
	assert.Equal(t, 0.0, d[PixelCount+2])
	assert.Equal(t, 1.0, d[DescriptorLen-1], "all values fall in the top bucket")
}

func TestExtractRegionOutsideImage(t *testing.T) {
	_, err := Extract(gradient(50, 50), Rect{X: 100, Y: 100, W: 10, H: 10})
	assert.ErrorIs(t, err, apperr.ErrNoFaceDetected)
}

func TestCompareSelfSimilarity(t *testing.T) {
	d, err := Extract(gradient(200, 200), Rect{X: 20, Y: 20, W: 160, H: 160})
	require.NoError(t, err)
	require.Len(t, d, 10035)

	m := NewMatcher(0.75)
	res := m.Compare(d, d)
	assert.InDelta(t, 1.0, res.Similarity, 1e-9)
	assert.True(t, res.Matched)

	for _, threshold := range []float64{0.3, 0.6, 0.7, 0.99} {
		assert.InDelta(t, 1.0, NewMatcher(threshold).Compare(d, d).Similarity, 1e-9)
	}
}

func TestCompareTruncatesToShorter(t *testing.T) {
	m := NewMatcher(0.5)
	res := m.Compare(Descriptor{1, 0, 5}, Descriptor{1, 0})
	assert.InDelta(t, 1.0, res.Similarity, 1e-12)
	assert.True(t, res.Matched)
}

func TestCompareZeroNorm(t *testing.T) {
	m := NewMatcher(0)
	assert.Equal(t, DefaultThreshold, m.Threshold)

	for _, pair := range [][2]Descriptor{
		{{0, 0, 0}, {1, 2, 3}},
		{{1, 2, 3}, {0, 0, 0}},
		{nil, {1}},
		{{}, {}},
	} {
		res := m.Compare(pair[0], pair[1])
		assert.False(t, res.Matched)
		assert.Equal(t, 0.0, res.Similarity)
	}
}

func TestCompareThresholdIsStrict(t *testing.T) {
	res := Matcher{Threshold: 1.0}.Compare(Descriptor{1, 1}, Descriptor{1, 1})
	assert.False(t, res.Matched)
}

func TestCenterDetector(t *testing.T) {
	var d CenterDetector

	faces, err := d.DetectFaces(gradient(200, 100))
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, Rect{X: 60, Y: 10, W: 80, H: 80}, faces[0])

	faces, err = d.DetectFaces(gradient(20, 20))
	require.NoError(t, err)
	assert.Empty(t, faces)

	_, err = DetectOne(d, gradient(20, 20))
	assert.ErrorIs(t, err, apperr.ErrNoFaceDetected)
}

type multiDetector struct{}

func (multiDetector) DetectFaces(image.Image) ([]Rect, error) {
	return []Rect{{0, 0, 10, 10}, {20, 20, 10, 10}}, nil
}
func (multiDetector) DetectEyes(image.Image, Rect) ([]Rect, error) { return nil, nil }

func TestDetectOneRejectsAmbiguous(t *testing.T) {
	_, err := DetectOne(multiDetector{}, gradient(100, 100))
	assert.ErrorIs(t, err, apperr.ErrNoFaceDetected)
}

func TestRectDistance(t *testing.T) {
	a := Rect{X: 0, Y: 0, W: 10, H: 10}
	b := Rect{X: 3, Y: 4, W: 10, H: 10}
	assert.Equal(t, 5.0, a.Distance(b))
	assert.Equal(t, 0.0, a.Distance(a))
}

func TestDecodeDataURL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(64, 48)))
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	img, err := DecodeDataURL("data:image/png;base64," + encoded)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	img, err = DecodeDataURL(encoded)
	require.NoError(t, err)
	assert.Equal(t, 48, img.Bounds().Dy())

	_, err = DecodeDataURL("data:image/png;base64,!!!")
	assert.ErrorIs(t, err, apperr.ErrMalformedRequest)

	_, err = DecodeDataURL(base64.StdEncoding.EncodeToString([]byte("not an image")))
	assert.ErrorIs(t, err, apperr.ErrMalformedRequest)
}

func TestDecodeDataURLRejectsOversizedImages(t *testing.T) {
	for _, size := range []image.Point{{X: MaxImageSide + 1, Y: 2}, {X: 2, Y: MaxImageSide + 1}} {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, size.X, size.Y))))
		_, err := DecodeDataURL(base64.StdEncoding.EncodeToString(buf.Bytes()))
		assert.ErrorIs(t, err, apperr.ErrMalformedRequest, "%v", size)
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, MaxImageSide, 2))))
	img, err := DecodeDataURL(base64.StdEncoding.EncodeToString(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, MaxImageSide, img.Bounds().Dx())
}

func TestDescriptorJSON(t *testing.T) {
	s, err := MarshalDescriptor(Descriptor{0.5, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, "[0.5,1,0]", s)

	d, err := UnmarshalDescriptor(s)
	require.NoError(t, err)
	assert.Equal(t, Descriptor{0.5, 1, 0}, d)

	_, err = UnmarshalDescriptor("not json")
	assert.Error(t, err)
}
