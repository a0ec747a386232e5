package face

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"presence/internal/apperr"
)

// MaxImageSide is the largest accepted width or height in pixels. Larger
// images are rejected from their header, before any pixel is decoded.
const MaxImageSide = 4096

// DecodeDataURL decodes a canvas data URL ("data:image/png;base64,...") or
// bare base64 into an image.
func DecodeDataURL(s string) (image.Image, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		_, encoded, found := strings.Cut(s, ",")
		if !found {
			return nil, apperr.New(apperr.MalformedRequest, "data URL has no payload")
		}
		s = encoded
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, apperr.Wrap(apperr.MalformedRequest, err, "image is not valid base64")
		}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Wrap(apperr.MalformedRequest, err, "unsupported image data")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxImageSide || cfg.Height > MaxImageSide {
		return nil, apperr.New(apperr.MalformedRequest, "image is %dx%d, at most %dx%d is accepted",
			cfg.Width, cfg.Height, MaxImageSide, MaxImageSide)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Wrap(apperr.MalformedRequest, err, "unsupported image data")
	}
	return img, nil
}

// MarshalDescriptor serializes a descriptor as a JSON numeric array.
func MarshalDescriptor(d Descriptor) (string, error) {
	b, err := json.Marshal([]float64(d))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalDescriptor parses a JSON numeric array.
func UnmarshalDescriptor(s string) (Descriptor, error) {
	var d []float64
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, err
	}
	return Descriptor(d), nil
}
