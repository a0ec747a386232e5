//go:build gocv

package main

import (
	"fmt"

	"go.uber.org/zap"

	"presence/internal/config"
	"presence/internal/face"
)

func newDetector(cfg config.App, log *zap.Logger) (face.Detector, func(), error) {
	switch cfg.FaceDetector {
	case "", "center":
		log.Info("face detector: center crop")
		return face.CenterDetector{}, func() {}, nil
	case "haar":
		d, err := face.NewHaarDetector(cfg.HaarCascadeDir)
		if err != nil {
			return nil, nil, err
		}
		log.Info("face detector: haar cascades")
		return d, d.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown FACE_DETECTOR %q", cfg.FaceDetector)
	}
}
