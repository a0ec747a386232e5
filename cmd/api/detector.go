//go:build !gocv

package main

import (
	"errors"
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
		return nil, nil, errors.New("FACE_DETECTOR=haar requires a build with -tags gocv")
	default:
		return nil, nil, fmt.Errorf("unknown FACE_DETECTOR %q", cfg.FaceDetector)
	}
}
