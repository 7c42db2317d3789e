package internal

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"gocv.io/x/gocv"
)

// FaceLocator finds faces in one frame. No face is an empty slice; an
// implementation never fails the caller because of a bad frame.
type FaceLocator interface {
	Locate(frame gocv.Mat) []fatigue.FaceBox
	Close() error
}

const (
	DetectorYuNet = "yunet"
	DetectorHaar  = "haar"
	DetectorPigo  = "pigo"
)

// NewFaceLocator loads the detector model once; the locator is then reused
// for every frame of one session.
func NewFaceLocator(kind, modelPath string, confidence float64) (FaceLocator, error) {
	switch kind {
	case DetectorYuNet, "":
		return NewFaceDetectYN(modelPath, confidence)
	case DetectorHaar:
		return NewCascadeLocator(modelPath)
	case DetectorPigo:
		return NewPigoLocator(modelPath)
	default:
		return nil, fmt.Errorf("unknown detector %q", kind)
	}
}

// safeLocate turns a detector panic into "no face this frame".
func safeLocate(name string, frame gocv.Mat, fn func(gocv.Mat) []fatigue.FaceBox) (boxes []fatigue.FaceBox) {
	if frame.Empty() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("face detection failed, treating frame as faceless", "detector", name, "panic", r, "stack", string(debug.Stack()))
			boxes = nil
		}
	}()
	return fn(frame)
}
