package fatigue

import (
	"fmt"
	"image"
	"time"
)

// FaceBox is a face location in absolute frame pixels.
type FaceBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

func (b FaceBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// SessionStats are the run-level counters of one analysis.
type SessionStats struct {
	FramesProcessed   int
	FramesWithFace    int
	FramesSkipped     int
	SamplesScored     int
	PenaltiesInjected int
	Width, Height     int
	FPS               float64
	Elapsed           time.Duration
}

// FaceDetectedRatio is frames with a face over frames processed.
func (s SessionStats) FaceDetectedRatio() float64 {
	if s.FramesProcessed == 0 {
		return 0
	}
	return float64(s.FramesWithFace) / float64(s.FramesProcessed)
}

func (s SessionStats) Resolution() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// AnalysisResult is what one analysis hands to the persistence layer.
type AnalysisResult struct {
	Level             Level         `json:"level"`
	Score             float64       `json:"score"`
	Percent           float64       `json:"percent"`
	FaceDetectedRatio float64       `json:"face_detected_ratio"`
	FramesAnalyzed    int           `json:"frames_analyzed"`
	Resolution        string        `json:"resolution,omitempty"`
	FPS               int           `json:"fps"`
	Error             string        `json:"error,omitempty"`
	ErrorKind         ErrorKind     `json:"error_kind,omitempty"`
	ProcessingTime    time.Duration `json:"processing_time_ns"`
}

// OK reports whether the result carries a numeric fatigue level.
func (r AnalysisResult) OK() bool {
	return r.ErrorKind == KindNone && r.Level != LevelUnknown
}

// FailedResult builds the result of a session that could not complete.
func FailedResult(err error, stats SessionStats) AnalysisResult {
	res := AnalysisResult{
		Level:             LevelUnknown,
		FaceDetectedRatio: stats.FaceDetectedRatio(),
		FramesAnalyzed:    stats.FramesProcessed,
		FPS:               int(stats.FPS),
		ErrorKind:         KindOf(err),
		ProcessingTime:    stats.Elapsed,
	}
	if stats.Width > 0 && stats.Height > 0 {
		res.Resolution = stats.Resolution()
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
