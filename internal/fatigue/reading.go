package fatigue

import "time"

// FrameReading is the per-frame view pushed to live observers.
type FrameReading struct {
	Index     int           `json:"index"`
	At        time.Duration `json:"at_ns"`
	FaceFound bool          `json:"face_found"`
	Faces     []FaceBox     `json:"faces,omitempty"`
	Sample    *float64      `json:"sample,omitempty"`
	Penalty   bool          `json:"penalty,omitempty"`
	Mean      *float64      `json:"mean,omitempty"`
	Level     Level         `json:"level"`
}
