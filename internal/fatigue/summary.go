package fatigue

import "math"

// Level is the categorical fatigue bucket.
type Level string

const (
	LevelLow     Level = "Low"
	LevelMedium  Level = "Medium"
	LevelHigh    Level = "High"
	LevelUnknown Level = "Unknown"
)

// Bucket boundaries. The upper bucket is inclusive: 0.40 is Medium and 0.65
// is High.
const (
	MediumThreshold = 0.40
	HighThreshold   = 0.65
)

const (
	msgNoFace   = "No face detected in video"
	msgNoUsable = "No usable face crop in video"
)

// LevelFor maps a smoothed score to its bucket.
func LevelFor(mean float64) Level {
	switch {
	case mean < MediumThreshold:
		return LevelLow
	case mean < HighThreshold:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Summarize turns the final buffer and run counters into a result. A run
// that never saw a face is Unknown whatever the buffer holds.
func Summarize(s *Smoother, st SessionStats) AnalysisResult {
	if st.FramesProcessed == 0 {
		return FailedResult(ErrNoFrames, st)
	}

	res := AnalysisResult{
		Level:             LevelUnknown,
		FaceDetectedRatio: st.FaceDetectedRatio(),
		FramesAnalyzed:    st.FramesProcessed,
		Resolution:        st.Resolution(),
		FPS:               int(st.FPS),
		ProcessingTime:    st.Elapsed,
	}

	if st.FramesWithFace == 0 {
		res.Error = msgNoFace
		res.ErrorKind = KindNoFace
		return res
	}

	mean, ok := s.Mean()
	if !ok {
		res.Error = msgNoUsable
		res.ErrorKind = KindNoFace
		return res
	}

	res.Level = LevelFor(mean)
	res.Score = round(mean, 2)
	res.Percent = round(mean*100, 1)
	return res
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
