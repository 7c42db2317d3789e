package fatigue

import "errors"

var (
	ErrModelMissing = errors.New("model missing")
	ErrModelLoad    = errors.New("model failed to load")
	ErrSourceOpen   = errors.New("video source cannot be opened")
	ErrNoFrames     = errors.New("no frames could be read from video source")
	ErrSinkWrite    = errors.New("output video write failed")
	ErrCancelled    = errors.New("analysis cancelled")

	// per-frame, recoverable
	ErrCorruptFrame = errors.New("frame could not be decoded")
	ErrFaceTooSmall = errors.New("face box below minimum size")
)

// ErrorKind tells the caller how to triage a result: whether the request was
// bad, the run found nothing to score, or the service itself failed.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindNoFace       ErrorKind = "no_face"
	KindInvalidInput ErrorKind = "invalid_input"
	KindInternal     ErrorKind = "internal"
)

// KindOf classifies a session-aborting error.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSourceOpen), errors.Is(err, ErrNoFrames):
		return KindInvalidInput
	default:
		return KindInternal
	}
}
