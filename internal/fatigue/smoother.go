package fatigue

import (
	"time"

	"github.com/montanaflynn/stats"
)

const (
	DefaultBufferSize  = 15
	DefaultGracePeriod = 2 * time.Second

	// NoFacePenalty is the sample injected once the subject has been out of
	// frame for longer than the grace period.
	NoFacePenalty = 1.0
)

// Smoother keeps the last N fatigue samples and the face-absence state.
// It is not safe for concurrent use; every session owns one.
type Smoother struct {
	buf   []float64
	head  int // index of the oldest sample
	count int

	grace     time.Duration
	lastSeen  time.Duration
	penalized bool
}

func NewSmoother(capacity int, grace time.Duration) *Smoother {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Smoother{
		buf:   make([]float64, capacity),
		grace: grace,
	}
}

func (s *Smoother) Cap() int { return len(s.buf) }
func (s *Smoother) Len() int { return s.count }

// Update appends a sample, dropping the oldest one when the buffer is full.
func (s *Smoother) Update(sample float64) {
	if s.count < len(s.buf) {
		s.buf[(s.head+s.count)%len(s.buf)] = sample
		s.count++
		return
	}
	s.buf[s.head] = sample
	s.head = (s.head + 1) % len(s.buf)
}

// Samples returns the buffered samples, oldest first.
func (s *Smoother) Samples() []float64 {
	out := make([]float64, s.count)
	for i := range out {
		out[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	return out
}

// Mean is the current smoothed reading. ok is false while the buffer is
// empty; the returned value is then meaningless and must not be reported.
func (s *Smoother) Mean() (mean float64, ok bool) {
	if s.count == 0 {
		return 0, false
	}
	m, err := stats.Mean(s.Samples())
	if err != nil {
		return 0, false
	}
	return m, true
}

// FaceSeen records a sighting at stream time at and re-arms the penalty.
func (s *Smoother) FaceSeen(at time.Duration) {
	s.lastSeen = at
	s.penalized = false
}

// FaceMissing is called for a frame without a face. It injects one penalty
// sample per absence episode once the subject has been gone longer than the
// grace period, and reports whether it did.
func (s *Smoother) FaceMissing(at time.Duration) bool {
	if s.penalized || at-s.lastSeen <= s.grace {
		return false
	}
	s.Update(NoFacePenalty)
	s.penalized = true
	return true
}
