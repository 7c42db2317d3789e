package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
	"k8s.io/utils/clock"
)

// after this many unreadable frames in a row the source is treated as exhausted
const maxConsecutiveReadErrors = 25

type SessionState int

const (
	StateInitializing SessionState = iota
	StateRunning
	StateFinalizing
	StateDone
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionOptions are the tunables of one analysis run.
type SessionOptions struct {
	BufferSize  int
	FrameCap    int // <= 0 means unlimited
	MinFaceSize int
	Confidence  float64
	GracePeriod time.Duration
	InputSize   int
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		BufferSize:  fatigue.DefaultBufferSize,
		FrameCap:    300,
		MinFaceSize: 12,
		Confidence:  0.6,
		GracePeriod: fatigue.DefaultGracePeriod,
		InputSize:   DefaultInputSize,
	}
}

// Opener creates the components of a session. Sink may be nil when no
// annotated output is wanted.
type Opener struct {
	Scorer  func() (FatigueScorer, error)
	Locator func() (FaceLocator, error)
	Source  func() (FrameSource, error)
	Sink    func() (FrameSink, error)
}

// Observer receives the reading of every processed frame.
type Observer func(fatigue.FrameReading)

// Session runs one video through the pipeline. It is single-threaded and
// owns its locator, scorer and smoother; Run may be called once.
type Session struct {
	id       string
	opts     SessionOptions
	opener   Opener
	observer Observer
	clock    clock.PassiveClock
	log      *slog.Logger

	state    SessionState
	stopped  atomic.Bool
	scorer   FatigueScorer
	locator  FaceLocator
	source   FrameSource
	sink     FrameSink
	smoother *fatigue.Smoother
	pre      Preprocessor
	stats    fatigue.SessionStats

	result fatigue.AnalysisResult
	err    error
}

func NewSession(id string, opts SessionOptions, opener Opener, observer Observer, clk clock.PassiveClock, log *slog.Logger) *Session {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:       id,
		opts:     opts,
		opener:   opener,
		observer: observer,
		clock:    clk,
		log:      log.With("session", id),
		smoother: fatigue.NewSmoother(opts.BufferSize, opts.GracePeriod),
		pre:      Preprocessor{InputSize: opts.InputSize, MinFaceSize: opts.MinFaceSize},
	}
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) State() SessionState        { return s.state }
func (s *Session) Err() error                 { return s.err }
func (s *Session) Stats() fatigue.SessionStats { return s.stats }

// Stop asks a running session to finish at the next frame boundary and
// summarize what it has seen so far. Safe to call from another goroutine.
func (s *Session) Stop() { s.stopped.Store(true) }

// Run drives the session to Done or Failed and always returns a result.
func (s *Session) Run(ctx context.Context) fatigue.AnalysisResult {
	start := s.clock.Now()

	if err := s.init(); err != nil {
		return s.fail(err, start)
	}

	s.state = StateRunning
	s.log.Debug("session running", "fps", s.stats.FPS, "resolution", s.stats.Resolution())
	runErr := s.loop(ctx)

	s.state = StateFinalizing
	closeErr := s.closeIO()
	if err := multierr.Append(runErr, closeErr); err != nil {
		s.releaseModels()
		return s.fail(err, start)
	}
	s.releaseModels()

	s.stats.Elapsed = s.clock.Since(start)
	s.result = fatigue.Summarize(s.smoother, s.stats)
	if s.stats.FramesProcessed == 0 {
		s.state = StateFailed
		s.err = fatigue.ErrNoFrames
	} else {
		s.state = StateDone
	}
	s.log.Info("session finished",
		"state", s.state,
		"level", s.result.Level,
		"score", s.result.Score,
		"frames", s.stats.FramesProcessed,
		"with_face", s.stats.FramesWithFace,
		"skipped", s.stats.FramesSkipped,
		"penalties", s.stats.PenaltiesInjected,
		"elapsed", s.stats.Elapsed)
	return s.result
}

func (s *Session) init() (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, multierr.Combine(s.closeIO(), s.closeModels()))
		}
	}()

	if s.scorer, err = s.opener.Scorer(); err != nil {
		return fmt.Errorf("open scorer: %w", err)
	}
	if s.locator, err = s.opener.Locator(); err != nil {
		return fmt.Errorf("open face detector: %w", err)
	}
	if s.source, err = s.opener.Source(); err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	if s.opener.Sink != nil {
		if s.sink, err = s.opener.Sink(); err != nil {
			return fmt.Errorf("open output: %w", err)
		}
	}

	props := s.source.Props()
	s.stats.Width, s.stats.Height, s.stats.FPS = props.Width, props.Height, props.FPS
	if s.stats.FPS <= 0 {
		s.stats.FPS = defaultFPS
	}
	return nil
}

func (s *Session) loop(ctx context.Context) error {
	frame := gocv.NewMat()
	defer frame.Close()

	badReads := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", fatigue.ErrCancelled, err)
		}
		if s.stopped.Load() {
			s.log.Debug("session stopped by caller", "frames", s.stats.FramesProcessed)
			return nil
		}
		if s.opts.FrameCap > 0 && s.stats.FramesProcessed >= s.opts.FrameCap {
			s.log.Debug("frame cap reached", "cap", s.opts.FrameCap)
			return nil
		}

		err := s.source.Read(&frame)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			s.stats.FramesSkipped++
			badReads++
			s.log.Warn("skipping unreadable frame", "after_frame", s.stats.FramesProcessed, "error", err)
			if badReads >= maxConsecutiveReadErrors {
				s.log.Warn("too many unreadable frames, treating source as exhausted", "count", badReads)
				return nil
			}
			continue
		}
		badReads = 0

		if s.stats.Width == 0 || s.stats.Height == 0 {
			s.stats.Width, s.stats.Height = frame.Cols(), frame.Rows()
		}

		reading := s.processFrame(frame, s.stats.FramesProcessed)
		s.stats.FramesProcessed++

		if s.sink != nil {
			annotate(&frame, reading, s.clock.Now())
			if err := s.sink.Write(frame); err != nil {
				return err
			}
		}
		if s.observer != nil {
			s.observer(reading)
		}
	}
}

// processFrame runs detection and scoring on one frame. Failures inside are
// logged; the frame still counts as processed.
func (s *Session) processFrame(frame gocv.Mat, index int) (r fatigue.FrameReading) {
	at := time.Duration(float64(index) / s.stats.FPS * float64(time.Second))
	r = fatigue.FrameReading{Index: index, At: at, Level: fatigue.LevelUnknown}

	defer func() {
		if p := recover(); p != nil {
			s.log.Warn("frame processing failed", "frame", index, "panic", p, "stack", string(debug.Stack()))
		}
		if mean, ok := s.smoother.Mean(); ok {
			r.Mean = &mean
			r.Level = fatigue.LevelFor(mean)
		}
	}()

	best, passed, ok := fatigue.BestBox(s.locator.Locate(frame), s.opts.Confidence)
	r.Faces = passed
	if !ok {
		if r.Penalty = s.smoother.FaceMissing(at); r.Penalty {
			s.stats.PenaltiesInjected++
			s.log.Debug("no face past grace period, penalty injected", "frame", index, "at", at)
		}
		return r
	}
	r.FaceFound = true
	s.stats.FramesWithFace++
	s.smoother.FaceSeen(at)

	t, err := s.pre.Preprocess(frame, best)
	if err != nil {
		s.log.Debug("face not scored", "frame", index, "error", err)
		return r
	}
	score, err := s.scorer.Score(t)
	if err != nil {
		s.log.Warn("scoring failed", "frame", index, "error", err)
		return r
	}
	s.smoother.Update(score)
	s.stats.SamplesScored++
	r.Sample = &score
	return r
}

func (s *Session) fail(err error, start time.Time) fatigue.AnalysisResult {
	s.state = StateFailed
	s.err = err
	s.stats.Elapsed = s.clock.Since(start)
	s.result = fatigue.FailedResult(err, s.stats)
	s.log.Error("session failed", "error", err, "kind", s.result.ErrorKind, "frames", s.stats.FramesProcessed)
	return s.result
}

// closeIO releases source and sink. Only sink errors are returned, a source
// that fails to close has already delivered its frames.
func (s *Session) closeIO() error {
	var err error
	if s.source != nil {
		if cerr := s.source.Close(); cerr != nil {
			s.log.Warn("closing source", "error", cerr)
		}
		s.source = nil
	}
	if s.sink != nil {
		err = multierr.Append(err, s.sink.Close())
		s.sink = nil
	}
	return err
}

// releaseModels closes locator and scorer once frames are done. A failure
// here does not change the result.
func (s *Session) releaseModels() {
	if err := s.closeModels(); err != nil {
		s.log.Warn("closing models", "error", err)
	}
}

func (s *Session) closeModels() error {
	var err error
	if s.locator != nil {
		err = multierr.Append(err, s.locator.Close())
		s.locator = nil
	}
	if s.scorer != nil {
		err = multierr.Append(err, s.scorer.Close())
		s.scorer = nil
	}
	return err
}
