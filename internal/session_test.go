package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"go.viam.com/test"
	"gocv.io/x/gocv"
	clocktesting "k8s.io/utils/clock/testing"
)

// fakeSource serves frames of a fixed size. errAt maps a read index to the
// error returned instead of a frame.
type fakeSource struct {
	frames int
	fps    float64
	errAt  map[int]error
	clock  *clocktesting.FakeClock

	reads  int
	served int
	closed bool
}

func (f *fakeSource) Read(dst *gocv.Mat) error {
	defer func() { f.reads++ }()
	if f.clock != nil {
		f.clock.Step(10 * time.Millisecond)
	}
	if err, ok := f.errAt[f.reads]; ok {
		return err
	}
	if f.served >= f.frames {
		return io.EOF
	}
	f.served++
	m := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.CopyTo(dst)
	return nil
}

func (f *fakeSource) Props() SourceProps {
	return SourceProps{Width: 160, Height: 120, FPS: f.fps}
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

// fakeLocator returns faces(i) for the i-th frame it sees.
type fakeLocator struct {
	faces  func(i int) []fatigue.FaceBox
	calls  int
	closed bool
}

func (f *fakeLocator) Locate(gocv.Mat) []fatigue.FaceBox {
	defer func() { f.calls++ }()
	return f.faces(f.calls)
}

func (f *fakeLocator) Close() error {
	f.closed = true
	return nil
}

type fakeScorer struct {
	score    func(i int) float64
	closeErr error
	calls    int
	closed   bool
}

func (f *fakeScorer) Score(t fatigue.Tensor) (float64, error) {
	defer func() { f.calls++ }()
	if len(t.Data) != t.Width*t.Height*t.Channels {
		return 0, errors.New("bad tensor")
	}
	return f.score(f.calls), nil
}

func (f *fakeScorer) Close() error {
	f.closed = true
	return f.closeErr
}

type failingSink struct{ writes int }

func (f *failingSink) Write(gocv.Mat) error {
	f.writes++
	return fatigue.ErrSinkWrite
}

func (f *failingSink) Close() error { return nil }

var face = fatigue.FaceBox{X: 40, Y: 20, Width: 60, Height: 60, Confidence: 0.9}

func faceUntil(n int) func(int) []fatigue.FaceBox {
	return func(i int) []fatigue.FaceBox {
		if i < n {
			return []fatigue.FaceBox{face}
		}
		return nil
	}
}

func constScore(v float64) func(int) float64 {
	return func(int) float64 { return v }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	src     *fakeSource
	loc     *fakeLocator
	scorer  *fakeScorer
	opener  Opener
	opts    SessionOptions
	clock   *clocktesting.FakeClock
	reading []fatigue.FrameReading
}

func newHarness(src *fakeSource, loc *fakeLocator, sc *fakeScorer) *harness {
	h := &harness{
		src:    src,
		loc:    loc,
		scorer: sc,
		opts:   DefaultSessionOptions(),
		clock:  clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	src.clock = h.clock
	h.opener = Opener{
		Scorer:  func() (FatigueScorer, error) { return sc, nil },
		Locator: func() (FaceLocator, error) { return loc, nil },
		Source:  func() (FrameSource, error) { return src, nil },
	}
	return h
}

func (h *harness) run(t *testing.T) (*Session, fatigue.AnalysisResult) {
	t.Helper()
	s := NewSession("test", h.opts, h.opener, func(r fatigue.FrameReading) {
		h.reading = append(h.reading, r)
	}, h.clock, testLogger())
	return s, s.Run(context.Background())
}

func TestSessionEndToEnd(t *testing.T) {
	// 5s at 30fps: a face scoring 0.3 for 100 frames, then gone
	h := newHarness(
		&fakeSource{frames: 150, fps: 30},
		&fakeLocator{faces: faceUntil(100)},
		&fakeScorer{score: constScore(0.3)},
	)
	h.opts.GracePeriod = time.Second

	s, res := h.run(t)
	test.That(t, s.State(), test.ShouldEqual, StateDone)
	test.That(t, s.Err(), test.ShouldBeNil)

	st := s.Stats()
	test.That(t, st.FramesProcessed, test.ShouldEqual, 150)
	test.That(t, st.FramesWithFace, test.ShouldEqual, 100)
	test.That(t, st.SamplesScored, test.ShouldEqual, 100)
	test.That(t, st.PenaltiesInjected, test.ShouldEqual, 1)

	// the window holds 14 scores of 0.3 and one penalty
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelLow)
	test.That(t, res.Score, test.ShouldEqual, 0.35)
	test.That(t, res.Percent, test.ShouldEqual, 34.7)
	test.That(t, res.FaceDetectedRatio, test.ShouldAlmostEqual, 100.0/150.0)
	test.That(t, res.FramesAnalyzed, test.ShouldEqual, 150)
	test.That(t, res.Resolution, test.ShouldEqual, "160x120")
	test.That(t, res.FPS, test.ShouldEqual, 30)
	test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindNone)
	test.That(t, res.ProcessingTime, test.ShouldBeGreaterThan, time.Duration(0))

	test.That(t, h.src.closed, test.ShouldBeTrue)
	test.That(t, h.loc.closed, test.ShouldBeTrue)
	test.That(t, h.scorer.closed, test.ShouldBeTrue)
	test.That(t, len(h.reading), test.ShouldEqual, 150)
	test.That(t, h.reading[0].FaceFound, test.ShouldBeTrue)
	test.That(t, *h.reading[0].Sample, test.ShouldEqual, 0.3)
	test.That(t, h.reading[149].FaceFound, test.ShouldBeFalse)
}

func TestSessionDefaultGraceWithinShortClip(t *testing.T) {
	// last face at 3.3s; 2s of grace outlasts the remaining 1.7s
	h := newHarness(
		&fakeSource{frames: 150, fps: 30},
		&fakeLocator{faces: faceUntil(100)},
		&fakeScorer{score: constScore(0.3)},
	)

	s, res := h.run(t)
	test.That(t, s.Stats().PenaltiesInjected, test.ShouldEqual, 0)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelLow)
	test.That(t, res.Score, test.ShouldEqual, 0.3)
}

func TestSessionReportsRecentWindow(t *testing.T) {
	// starts bad, ends good: the global average would be Medium
	h := newHarness(
		&fakeSource{frames: 100, fps: 30},
		&fakeLocator{faces: faceUntil(100)},
		&fakeScorer{score: func(i int) float64 {
			if i < 50 {
				return 0.9
			}
			return 0.1
		}},
	)

	_, res := h.run(t)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelLow)
	test.That(t, res.Score, test.ShouldEqual, 0.1)
}

func TestSessionFrameCap(t *testing.T) {
	h := newHarness(
		&fakeSource{frames: 500, fps: 30},
		&fakeLocator{faces: faceUntil(500)},
		&fakeScorer{score: constScore(0.5)},
	)

	s, res := h.run(t)
	test.That(t, s.State(), test.ShouldEqual, StateDone)
	test.That(t, res.FramesAnalyzed, test.ShouldEqual, 300)
	test.That(t, h.src.served, test.ShouldEqual, 300)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelMedium)

	h = newHarness(
		&fakeSource{frames: 500, fps: 30},
		&fakeLocator{faces: faceUntil(500)},
		&fakeScorer{score: constScore(0.5)},
	)
	h.opts.FrameCap = 0
	_, res = h.run(t)
	test.That(t, res.FramesAnalyzed, test.ShouldEqual, 500)
}

func TestSessionSkipsCorruptFrames(t *testing.T) {
	h := newHarness(
		&fakeSource{
			frames: 20,
			fps:    30,
			errAt:  map[int]error{3: fatigue.ErrCorruptFrame, 4: fatigue.ErrCorruptFrame, 10: fatigue.ErrCorruptFrame},
		},
		&fakeLocator{faces: faceUntil(100)},
		&fakeScorer{score: constScore(0.7)},
	)

	s, res := h.run(t)
	test.That(t, s.State(), test.ShouldEqual, StateDone)
	test.That(t, res.FramesAnalyzed, test.ShouldEqual, 20)
	test.That(t, s.Stats().FramesSkipped, test.ShouldEqual, 3)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelHigh)
}

func TestSessionGivesUpOnUnreadableSource(t *testing.T) {
	errAt := map[int]error{}
	for i := 5; i < 100; i++ {
		errAt[i] = fatigue.ErrCorruptFrame
	}
	h := newHarness(
		&fakeSource{frames: 100, fps: 30, errAt: errAt},
		&fakeLocator{faces: faceUntil(100)},
		&fakeScorer{score: constScore(0.2)},
	)

	s, res := h.run(t)
	test.That(t, s.State(), test.ShouldEqual, StateDone)
	test.That(t, res.FramesAnalyzed, test.ShouldEqual, 5)
	test.That(t, s.Stats().FramesSkipped, test.ShouldEqual, maxConsecutiveReadErrors)
}

func TestSessionNoFaceOverridesPenalties(t *testing.T) {
	h := newHarness(
		&fakeSource{frames: 90, fps: 30},
		&fakeLocator{faces: faceUntil(0)},
		&fakeScorer{score: constScore(0.1)},
	)
	h.opts.GracePeriod = 500 * time.Millisecond

	s, res := h.run(t)
	test.That(t, s.State(), test.ShouldEqual, StateDone)
	test.That(t, s.Stats().PenaltiesInjected, test.ShouldEqual, 1)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelUnknown)
	test.That(t, res.Score, test.ShouldEqual, 0.0)
	test.That(t, res.Percent, test.ShouldEqual, 0.0)
	test.That(t, res.FaceDetectedRatio, test.ShouldEqual, 0.0)
	test.That(t, res.Error, test.ShouldEqual, "No face detected in video")
	test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindNoFace)
	test.That(t, h.scorer.calls, test.ShouldEqual, 0)
}

func TestSessionRejectsSmallFaces(t *testing.T) {
	small := fatigue.FaceBox{X: 10, Y: 10, Width: 8, Height: 40, Confidence: 0.95}
	h := newHarness(
		&fakeSource{frames: 30, fps: 30},
		&fakeLocator{faces: func(int) []fatigue.FaceBox { return []fatigue.FaceBox{small} }},
		&fakeScorer{score: constScore(0.9)},
	)

	s, res := h.run(t)
	test.That(t, h.scorer.calls, test.ShouldEqual, 0)
	test.That(t, s.Stats().FramesWithFace, test.ShouldEqual, 30)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelUnknown)
	test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindNoFace)
	test.That(t, res.Error, test.ShouldEqual, "No usable face crop in video")
}

func TestSessionScoresMostConfidentFace(t *testing.T) {
	weak := fatigue.FaceBox{X: 0, Y: 0, Width: 30, Height: 30, Confidence: 0.65}
	noise := fatigue.FaceBox{X: 100, Y: 60, Width: 30, Height: 30, Confidence: 0.2}
	h := newHarness(
		&fakeSource{frames: 10, fps: 30},
		&fakeLocator{faces: func(int) []fatigue.FaceBox { return []fatigue.FaceBox{weak, face, noise} }},
		&fakeScorer{score: constScore(0.5)},
	)

	_, res := h.run(t)
	test.That(t, h.scorer.calls, test.ShouldEqual, 10)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelMedium)
	test.That(t, h.reading[0].Faces, test.ShouldResemble, []fatigue.FaceBox{weak, face})
}

func TestSessionNoFrames(t *testing.T) {
	h := newHarness(
		&fakeSource{frames: 0, fps: 30},
		&fakeLocator{faces: faceUntil(0)},
		&fakeScorer{score: constScore(0.1)},
	)

	s, res := h.run(t)
	test.That(t, s.State(), test.ShouldEqual, StateFailed)
	test.That(t, s.Err(), test.ShouldBeError, fatigue.ErrNoFrames)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelUnknown)
	test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindInvalidInput)
}

func TestSessionInitFailures(t *testing.T) {
	t.Run("missing model", func(t *testing.T) {
		h := newHarness(&fakeSource{frames: 10}, &fakeLocator{faces: faceUntil(10)}, &fakeScorer{score: constScore(0.1)})
		locatorOpened := false
		h.opener.Scorer = func() (FatigueScorer, error) { return nil, fatigue.ErrModelMissing }
		h.opener.Locator = func() (FaceLocator, error) {
			locatorOpened = true
			return h.loc, nil
		}

		s, res := h.run(t)
		test.That(t, s.State(), test.ShouldEqual, StateFailed)
		test.That(t, errors.Is(s.Err(), fatigue.ErrModelMissing), test.ShouldBeTrue)
		test.That(t, res.Level, test.ShouldEqual, fatigue.LevelUnknown)
		test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindInternal)
		test.That(t, res.Error, test.ShouldContainSubstring, "model missing")
		test.That(t, locatorOpened, test.ShouldBeFalse)
	})

	t.Run("unopenable source", func(t *testing.T) {
		h := newHarness(&fakeSource{frames: 10}, &fakeLocator{faces: faceUntil(10)}, &fakeScorer{score: constScore(0.1)})
		h.opener.Source = func() (FrameSource, error) { return nil, fatigue.ErrSourceOpen }

		s, res := h.run(t)
		test.That(t, s.State(), test.ShouldEqual, StateFailed)
		test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindInvalidInput)
		test.That(t, h.loc.closed, test.ShouldBeTrue)
		test.That(t, h.scorer.closed, test.ShouldBeTrue)
	})
}

func TestSessionSinkFailure(t *testing.T) {
	h := newHarness(&fakeSource{frames: 10, fps: 30}, &fakeLocator{faces: faceUntil(10)}, &fakeScorer{score: constScore(0.1)})
	sink := &failingSink{}
	h.opener.Sink = func() (FrameSink, error) { return sink, nil }

	s, res := h.run(t)
	test.That(t, s.State(), test.ShouldEqual, StateFailed)
	test.That(t, sink.writes, test.ShouldEqual, 1)
	test.That(t, errors.Is(s.Err(), fatigue.ErrSinkWrite), test.ShouldBeTrue)
	test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindInternal)
	test.That(t, h.src.closed, test.ShouldBeTrue)
}

func TestSessionCancelled(t *testing.T) {
	h := newHarness(&fakeSource{frames: 10, fps: 30}, &fakeLocator{faces: faceUntil(10)}, &fakeScorer{score: constScore(0.1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession("cancelled", h.opts, h.opener, nil, h.clock, testLogger())
	res := s.Run(ctx)
	test.That(t, s.State(), test.ShouldEqual, StateFailed)
	test.That(t, errors.Is(s.Err(), fatigue.ErrCancelled), test.ShouldBeTrue)
	test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindInternal)
	test.That(t, h.src.served, test.ShouldEqual, 0)
}

func TestSessionStop(t *testing.T) {
	h := newHarness(&fakeSource{frames: 100, fps: 30}, &fakeLocator{faces: faceUntil(100)}, &fakeScorer{score: constScore(0.1)})
	var s *Session
	s = NewSession("live", h.opts, h.opener, func(r fatigue.FrameReading) {
		if r.Index == 9 {
			s.Stop()
		}
	}, h.clock, testLogger())

	res := s.Run(context.Background())
	test.That(t, s.State(), test.ShouldEqual, StateDone)
	test.That(t, res.FramesAnalyzed, test.ShouldEqual, 10)
}

func TestSessionSurvivesPanickingDetector(t *testing.T) {
	h := newHarness(
		&fakeSource{frames: 10, fps: 30},
		&fakeLocator{faces: func(i int) []fatigue.FaceBox {
			if i == 3 {
				panic("detector exploded")
			}
			return []fatigue.FaceBox{face}
		}},
		&fakeScorer{score: constScore(0.2)},
	)

	s, res := h.run(t)
	test.That(t, s.State(), test.ShouldEqual, StateDone)
	test.That(t, res.FramesAnalyzed, test.ShouldEqual, 10)
	test.That(t, s.Stats().FramesWithFace, test.ShouldEqual, 9)
	test.That(t, res.Level, test.ShouldEqual, fatigue.LevelLow)
}

func TestSessionLogsModelCloseError(t *testing.T) {
	h := newHarness(
		&fakeSource{frames: 10, fps: 30},
		&fakeLocator{faces: faceUntil(10)},
		&fakeScorer{score: constScore(0.2), closeErr: errors.New("session release failed")},
	)
	var logs strings.Builder
	s := NewSession("close", h.opts, h.opener, nil, h.clock, slog.New(slog.NewTextHandler(&logs, nil)))

	res := s.Run(context.Background())
	test.That(t, s.State(), test.ShouldEqual, StateDone)
	test.That(t, res.ErrorKind, test.ShouldEqual, fatigue.KindNone)
	test.That(t, h.scorer.closed, test.ShouldBeTrue)
	test.That(t, logs.String(), test.ShouldContainSubstring, "level=WARN msg=\"closing models\"")
	test.That(t, logs.String(), test.ShouldContainSubstring, "session release failed")
}
