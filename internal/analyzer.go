package internal

import (
	"context"
	"log/slog"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// AnalyzerConfig is everything needed to build sessions.
type AnalyzerConfig struct {
	Session       SessionOptions
	Scorer        ScorerOptions
	Detector      string
	DetectorModel string
	OutputCodec   string
	OutputFPS     float64
}

// Analyzer creates independent sessions. It holds no per-run state, only
// the shared model cache, and is safe for concurrent use.
type Analyzer struct {
	cfg    AnalyzerConfig
	models *ModelCache
	clock  clock.PassiveClock
	log    *slog.Logger
}

func NewAnalyzer(cfg AnalyzerConfig, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{
		cfg:    cfg,
		models: NewModelCache(),
		clock:  clock.RealClock{},
		log:    log,
	}
}

func (a *Analyzer) Config() AnalyzerConfig { return a.cfg }

// Preload reads the scoring model so a missing artifact is reported at
// startup instead of on the first request.
func (a *Analyzer) Preload() error {
	_, err := a.models.Load(a.cfg.Scorer.ModelPath)
	return err
}

// Request describes one analysis: a video file, or a capture device when
// Live is set. OutputPath is optional.
type Request struct {
	Path       string
	Device     int
	Live       bool
	OutputPath string
	Observer   Observer
}

func (r Request) source() string {
	if r.Live {
		return "device"
	}
	return r.Path
}

func (a *Analyzer) NewSession(req Request) *Session {
	opener := Opener{
		Scorer: func() (FatigueScorer, error) {
			return NewFatigueScorer(a.models, a.cfg.Scorer)
		},
		Locator: func() (FaceLocator, error) {
			return NewFaceLocator(a.cfg.Detector, a.cfg.DetectorModel, a.cfg.Session.Confidence)
		},
		Source: func() (FrameSource, error) {
			if req.Live {
				return OpenDevice(req.Device)
			}
			return OpenVideoFile(req.Path)
		},
	}
	if req.OutputPath != "" {
		opener.Sink = func() (FrameSink, error) {
			return NewVideoWriterSink(req.OutputPath, a.cfg.OutputCodec, a.cfg.OutputFPS)
		}
	}
	id := uuid.NewString()
	return NewSession(id, a.cfg.Session, opener, req.Observer, a.clock, a.log.With("source", req.source()))
}

// Analyze runs one session to completion. The returned error is non-nil
// only when the session failed; a no-face result is not an error.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (fatigue.AnalysisResult, error) {
	s := a.NewSession(req)
	res := s.Run(ctx)
	return res, s.Err()
}
