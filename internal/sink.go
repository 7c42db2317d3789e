package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"gocv.io/x/gocv"
)

const (
	DefaultOutputFPS   = 30
	DefaultOutputCodec = "mp4v"
)

// FrameSink receives the annotated frames of a session.
type FrameSink interface {
	Write(frame gocv.Mat) error
	Close() error
}

// VideoWriterSink writes frames to a video file. The writer is created on
// the first frame so that the output takes the input's resolution.
type VideoWriterSink struct {
	path  string
	codec string
	fps   float64
	vw    *gocv.VideoWriter
}

func NewVideoWriterSink(path, codec string, fps float64) (*VideoWriterSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", fatigue.ErrSinkWrite, err)
	}
	if codec == "" {
		codec = DefaultOutputCodec
	}
	if fps <= 0 {
		fps = DefaultOutputFPS
	}
	return &VideoWriterSink{path: path, codec: codec, fps: fps}, nil
}

func (s *VideoWriterSink) Path() string { return s.path }

func (s *VideoWriterSink) Write(frame gocv.Mat) error {
	if s.vw == nil {
		vw, err := gocv.VideoWriterFile(s.path, s.codec, s.fps, frame.Cols(), frame.Rows(), frame.Channels() != 1)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", fatigue.ErrSinkWrite, s.path, err)
		}
		if !vw.IsOpened() {
			vw.Close()
			return fmt.Errorf("%w: cannot open %s", fatigue.ErrSinkWrite, s.path)
		}
		s.vw = vw
	}
	if err := s.vw.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", fatigue.ErrSinkWrite, err)
	}
	return nil
}

func (s *VideoWriterSink) Close() error {
	if s.vw == nil {
		return nil
	}
	if err := s.vw.Close(); err != nil {
		return fmt.Errorf("%w: %v", fatigue.ErrSinkWrite, err)
	}
	return nil
}
