package internal

import (
	"fmt"
	"io"
	"strconv"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"gocv.io/x/gocv"
)

const defaultFPS = 30

// FrameSource yields decoded frames one at a time.
// Read returns io.EOF once the source is exhausted and
// fatigue.ErrCorruptFrame for a frame that could not be decoded.
type FrameSource interface {
	Read(dst *gocv.Mat) error
	Props() SourceProps
	Close() error
}

type SourceProps struct {
	Width, Height int
	FPS           float64
	// Live sources never reach EOF on their own.
	Live bool
}

// VideoSource reads frames from a video file or a capture device.
type VideoSource struct {
	vc    *gocv.VideoCapture
	props SourceProps
}

// OpenVideoFile opens a video file for reading.
func OpenVideoFile(path string) (*VideoSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", fatigue.ErrSourceOpen, path, err)
	}
	return newVideoSource(vc, path, false)
}

// OpenDevice opens a live capture device by index.
func OpenDevice(device int) (*VideoSource, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", fatigue.ErrSourceOpen, device, err)
	}
	return newVideoSource(vc, "device "+strconv.Itoa(device), true)
}

func newVideoSource(vc *gocv.VideoCapture, name string, live bool) (*VideoSource, error) {
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", fatigue.ErrSourceOpen, name)
	}
	fps := vc.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = defaultFPS
	}
	return &VideoSource{
		vc: vc,
		props: SourceProps{
			Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
			Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
			FPS:    fps,
			Live:   live,
		},
	}, nil
}

func (v *VideoSource) Props() SourceProps { return v.props }

func (v *VideoSource) Read(dst *gocv.Mat) error {
	if ok := v.vc.Read(dst); !ok {
		// a file that stops decoding is at its end
		if !v.props.Live {
			return io.EOF
		}
		return fatigue.ErrCorruptFrame
	}
	if dst.Empty() {
		return fatigue.ErrCorruptFrame
	}
	return nil
}

func (v *VideoSource) Close() error {
	return v.vc.Close()
}
