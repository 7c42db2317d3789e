package internal

import (
	"errors"
	"image"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"go.viam.com/test"
	"gocv.io/x/gocv"
)

func countNonZero(t *testing.T, frame gocv.Mat, r image.Rectangle) int {
	t.Helper()
	region := frame.Region(r)
	defer region.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(region, &gray, gocv.ColorBGRToGray)
	return gocv.CountNonZero(gray)
}

func TestAnnotateNoFaceBanner(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 240, 320, gocv.MatTypeCV8UC3)
	defer frame.Close()
	banner := image.Rect(frame.Cols()/2-100, frame.Rows()/2-25, frame.Cols()/2+120, frame.Rows()/2+5)

	test.That(t, countNonZero(t, frame, banner), test.ShouldEqual, 0)
	annotate(&frame, fatigue.FrameReading{Level: fatigue.LevelUnknown}, time.Now())
	test.That(t, countNonZero(t, frame, banner), test.ShouldBeGreaterThan, 0)
	test.That(t, frame.Cols(), test.ShouldEqual, 320)
	test.That(t, frame.Rows(), test.ShouldEqual, 240)
}

func TestAnnotateFace(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 240, 320, gocv.MatTypeCV8UC3)
	defer frame.Close()
	banner := image.Rect(frame.Cols()/2-100, frame.Rows()/2-25, frame.Cols()/2+120, frame.Rows()/2+5)
	face := fatigue.FaceBox{X: 10, Y: 150, Width: 40, Height: 40, Confidence: 0.9}
	sample, mean := 0.8, 0.7

	annotate(&frame, fatigue.FrameReading{
		FaceFound: true,
		Faces:     []fatigue.FaceBox{face},
		Sample:    &sample,
		Mean:      &mean,
		Level:     fatigue.LevelHigh,
	}, time.Now())

	// box outline drawn, banner absent
	test.That(t, countNonZero(t, frame, image.Rect(10, 150, 50, 152)), test.ShouldBeGreaterThan, 0)
	test.That(t, countNonZero(t, frame, image.Rect(20, 160, 40, 180)), test.ShouldEqual, 0)
	test.That(t, countNonZero(t, frame, banner), test.ShouldEqual, 0)
	// score text in the top left corner
	test.That(t, countNonZero(t, frame, image.Rect(0, 5, 200, 40)), test.ShouldBeGreaterThan, 0)

	// red box for a sample above 0.5; BGR order
	px := frame.GetVecbAt(150, 30)
	test.That(t, px[2], test.ShouldEqual, uint8(255))
	test.That(t, px[1], test.ShouldEqual, uint8(0))
}

func TestVideoWriterSinkRoundTrip(t *testing.T) {
	const frames, width, height = 10, 160, 120
	path := filepath.Join(t.TempDir(), "out", "annotated.avi")

	sink, err := NewVideoWriterSink(path, "MJPG", 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sink.Path(), test.ShouldEqual, path)
	for i := 0; i < frames; i++ {
		frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(i*20), 80, 160, 0), height, width, gocv.MatTypeCV8UC3)
		annotate(&frame, fatigue.FrameReading{Index: i, Level: fatigue.LevelUnknown}, time.Now())
		test.That(t, sink.Write(frame), test.ShouldBeNil)
		frame.Close()
	}
	test.That(t, sink.Close(), test.ShouldBeNil)

	src, err := OpenVideoFile(path)
	test.That(t, err, test.ShouldBeNil)
	defer src.Close()
	props := src.Props()
	test.That(t, props.Width, test.ShouldEqual, width)
	test.That(t, props.Height, test.ShouldEqual, height)
	test.That(t, props.Live, test.ShouldBeFalse)

	frame := gocv.NewMat()
	defer frame.Close()
	for i := 0; i < frames; i++ {
		test.That(t, src.Read(&frame), test.ShouldBeNil)
		test.That(t, frame.Cols(), test.ShouldEqual, width)
		test.That(t, frame.Rows(), test.ShouldEqual, height)
	}
	test.That(t, src.Read(&frame), test.ShouldEqual, io.EOF)
}

func TestVideoSourceExhaustedLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.avi")
	sink, err := NewVideoWriterSink(path, "MJPG", 10)
	test.That(t, err, test.ShouldBeNil)
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 64, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()
	test.That(t, sink.Write(frame), test.ShouldBeNil)
	test.That(t, sink.Close(), test.ShouldBeNil)

	src, err := OpenVideoFile(path)
	test.That(t, err, test.ShouldBeNil)
	defer src.Close()
	// a live source reports a failed read as a bad frame, never as EOF
	src.props.Live = true

	dst := gocv.NewMat()
	defer dst.Close()
	test.That(t, src.Read(&dst), test.ShouldBeNil)
	err = src.Read(&dst)
	test.That(t, errors.Is(err, fatigue.ErrCorruptFrame), test.ShouldBeTrue)
}

func TestOpenVideoFileMissing(t *testing.T) {
	_, err := OpenVideoFile(filepath.Join(t.TempDir(), "missing.mp4"))
	test.That(t, errors.Is(err, fatigue.ErrSourceOpen), test.ShouldBeTrue)
}

func TestSinkCloseWithoutFrames(t *testing.T) {
	sink, err := NewVideoWriterSink(filepath.Join(t.TempDir(), "empty.avi"), "", 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sink.Close(), test.ShouldBeNil)
}
