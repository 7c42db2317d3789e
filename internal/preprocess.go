package internal

import (
	"fmt"
	"image"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"gocv.io/x/gocv"
)

const DefaultInputSize = 48

// Preprocessor crops a face and turns it into the scorer's input tensor.
type Preprocessor struct {
	InputSize   int
	MinFaceSize int
}

// Preprocess clamps the box to the frame, rejects it if it is too small, and
// returns an InputSize x InputSize BGR crop scaled to [0,1]. The crop is
// resized directly, without keeping the aspect ratio.
func (p Preprocessor) Preprocess(frame gocv.Mat, box fatigue.FaceBox) (fatigue.Tensor, error) {
	if frame.Empty() {
		return fatigue.Tensor{}, fatigue.ErrCorruptFrame
	}
	box = fatigue.ClampBox(box, frame.Cols(), frame.Rows())
	if !box.Usable(p.MinFaceSize) {
		return fatigue.Tensor{}, fmt.Errorf("%w: %dx%d", fatigue.ErrFaceTooSmall, box.Width, box.Height)
	}
	size := p.InputSize
	if size <= 0 {
		size = DefaultInputSize
	}

	roi := frame.Region(box.Rect())
	defer roi.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	switch roi.Channels() {
	case 1:
		gocv.CvtColor(roi, &bgr, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(roi, &bgr, gocv.ColorBGRAToBGR)
	default:
		roi.CopyTo(&bgr)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(bgr, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)

	scaled := gocv.NewMat()
	defer scaled.Close()
	resized.ConvertToWithParams(&scaled, gocv.MatTypeCV32FC3, 1.0/255, 0)

	data, err := scaled.DataPtrFloat32()
	if err != nil {
		return fatigue.Tensor{}, fmt.Errorf("read face tensor: %w", err)
	}
	out := make([]float32, len(data))
	copy(out, data)
	return fatigue.Tensor{Width: size, Height: size, Channels: 3, Data: out}, nil
}
