package internal

import (
	"fmt"
	"image"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"gocv.io/x/gocv"
)

// CascadeLocator locates faces with a Haar cascade. The cascade gives no
// score, every hit is reported with confidence 1.
type CascadeLocator struct {
	classifier gocv.CascadeClassifier
}

func NewCascadeLocator(cascadePath string) (*CascadeLocator, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cascadePath) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade classifier from %s", cascadePath)
	}
	return &CascadeLocator{classifier: classifier}, nil
}

func (c *CascadeLocator) Close() error {
	return c.classifier.Close()
}

func (c *CascadeLocator) Locate(frame gocv.Mat) []fatigue.FaceBox {
	return safeLocate(DetectorHaar, frame, c.locate)
}

func (c *CascadeLocator) locate(frame gocv.Mat) []fatigue.FaceBox {
	gray := gocv.NewMat()
	defer gray.Close()
	toGray(frame, &gray)
	gocv.EqualizeHist(gray, &gray)

	rects := c.classifier.DetectMultiScaleWithParams(gray, 1.1, 5, 0, image.Pt(30, 30), image.Pt(0, 0))
	boxes := make([]fatigue.FaceBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, fatigue.FaceBox{
			X:          r.Min.X,
			Y:          r.Min.Y,
			Width:      r.Dx(),
			Height:     r.Dy(),
			Confidence: 1,
		})
	}
	return boxes
}

func toGray(src gocv.Mat, dst *gocv.Mat) {
	switch src.Channels() {
	case 1:
		src.CopyTo(dst)
	case 4:
		gocv.CvtColor(src, dst, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(src, dst, gocv.ColorBGRToGray)
	}
}
