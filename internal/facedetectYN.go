package internal

import (
	"fmt"
	"image"
	"os"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"gocv.io/x/gocv"
)

const (
	yunetNMSThreshold = 0.3
	yunetTopK         = 5000
	yunetScoreCol     = 14
)

// FaceDetectYN locates faces with OpenCV's YuNet detector.
type FaceDetectYN struct {
	detector gocv.FaceDetectorYN
	size     image.Point
}

func NewFaceDetectYN(modelPath string, confidence float64) (*FaceDetectYN, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("yunet model %s: %w", modelPath, err)
	}
	return &FaceDetectYN{
		detector: gocv.NewFaceDetectorYNWithParams(
			modelPath, "", image.Pt(320, 320),
			float32(confidence), yunetNMSThreshold, yunetTopK,
			int(gocv.NetBackendDefault), int(gocv.NetTargetCPU),
		),
	}, nil
}

func (y *FaceDetectYN) Close() error {
	y.detector.Close()
	return nil
}

func (y *FaceDetectYN) Locate(frame gocv.Mat) []fatigue.FaceBox {
	return safeLocate(DetectorYuNet, frame, y.locate)
}

func (y *FaceDetectYN) locate(frame gocv.Mat) []fatigue.FaceBox {
	// the input size must follow the frame, it can change on live sources
	if sz := image.Pt(frame.Cols(), frame.Rows()); sz != y.size {
		y.detector.SetInputSize(sz)
		y.size = sz
	}

	faces := gocv.NewMat()
	defer faces.Close()
	y.detector.Detect(frame, &faces)

	// one row per face: x, y, w, h, 5 landmark pairs, score
	var boxes []fatigue.FaceBox
	for r := 0; r < faces.Rows(); r++ {
		boxes = append(boxes, fatigue.FaceBox{
			X:          int(faces.GetFloatAt(r, 0)),
			Y:          int(faces.GetFloatAt(r, 1)),
			Width:      int(faces.GetFloatAt(r, 2)),
			Height:     int(faces.GetFloatAt(r, 3)),
			Confidence: float64(faces.GetFloatAt(r, yunetScoreCol)),
		})
	}
	return boxes
}
