package internal

import (
	"fmt"
	"os"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	pigo "github.com/esimov/pigo/core"
	"gocv.io/x/gocv"
)

const (
	pigoMinSize      = 20
	pigoMaxSize      = 1000
	pigoShiftFactor  = 0.1
	pigoScaleFactor  = 1.1
	pigoIoUThreshold = 0.2
)

// PigoLocator runs the pure-Go pigo cascade on a grayscale copy of the frame.
type PigoLocator struct {
	classifier *pigo.Pigo
}

func NewPigoLocator(cascadePath string) (*PigoLocator, error) {
	cascade, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}
	return &PigoLocator{classifier: classifier}, nil
}

func (p *PigoLocator) Close() error { return nil }

func (p *PigoLocator) Locate(frame gocv.Mat) []fatigue.FaceBox {
	return safeLocate(DetectorPigo, frame, p.locate)
}

func (p *PigoLocator) locate(frame gocv.Mat) []fatigue.FaceBox {
	gray := gocv.NewMat()
	defer gray.Close()
	toGray(frame, &gray)

	params := pigo.CascadeParams{
		MinSize:     pigoMinSize,
		MaxSize:     pigoMaxSize,
		ShiftFactor: pigoShiftFactor,
		ScaleFactor: pigoScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: gray.ToBytes(),
			Rows:   gray.Rows(),
			Cols:   gray.Cols(),
			Dim:    gray.Cols(),
		},
	}
	dets := p.classifier.RunCascade(params, 0.0)
	dets = p.classifier.ClusterDetections(dets, pigoIoUThreshold)
	return pigoBoxes(dets)
}

// pigoBoxes converts centre/scale detections to boxes. Pigo's quality score
// is unbounded; q/100 clamped to [0,1] stands in for a confidence.
func pigoBoxes(dets []pigo.Detection) []fatigue.FaceBox {
	var boxes []fatigue.FaceBox
	for _, d := range dets {
		conf := float64(d.Q) / 100
		if conf > 1 {
			conf = 1
		}
		if conf <= 0 {
			continue
		}
		half := d.Scale / 2
		boxes = append(boxes, fatigue.FaceBox{
			X:          d.Col - half,
			Y:          d.Row - half,
			Width:      d.Scale,
			Height:     d.Scale,
			Confidence: conf,
		})
	}
	return boxes
}
