package internal

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"gocv.io/x/gocv"
)

var (
	colorAlert    = color.RGBA{0, 255, 0, 0}
	colorFatigued = color.RGBA{255, 0, 0, 0}
	colorText     = color.RGBA{255, 255, 255, 0}
	colorWarning  = color.RGBA{255, 0, 0, 0}
)

// annotate draws the session overlay in place: every detected face, the
// current smoothed reading, a banner when no face is visible and the wall
// clock time.
func annotate(frame *gocv.Mat, r fatigue.FrameReading, now time.Time) {
	boxColor := colorAlert
	if r.Sample != nil && *r.Sample > 0.5 {
		boxColor = colorFatigued
	}
	for _, b := range r.Faces {
		gocv.Rectangle(frame, b.Rect(), boxColor, 2)
	}

	if r.Mean != nil {
		gocv.PutText(frame, fmt.Sprintf("Fatigue: %.2f (%s)", *r.Mean, r.Level),
			image.Pt(10, 30), gocv.FontHersheySimplex, 0.7, colorText, 2)
	}
	if !r.FaceFound {
		gocv.PutText(frame, "NO FACE DETECTED", image.Pt(frame.Cols()/2-100, frame.Rows()/2),
			gocv.FontHersheySimplex, 1, colorWarning, 2)
	}
	gocv.PutText(frame, now.Format("2006-01-02 15:04:05"),
		image.Pt(10, frame.Rows()-20), gocv.FontHersheySimplex, 0.5, colorText, 1)
}
