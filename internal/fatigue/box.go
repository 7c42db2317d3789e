package fatigue

import "image"

// ClampBox intersects the box with a width x height frame. Negative origins
// move to 0 and the extent never runs past the right or bottom edge. A box
// entirely outside the frame, or one with a non-positive side, comes back
// with zero size.
func ClampBox(b FaceBox, width, height int) FaceBox {
	if b.Width <= 0 || b.Height <= 0 {
		return FaceBox{Confidence: b.Confidence}
	}
	r := b.Rect().Intersect(image.Rect(0, 0, width, height))
	return FaceBox{
		X:          r.Min.X,
		Y:          r.Min.Y,
		Width:      r.Dx(),
		Height:     r.Dy(),
		Confidence: b.Confidence,
	}
}

// Usable reports whether both sides reach minSize pixels.
func (b FaceBox) Usable(minSize int) bool {
	return b.Width > 0 && b.Height > 0 && b.Width >= minSize && b.Height >= minSize
}

// BestBox returns the most confident box at or above the confidence
// threshold, and every box that passed the threshold.
func BestBox(boxes []FaceBox, minConfidence float64) (best FaceBox, passed []FaceBox, ok bool) {
	for _, b := range boxes {
		if b.Confidence < minConfidence {
			continue
		}
		passed = append(passed, b)
		if !ok || b.Confidence > best.Confidence {
			best, ok = b, true
		}
	}
	return best, passed, ok
}
