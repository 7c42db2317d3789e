package fatigue

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Tensor is a normalized face crop: HWC order, BGR channels, values in [0,1].
type Tensor struct {
	Width, Height, Channels int
	Data                    []float32
}

// Shape returns the NHWC batch shape of a single tensor.
func (t Tensor) Shape() []int64 {
	return []int64{1, int64(t.Height), int64(t.Width), int64(t.Channels)}
}

// CHW returns a copy of the data in channel-major order for NCHW models.
func (t Tensor) CHW() ([]float32, error) {
	if len(t.Data) != t.Width*t.Height*t.Channels {
		return nil, fmt.Errorf("tensor data has %d values, want %dx%dx%d", len(t.Data), t.Height, t.Width, t.Channels)
	}
	backing := make([]float32, len(t.Data))
	copy(backing, t.Data)

	d := tensor.New(tensor.WithShape(t.Height, t.Width, t.Channels), tensor.WithBacking(backing))
	if err := d.T(2, 0, 1); err != nil {
		return nil, err
	}
	if err := d.Transpose(); err != nil {
		return nil, err
	}
	out, ok := d.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected tensor backing %T", d.Data())
	}
	return out, nil
}
