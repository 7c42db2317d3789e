package internal

import (
	"fmt"
	"sync"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// initORT loads the onnxruntime shared library. The environment is process
// wide and is only initialized once.
func initORT(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortInitErr = fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
		}
	})
	return ortInitErr
}

// ORTScorer runs the model with onnxruntime. Input and output tensors are
// bound to the session once and reused for every frame.
type ORTScorer struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	layout  string
	size    int
}

func NewORTScorer(model []byte, opts ScorerOptions) (*ORTScorer, error) {
	if err := initORT(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: %v", fatigue.ErrModelLoad, err)
	}

	size := opts.InputSize
	if size <= 0 {
		size = DefaultInputSize
	}
	layout := opts.Layout
	if layout == "" {
		layout = LayoutNHWC
	}
	inputShape := ort.NewShape(1, int64(size), int64(size), 3)
	if layout == LayoutNCHW {
		inputShape = ort.NewShape(1, 3, int64(size), int64(size))
	}

	input, err := ort.NewTensor(inputShape, make([]float32, size*size*3))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		model,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("%w: %v", fatigue.ErrModelLoad, err)
	}

	return &ORTScorer{session: session, input: input, output: output, layout: layout, size: size}, nil
}

func (o *ORTScorer) Score(t fatigue.Tensor) (float64, error) {
	if t.Width != o.size || t.Height != o.size || t.Channels != 3 {
		return 0, fmt.Errorf("face tensor is %dx%dx%d, model wants %dx%dx3", t.Height, t.Width, t.Channels, o.size, o.size)
	}
	data := t.Data
	if o.layout == LayoutNCHW {
		chw, err := t.CHW()
		if err != nil {
			return 0, err
		}
		data = chw
	}
	copy(o.input.GetData(), data)

	if err := o.session.Run(); err != nil {
		return 0, fmt.Errorf("onnxruntime inference: %w", err)
	}
	return probability(o.output.GetData())
}

func (o *ORTScorer) Close() error {
	err := o.session.Destroy()
	o.input.Destroy()
	o.output.Destroy()
	return err
}
