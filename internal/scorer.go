package internal

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"gocv.io/x/gocv"
)

// FatigueScorer maps one face tensor to a fatigue probability in [0,1].
type FatigueScorer interface {
	Score(t fatigue.Tensor) (float64, error)
	Close() error
}

const (
	ScorerOpenCV      = "opencv"
	ScorerONNXRuntime = "onnxruntime"

	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

var errBadOutput = errors.New("model output is not a probability")

// ScorerOptions selects and configures the scoring backend.
type ScorerOptions struct {
	Backend    string
	ModelPath  string
	Layout     string
	InputSize  int
	InputName  string
	OutputName string
	// LibraryPath is the onnxruntime shared library.
	LibraryPath string
}

// NewFatigueScorer builds a scorer for one session. Model bytes come from the
// cache, so only the first session pays for reading the artifact.
func NewFatigueScorer(models *ModelCache, opts ScorerOptions) (FatigueScorer, error) {
	data, err := models.Load(opts.ModelPath)
	if err != nil {
		return nil, err
	}
	switch opts.Backend {
	case ScorerOpenCV, "":
		return NewNetScorer(data, opts.Layout)
	case ScorerONNXRuntime:
		return NewORTScorer(data, opts)
	default:
		return nil, fmt.Errorf("unknown scorer backend %q", opts.Backend)
	}
}

// NetScorer runs the model through OpenCV's dnn module.
type NetScorer struct {
	net         gocv.Net
	outputNames []string
	layout      string
}

func NewNetScorer(model []byte, layout string) (*NetScorer, error) {
	net, err := gocv.ReadNetFromONNXBytes(model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fatigue.ErrModelLoad, err)
	}
	if net.Empty() {
		return nil, fmt.Errorf("%w: empty network", fatigue.ErrModelLoad)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	outputNames := getOutputNames(&net)
	if len(outputNames) == 0 {
		net.Close()
		return nil, fmt.Errorf("%w: failed to read output layer names", fatigue.ErrModelLoad)
	}

	if layout == "" {
		layout = LayoutNHWC
	}
	return &NetScorer{net: net, outputNames: outputNames, layout: layout}, nil
}

func (n *NetScorer) Close() error {
	return n.net.Close()
}

func getOutputNames(net *gocv.Net) []string {
	var outputLayers []string
	for _, i := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(i)
		layerName := layer.GetName()
		if layerName != "_input" {
			outputLayers = append(outputLayers, layerName)
		}
	}
	return outputLayers
}

func (n *NetScorer) Score(t fatigue.Tensor) (float64, error) {
	data, sizes := t.Data, []int{1, t.Height, t.Width, t.Channels}
	if n.layout == LayoutNCHW {
		chw, err := t.CHW()
		if err != nil {
			return 0, err
		}
		data, sizes = chw, []int{1, t.Channels, t.Height, t.Width}
	}
	if len(data) == 0 {
		return 0, errors.New("empty face tensor")
	}

	blob, err := gocv.NewMatWithSizesFromBytes(sizes, gocv.MatTypeCV32F, float32Bytes(data))
	if err != nil {
		return 0, fmt.Errorf("build input blob: %w", err)
	}
	defer blob.Close()

	n.net.SetInput(blob, "")
	probs := n.net.ForwardLayers(n.outputNames)
	runtime.KeepAlive(data)
	defer func() {
		for _, prob := range probs {
			prob.Close()
		}
	}()

	if len(probs) == 0 || probs[0].Total() == 0 {
		return 0, errBadOutput
	}
	out, err := probs[0].DataPtrFloat32()
	if err != nil {
		return 0, fmt.Errorf("read model output: %w", err)
	}
	return probability(out)
}

// probability takes the first model output, the fatigued-class probability,
// and clamps it to [0,1].
func probability(out []float32) (float64, error) {
	if len(out) == 0 {
		return 0, errBadOutput
	}
	p := float64(out[0])
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%w: %v", errBadOutput, p)
	}
	return math.Min(1, math.Max(0, p)), nil
}

func float32Bytes(data []float32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
}
