//go:build opencv
// +build opencv

package detections

import (
	"sync"
	"unsafe"

	"gocv.io/x/gocv"
	"golang.org/x/xerrors"
)

const openCVAvailable = true

// opencvEngine runs the network through OpenCV DNN. A gocv.Net is not safe for
// concurrent use, so forward passes are serialised.
type opencvEngine struct {
	mu       sync.Mutex
	net      gocv.Net
	width    int
	height   int
	outShape []int64
	input    []float32
}

func newOpenCVEngine(modelPath string, opts LoadOptions) (engine, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, xerrors.Errorf("error reading model %s with OpenCV", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, xerrors.Errorf("error setting backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, xerrors.Errorf("error setting target: %w", err)
	}

	size := opts.InputSize
	if size <= 0 {
		size = DefaultInputSize
	}

	e := &opencvEngine{
		net:    net,
		width:  size,
		height: size,
		input:  make([]float32, Channels*size*size),
	}

	// OpenCV does not expose output shapes without a forward pass.
	err := e.forward(func([]float32) {}, func(_ []float32, dims []int) error {
		e.outShape = make([]int64, len(dims))
		for i, d := range dims {
			e.outShape[i] = int64(d)
		}
		return nil
	})
	if err != nil {
		net.Close()
		return nil, xerrors.Errorf("probe output shape: %w", err)
	}

	return e, nil
}

func (e *opencvEngine) inputSize() (int, int) {
	return e.width, e.height
}

func (e *opencvEngine) outputShape() []int64 {
	return e.outShape
}

func (e *opencvEngine) run(fill func(dst []float32), read func(out []float32) error) error {
	return e.forward(fill, func(out []float32, _ []int) error { return read(out) })
}

func (e *opencvEngine) forward(fill func(dst []float32), read func(out []float32, dims []int) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fill(e.input)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&e.input[0])), len(e.input)*4)
	blob, err := gocv.NewMatWithSizesFromBytes([]int{1, Channels, e.height, e.width}, gocv.MatTypeCV32F, raw)
	if err != nil {
		return xerrors.Errorf("create input blob: %w", err)
	}
	defer blob.Close()

	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return xerrors.Errorf("read output: %w", err)
	}
	return read(data, output.Size())
}

func (e *opencvEngine) poolMetrics() (PoolMetrics, bool) {
	return PoolMetrics{}, false
}

func (e *opencvEngine) Close() error {
	return e.net.Close()
}
