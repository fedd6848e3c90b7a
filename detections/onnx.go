package detections

import (
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/xerrors"
)

// RuntimeOptions configures the process-wide ONNX Runtime environment.
type RuntimeOptions struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default lookup.
	LibraryPath string
}

func InitRuntime(opts RuntimeOptions) error {
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return xerrors.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type tensorPair struct {
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

func (tp *tensorPair) destroy() {
	if tp.input != nil {
		tp.input.Destroy()
	}
	if tp.output != nil {
		tp.output.Destroy()
	}
}

// onnxEngine shares one session between all callers. Run on a dynamic session
// is safe for concurrent use, so only the tensors are per call.
type onnxEngine struct {
	session  *ort.DynamicAdvancedSession
	width    int
	height   int
	outShape ort.Shape
	pool     *Pool[*tensorPair]
}

func newONNXEngine(modelPath string, opts LoadOptions) (*onnxEngine, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, xerrors.Errorf("read model inputs and outputs: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, xerrors.Errorf("want 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}

	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return nil, xerrors.Errorf("model %s must use float32 input and output tensors", modelPath)
	}

	width, height, err := resolveInputSize(in.Dimensions, opts.InputSize)
	if err != nil {
		return nil, err
	}

	outShape := ort.NewShape(out.Dimensions...)
	if len(outShape) > 0 && outShape[0] <= 0 {
		outShape[0] = 1
	}
	if _, err := parseOutputShape(outShape); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, xerrors.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, xerrors.Errorf("set intra op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		return nil, xerrors.Errorf("set inter op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{in.Name}, []string{out.Name}, options)
	if err != nil {
		return nil, xerrors.Errorf("error creating session: %w", err)
	}

	inShape := ort.NewShape(1, Channels, int64(height), int64(width))
	pool, err := NewPool(opts.PoolSize, func() (*tensorPair, error) {
		return newTensorPair(inShape, outShape)
	}, (*tensorPair).destroy)
	if err != nil {
		session.Destroy()
		return nil, err
	}

	return &onnxEngine{
		session:  session,
		width:    width,
		height:   height,
		outShape: outShape,
		pool:     pool,
	}, nil
}

func newTensorPair(inShape, outShape ort.Shape) (*tensorPair, error) {
	input, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, xerrors.Errorf("error creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		input.Destroy()
		return nil, xerrors.Errorf("error creating output tensor: %w", err)
	}
	return &tensorPair{input: input, output: output}, nil
}

// resolveInputSize reads H and W from an NCHW input, substituting fallback for
// dynamic dimensions.
func resolveInputSize(dims []int64, fallback int) (int, int, error) {
	if len(dims) != 4 {
		return 0, 0, xerrors.Errorf("unsupported input shape %v: want [N, 3, H, W]", dims)
	}
	if dims[1] > 0 && dims[1] != Channels {
		return 0, 0, xerrors.Errorf("unsupported input shape %v: want %d channels", dims, Channels)
	}
	if fallback <= 0 {
		fallback = DefaultInputSize
	}

	height, width := int(dims[2]), int(dims[3])
	if height <= 0 {
		height = fallback
	}
	if width <= 0 {
		width = fallback
	}
	return width, height, nil
}

func (e *onnxEngine) inputSize() (int, int) {
	return e.width, e.height
}

func (e *onnxEngine) outputShape() []int64 {
	return e.outShape
}

func (e *onnxEngine) run(fill func(dst []float32), read func(out []float32) error) error {
	tensors, err := e.pool.Acquire()
	if err != nil {
		return err
	}
	defer e.pool.Release(tensors)

	fill(tensors.input.GetData())

	err = e.session.Run(
		[]ort.ArbitraryTensor{tensors.input},
		[]ort.ArbitraryTensor{tensors.output},
	)
	if err != nil {
		return xerrors.Errorf("session run: %w", err)
	}

	return read(tensors.output.GetData())
}

func (e *onnxEngine) poolMetrics() (PoolMetrics, bool) {
	return e.pool.GetMetrics(), true
}

func (e *onnxEngine) Close() error {
	e.pool.Destroy()
	return e.session.Destroy()
}
