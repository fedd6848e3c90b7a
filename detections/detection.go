package detections

import (
	"context"
	"image"
	"time"

	"github.com/Tutortoise/visual-inspection-service/models"
	"golang.org/x/xerrors"
)

// engine runs one forward pass. fill writes the CHW input tensor, read
// receives the raw output tensor. Both are called before run returns.
type engine interface {
	inputSize() (width, height int)
	outputShape() []int64
	run(fill func(dst []float32), read func(out []float32) error) error
	poolMetrics() (PoolMetrics, bool)
	Close() error
}

// Model is the process-wide detector. It is built once at startup and only
// read afterwards, so a single *Model is shared by every request.
type Model struct {
	Path        string
	Backend     string
	Degraded    bool
	Names       ClassNames
	NamesSource string

	spec   outputSpec
	engine engine
}

func newModel(path, backend string, names ClassNames, namesSource string, eng engine) (*Model, error) {
	spec, err := parseOutputShape(eng.outputShape())
	if err != nil {
		return nil, err
	}
	return &Model{
		Path:        path,
		Backend:     backend,
		Names:       names,
		NamesSource: namesSource,
		spec:        spec,
		engine:      eng,
	}, nil
}

// Detect runs the model on img and returns boxes in original image pixel
// coordinates, highest score first. Only boxes scoring above ConfThreshold
// are returned.
func (m *Model) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, xerrors.Errorf("image has empty bounds %v", bounds)
	}

	width, height := m.engine.inputSize()

	prepStart := time.Now()
	lb := newLetterbox(bounds.Dx(), bounds.Dy(), width, height)
	canvas := lb.render(img, width, height)
	timings.Preprocess = time.Since(prepStart)

	var candidates []Box
	inferStart := time.Now()
	err := m.engine.run(
		func(dst []float32) { fillTensor(canvas, dst, width, height) },
		func(out []float32) error {
			var err error
			candidates, err = m.spec.decode(out, ConfThreshold)
			return err
		},
	)
	if err != nil {
		return nil, xerrors.Errorf("model inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	boxes := nonMaxSuppression(candidates, IouThreshold, MaxDetections)
	for i := range boxes {
		boxes[i].XYXY = lb.unscale(boxes[i].XYXY)
	}
	timings.Postprocess = time.Since(postStart)

	return boxes, nil
}

func (m *Model) ClassName(classID int) string {
	return m.Names.Name(classID)
}

func (m *Model) NumClasses() int {
	return m.spec.numClasses
}

func (m *Model) InputSize() (int, int) {
	return m.engine.inputSize()
}

func (m *Model) OutputLayout() string {
	return m.spec.layout.String()
}

// PoolMetrics reports tensor pool counters when the backend pools tensors.
func (m *Model) PoolMetrics() (PoolMetrics, bool) {
	return m.engine.poolMetrics()
}

func (m *Model) Close() error {
	if m.engine == nil {
		return nil
	}
	return m.engine.Close()
}

// ModelInfo summarises a loaded model for monitoring.
type ModelInfo struct {
	Path         string       `json:"path"`
	Backend      string       `json:"backend"`
	Degraded     bool         `json:"degraded"`
	Classes      int          `json:"classes"`
	NamesSource  string       `json:"names_source"`
	InputWidth   int          `json:"input_width"`
	InputHeight  int          `json:"input_height"`
	OutputLayout string       `json:"output_layout"`
	Pool         *PoolMetrics `json:"pool,omitempty"`
}

func (m *Model) Info() ModelInfo {
	width, height := m.InputSize()
	info := ModelInfo{
		Path:         m.Path,
		Backend:      m.Backend,
		Degraded:     m.Degraded,
		Classes:      m.NumClasses(),
		NamesSource:  m.NamesSource,
		InputWidth:   width,
		InputHeight:  height,
		OutputLayout: m.OutputLayout(),
	}
	if metrics, ok := m.PoolMetrics(); ok {
		info.Pool = &metrics
	}
	return info
}
