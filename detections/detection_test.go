package detections

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/Tutortoise/visual-inspection-service/models"
)

type fakeEngine struct {
	width, height int
	shape         []int64
	output        []float32
	err           error
	runs          int
	closed        bool
	lastInput     []float32
}

func (e *fakeEngine) inputSize() (int, int) { return e.width, e.height }

func (e *fakeEngine) outputShape() []int64 { return e.shape }

func (e *fakeEngine) run(fill func([]float32), read func([]float32) error) error {
	e.runs++
	if e.err != nil {
		return e.err
	}
	e.lastInput = make([]float32, Channels*e.width*e.height)
	fill(e.lastInput)
	return read(e.output)
}

func (e *fakeEngine) poolMetrics() (PoolMetrics, bool) { return PoolMetrics{Size: 1}, true }

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

// newFakeEngine pads rows with empty anchors so the shape reads as a real
// [1, 4+nc, N] detector output.
func newFakeEngine(nc int, rows [][]float32) *fakeEngine {
	for len(rows) < 32 {
		rows = append(rows, make([]float32, 4+nc))
	}
	return &fakeEngine{
		width:  640,
		height: 640,
		shape:  []int64{1, int64(4 + nc), int64(len(rows))},
		output: channelsFirstOutput(nc, rows),
	}
}

func TestModelDetect(t *testing.T) {
	eng := newFakeEngine(2, [][]float32{
		{320, 320, 100, 50, 0.05, 0.91},
		{322, 321, 100, 50, 0.02, 0.60},
		{100, 200, 20, 20, 0.10, 0.12},
	})
	model, err := newModel("best.onnx", BackendONNX, ClassNames{"scratch", "dent"}, "labels_file", eng)
	if err != nil {
		t.Fatalf("newModel: %v", err)
	}

	img := image.NewNRGBA(image.Rect(0, 0, 1280, 720))
	timings := &models.ProcessingTimings{}

	boxes, err := model.Detect(context.Background(), img, timings)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(boxes) != 1 {
		t.Fatalf("expected overlapping duplicate to be suppressed, got %+v", boxes)
	}

	got := boxes[0]
	if got.ClassID != 1 || model.ClassName(got.ClassID) != "dent" {
		t.Errorf("class = %d (%s), want dent", got.ClassID, model.ClassName(got.ClassID))
	}
	if want := [4]float32{540, 310, 740, 410}; got.XYXY != want {
		t.Errorf("box = %v, want %v", got.XYXY, want)
	}
	if eng.lastInput[0] != float32(PadValue)/255 {
		t.Errorf("top-left input = %v, want padding", eng.lastInput[0])
	}
}

func TestModelDetectIsDeterministic(t *testing.T) {
	eng := newFakeEngine(1, [][]float32{
		{100, 100, 40, 40, 0.8},
		{400, 400, 40, 40, 0.7},
	})
	model, err := newModel("best.onnx", BackendONNX, nil, "generated", eng)
	if err != nil {
		t.Fatalf("newModel: %v", err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, 640, 640))

	first, err := model.Detect(context.Background(), img, &models.ProcessingTimings{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := model.Detect(context.Background(), img, &models.ProcessingTimings{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || len(first) != len(second) {
		t.Fatalf("got %d and %d boxes", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("box %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestModelDetectNoCandidates(t *testing.T) {
	eng := newFakeEngine(1, [][]float32{{100, 100, 40, 40, 0.1}})
	model, err := newModel("best.onnx", BackendONNX, nil, "generated", eng)
	if err != nil {
		t.Fatal(err)
	}

	boxes, err := model.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 32, 32)), &models.ProcessingTimings{})
	if err != nil {
		t.Fatal(err)
	}
	if boxes == nil || len(boxes) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", boxes)
	}
}

func TestModelDetectErrors(t *testing.T) {
	eng := newFakeEngine(1, [][]float32{{100, 100, 40, 40, 0.9}})
	eng.err = errors.New("session run failed")
	model, err := newModel("best.onnx", BackendONNX, nil, "generated", eng)
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))

	if _, err := model.Detect(context.Background(), img, &models.ProcessingTimings{}); !errors.Is(err, eng.err) {
		t.Errorf("Detect error = %v, want wrapped engine error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runs := eng.runs
	if _, err := model.Detect(ctx, img, &models.ProcessingTimings{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Detect with cancelled context = %v", err)
	}
	if eng.runs != runs {
		t.Error("engine should not run for a cancelled request")
	}
}

func TestModelInfo(t *testing.T) {
	eng := newFakeEngine(3, [][]float32{{1, 1, 1, 1, 0, 0, 0}})
	model, err := newModel("yolov8n.onnx", BackendONNX, nil, "generated", eng)
	if err != nil {
		t.Fatal(err)
	}
	model.Degraded = true

	info := model.Info()
	if !info.Degraded || info.Classes != 3 || info.InputWidth != 640 || info.Pool == nil {
		t.Errorf("unexpected info %+v", info)
	}
	if info.OutputLayout != "channels_first" {
		t.Errorf("layout = %s", info.OutputLayout)
	}

	if err := model.Close(); err != nil || !eng.closed {
		t.Error("Close should close the engine")
	}
}
