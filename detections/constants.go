package detections

const (
	DefaultInputSize = 640
	ConfThreshold    = 0.25
	IouThreshold     = 0.7
	MaxDetections    = 300
	MaxCandidates    = 30000
	PadValue         = 114
	Channels         = 3
)

const (
	BackendONNX   = "onnx"
	BackendOpenCV = "opencv"
)
