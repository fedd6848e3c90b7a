package models

import "time"

// Detection is one predicted object in the public response shape.
type Detection struct {
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

type DetectionResponse struct {
	Filename        string      `json:"filename"`
	TotalDetections int         `json:"total_detections"`
	Detections      []Detection `json:"detections"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
