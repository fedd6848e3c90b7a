package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/Tutortoise/visual-inspection-service/detections"
	"github.com/Tutortoise/visual-inspection-service/models"
	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
)

const uploadField = "file"

// maxImagePixels bounds the decoded canvas. Larger images are refused before
// any pixel buffer is allocated.
const maxImagePixels = 2 * 89_478_485

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

var (
	ErrInvalidContentType = errors.New("invalid content type")
	ErrInvalidImageData   = errors.New("invalid image data")
	ErrFileRequired       = errors.New("file field is required")
	ErrFileTooLarge       = errors.New("file too large")
	ErrMalformedBody      = errors.New("malformed multipart body")
)

// objectDetector is the read-only model shared by all requests.
type objectDetector interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]detections.Box, error)
	ClassName(classID int) string
	Info() detections.ModelInfo
}

type AppState struct {
	Model          objectDetector
	Logger         *slog.Logger
	MaxUploadBytes int64
	CPUFeatures    []string
}

type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type MetricsResponse struct {
	Model             detections.ModelInfo `json:"model"`
	CPUFeatures       []string             `json:"cpu_features"`
	SupportedBackends []string             `json:"supported_backends"`
}

func (s *AppState) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/detect/", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	s.addMonitoringRoutes(r)

	return requestIDMiddleware(loggingMiddleware(s.Logger, corsMiddleware(r)))
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, HealthResponse{Status: "healthy", Message: MsgHealthy}, http.StatusOK)
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, MetricsResponse{
		Model:             s.Model.Info(),
		CPUFeatures:       s.CPUFeatures,
		SupportedBackends: detections.SupportedBackends(),
	}, http.StatusOK)
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	ctx := r.Context()
	timings := &models.ProcessingTimings{RequestID: requestIDFromContext(ctx)}

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	filename, imgBytes, err := readUpload(r)
	if err != nil {
		sendError(w, err)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendError(w, ErrInvalidImageData)
		return
	}

	boxes, err := s.Model.Detect(ctx, img, timings)
	if err != nil {
		s.Logger.Error("inference failed",
			slog.String("request_id", timings.RequestID),
			slog.String("filename", filename),
			slog.Any("error", traced(err)),
		)
		respondJSON(w, ErrorResponse{Detail: MsgInferenceFailed}, http.StatusInternalServerError)
		return
	}

	response := models.DetectionResponse{
		Filename:        filename,
		TotalDetections: len(boxes),
		Detections:      toDetections(boxes, s.Model.ClassName),
	}

	timings.Total = time.Since(startTotal)
	s.logTimings(ctx, timings)

	respondJSON(w, response, http.StatusOK)
}

// readUpload returns the name and bytes of the upload field. The declared
// content type is checked before the part body is read.
func readUpload(r *http.Request) (string, []byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, ErrFileRequired
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", nil, ErrFileRequired
		}
		if err != nil {
			return "", nil, bodyError(err)
		}

		if part.FormName() != uploadField || part.FileName() == "" {
			part.Close()
			continue
		}
		defer part.Close()

		if !allowedContentTypes[part.Header.Get("Content-Type")] {
			return "", nil, ErrInvalidContentType
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return "", nil, bodyError(err)
		}
		return part.FileName(), data, nil
	}
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return ErrFileTooLarge
	}
	return ErrMalformedBody
}

func decodeImage(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		return nil, ErrInvalidImageData
	}
	return imaging.Decode(bytes.NewReader(data))
}

func toDetections(boxes []detections.Box, className func(int) string) []models.Detection {
	result := make([]models.Detection, 0, len(boxes))
	for _, b := range boxes {
		result = append(result, models.Detection{
			ClassName:  className(b.ClassID),
			Confidence: roundConfidence(b.Score),
			BBox: [4]float64{
				float64(b.XYXY[0]),
				float64(b.XYXY[1]),
				float64(b.XYXY[2]),
				float64(b.XYXY[3]),
			},
		})
	}
	return result
}

func roundConfidence(score float32) float64 {
	c := math.RoundToEven(float64(score)*100) / 100
	return math.Min(math.Max(c, 0), 1)
}

func (s *AppState) logTimings(ctx context.Context, t *models.ProcessingTimings) {
	s.Logger.DebugContext(ctx, "processing times",
		slog.String("request_id", t.RequestID),
		slog.Duration("image_decode", t.ImageDecode),
		slog.Duration("preprocess", t.Preprocess),
		slog.Duration("inference", t.Inference),
		slog.Duration("postprocess", t.Postprocess),
		slog.Duration("total", t.Total),
	)
}

func sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidContentType):
		respondJSON(w, ErrorResponse{Detail: MsgInvalidFileType}, http.StatusBadRequest)
	case errors.Is(err, ErrInvalidImageData):
		respondJSON(w, ErrorResponse{Detail: MsgInvalidImageData}, http.StatusBadRequest)
	case errors.Is(err, ErrMalformedBody):
		respondJSON(w, ErrorResponse{Detail: MsgMalformedBody}, http.StatusBadRequest)
	case errors.Is(err, ErrFileTooLarge):
		respondJSON(w, ErrorResponse{Detail: MsgFileTooLarge}, http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrFileRequired):
		respondJSON(w, ErrorResponse{Detail: MsgFileRequired}, http.StatusUnprocessableEntity)
	default:
		respondJSON(w, ErrorResponse{Detail: err.Error()}, http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
