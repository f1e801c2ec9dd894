// internal/handler/handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SyedDaiam9101/pothole-service/internal/classifier"
	"github.com/SyedDaiam9101/pothole-service/internal/logging"
	"github.com/SyedDaiam9101/pothole-service/internal/metrics"
	"github.com/SyedDaiam9101/pothole-service/internal/middleware"
)

// RootMessage is returned by GET /.
const RootMessage = "Pothole Detection System API"

// multipartMemory is how much of a form is kept in memory before spilling to disk.
const multipartMemory = 8 << 20

// Classifier turns image bytes into a verdict.
type Classifier interface {
	Classify(ctx context.Context, data []byte) (classifier.Decision, error)
}

// Options configures request handling.
type Options struct {
	// UploadField is the multipart field holding the image.
	UploadField string
	// MaxUploadBytes bounds the whole request body.
	MaxUploadBytes int64
}

// PredictionResponse is the success body of POST /predict.
type PredictionResponse struct {
	IsPothole      bool    `json:"is_pothole"`
	Confidence     float64 `json:"confidence"`
	RawProbability float64 `json:"raw_probability"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RootResponse is the body of GET /.
type RootResponse struct {
	Message string `json:"message"`
}

// Handler serves the prediction API.
// It uses the Classifier interface for flexibility and testability.
type Handler struct {
	svc    Classifier
	logger *zap.Logger
	opts   Options
}

// New creates a new Handler. A nil logger discards logs.
func New(svc Classifier, logger *zap.Logger, opts Options) *Handler {
	if s, ok := svc.(*classifier.Service); ok && s == nil {
		svc = nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UploadField == "" {
		opts.UploadField = "file"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		svc:    svc,
		logger: logger,
		opts:   opts,
	}
}

// Routes registers the API endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Root)
	r.Post("/predict", h.Predict)
}

// Root answers liveness/identity probes.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{Message: RootMessage})
}

// Predict classifies one uploaded image.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	log := logging.WithOperation(h.logger, "predict", middleware.GetRequestID(r.Context()))

	if h.svc == nil {
		h.fail(w, log, classifier.ErrInference, http.StatusInternalServerError, "inference engine not initialized")
		return
	}

	data, err := h.readUpload(w, r)
	if err != nil {
		status, msg := uploadError(err, h.opts)
		h.fail(w, log, err, status, msg)
		return
	}

	d, err := h.svc.Classify(r.Context(), data)
	if err != nil {
		status, msg := classifyError(err)
		h.fail(w, log, err, status, msg)
		return
	}

	log.Debug("prediction complete",
		zap.Int("bytes", len(data)),
		zap.Bool("is_pothole", d.IsPositive),
		zap.Float64("raw_probability", d.Probability),
	)

	writeJSON(w, http.StatusOK, PredictionResponse{
		IsPothole:      d.IsPositive,
		Confidence:     d.Confidence,
		RawProbability: d.Probability,
	})
}

// readUpload returns the bytes of the configured multipart field.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, &uploadErr{reason: "failed to parse multipart form", err: err}
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile(h.opts.UploadField)
	if err != nil {
		return nil, &uploadErr{reason: "no image file provided in field " + h.opts.UploadField, err: err}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, &uploadErr{reason: "failed to read uploaded file", err: err}
	}
	return data, nil
}

func (h *Handler) fail(w http.ResponseWriter, log *zap.Logger, err error, status int, msg string) {
	kind := failureKind(err)
	metrics.RecordFailure(kind)

	if status >= http.StatusInternalServerError {
		log.Error("predict failed", zap.String("kind", kind), zap.Int("status", status), zap.Error(err))
	} else {
		log.Warn("predict rejected", zap.String("kind", kind), zap.Int("status", status), zap.Error(err))
	}

	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func failureKind(err error) string {
	var ue *uploadErr
	if errors.As(err, &ue) {
		return "upload"
	}
	return classifier.Kind(err)
}
