// internal/classifier/service.go
package classifier

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SyedDaiam9101/pothole-service/internal/imaging"
	"github.com/SyedDaiam9101/pothole-service/internal/inference"
	"github.com/SyedDaiam9101/pothole-service/internal/metrics"
)

const tracerName = "github.com/SyedDaiam9101/pothole-service/internal/classifier"

// Preprocessor turns encoded image bytes into model input.
type Preprocessor interface {
	Preprocess(ctx context.Context, data []byte) (*imaging.Tensor, error)
}

// Service owns the loaded model and turns uploaded images into verdicts.
// It is built once at startup and shared by all requests.
type Service struct {
	pre    Preprocessor
	engine inference.InferenceEngine
	policy Policy
	tracer trace.Tracer
}

// New creates a Service. The engine must already hold a loaded model.
func New(pre Preprocessor, engine inference.InferenceEngine, policy Policy) *Service {
	return &Service{
		pre:    pre,
		engine: engine,
		policy: policy,
		tracer: otel.Tracer(tracerName),
	}
}

// Policy returns the decision policy in use.
func (s *Service) Policy() Policy { return s.policy }

// Classify preprocesses data, runs the model and applies the threshold.
// Errors wrap ErrDecode, ErrInvalidImage or ErrInference.
func (s *Service) Classify(ctx context.Context, data []byte) (Decision, error) {
	if s == nil {
		return Decision{}, fmt.Errorf("%w: classifier not initialized", ErrInference)
	}

	ctx, span := s.tracer.Start(ctx, "classifier.Classify",
		trace.WithAttributes(attribute.Int("image.bytes", len(data))))
	defer span.End()

	tensor, err := s.preprocess(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		return Decision{}, err
	}

	p, err := s.predict(ctx, tensor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		return Decision{}, err
	}

	d := s.policy.Classify(p)
	metrics.RecordPrediction(d.IsPositive, d.Probability)

	span.SetAttributes(
		attribute.Float64("prediction.probability", d.Probability),
		attribute.Bool("prediction.positive", d.IsPositive),
	)
	return d, nil
}

func (s *Service) preprocess(ctx context.Context, data []byte) (*imaging.Tensor, error) {
	ctx, span := s.tracer.Start(ctx, "classifier.preprocess")
	defer span.End()

	start := time.Now()
	tensor, err := s.pre.Preprocess(ctx, data)
	metrics.RecordPreprocessLatency(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64Slice("tensor.shape", tensor.Shape))
	return tensor, nil
}

func (s *Service) predict(ctx context.Context, tensor *imaging.Tensor) (float64, error) {
	_, span := s.tracer.Start(ctx, "classifier.predict")
	defer span.End()

	if s.engine == nil {
		return 0, fmt.Errorf("%w: inference engine not initialized", ErrInference)
	}

	start := time.Now()
	p, err := s.engine.Predict(tensor.Data, tensor.Shape)
	metrics.RecordInferenceLatency(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInference, err)
	}

	return float64(p), nil
}
