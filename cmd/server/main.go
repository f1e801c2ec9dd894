// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/SyedDaiam9101/pothole-service/internal/classifier"
	"github.com/SyedDaiam9101/pothole-service/internal/config"
	"github.com/SyedDaiam9101/pothole-service/internal/handler"
	"github.com/SyedDaiam9101/pothole-service/internal/imaging"
	"github.com/SyedDaiam9101/pothole-service/internal/inference"
	"github.com/SyedDaiam9101/pothole-service/internal/logging"
	"github.com/SyedDaiam9101/pothole-service/internal/metrics"
	"github.com/SyedDaiam9101/pothole-service/internal/middleware"
)

const serviceName = "pothole-service"

func main() {
	// Parse command-line flags
	fs := newFlagSet()
	fs.Parse(os.Args[1:]) //nolint:errcheck // ExitOnError

	// Load configuration from file, environment and flags
	cfg, err := config.Load(fs.Lookup("config").Value.String(), flagOverrides(fs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting "+serviceName,
		zap.Int("port", cfg.Port),
		zap.Int("metrics_port", cfg.MetricsPort),
		zap.Int("grpc_health_port", cfg.GRPCHealthPort),
		zap.String("model", cfg.Model),
		zap.Float64("threshold", cfg.Threshold),
		zap.String("layout", cfg.Layout),
		zap.Bool("otel", cfg.OTELEnabled),
	)

	// Initialize OpenTelemetry tracer
	var tracerShutdown func(context.Context) error
	if cfg.OTELEnabled {
		tracerShutdown, err = initTracer(cfg.OTELEndpoint, logger)
		if err != nil {
			logger.Warn("failed to initialize tracer", zap.Error(err))
		} else {
			logger.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	pre, err := newPreprocessor(cfg)
	if err != nil {
		logger.Fatal("failed to build preprocessor", zap.Error(err))
	}

	// Load inference engine
	infer := loadEngine(cfg, pre.ExpectedShape(), logger)
	defer infer.Close()

	policy, err := classifier.NewPolicy(cfg.Threshold)
	if err != nil {
		logger.Fatal("invalid threshold", zap.Error(err))
	}
	svc := classifier.New(pre, infer, policy)

	// Health status starts NOT_SERVING and flips once the API listener is up
	healthServer := health.NewServer()
	setServing(healthServer, false)

	opsServer := startOpsServer(cfg.MetricsPort, healthServer, logger)

	var stopGRPC func()
	if cfg.GRPCHealthPort != 0 {
		stopGRPC, err = startGRPCHealth(cfg.GRPCHealthPort, healthServer, cfg.OTELEnabled, logger)
		if err != nil {
			logger.Fatal("failed to start gRPC health server", zap.Error(err))
		}
	}

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(cfg, svc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer close(done)

		sig := <-sigChan
		logger.Info("received signal, shutting down gracefully", zap.String("signal", sig.String()))

		setServing(healthServer, false)

		// Give time for load balancers to detect unhealthy status
		time.Sleep(cfg.DrainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Warn("API server shutdown", zap.Error(err))
		}
		if stopGRPC != nil {
			stopGRPC()
		}
		if err := opsServer.Shutdown(ctx); err != nil {
			logger.Warn("ops server shutdown", zap.Error(err))
		}
		if tracerShutdown != nil {
			if err := tracerShutdown(ctx); err != nil {
				logger.Warn("tracer shutdown", zap.Error(err))
			}
		}
	}()

	setServing(healthServer, true)
	logger.Info(serviceName+" is ready to accept requests", zap.String("addr", apiServer.Addr))

	if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("API server failed", zap.Error(err))
	}

	<-done
	logger.Info("server shutdown complete")
}

// configKeys maps command-line flags onto the config keys they override.
var configKeys = map[string]string{
	"port":      "port",
	"model":     "model",
	"threshold": "threshold",
	"metrics":   "metrics_port",
	"onnx-lib":  "onnx_library",
	"mock":      "use_mock_inference",
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)
	fs.Int("port", 8000, "HTTP API port")
	fs.String("model", "", "Path to ONNX model file, relative paths resolve against the install directory")
	fs.Float64("threshold", 0.5, "Decision threshold in [0,1]")
	fs.Int("metrics", 9100, "Prometheus metrics and health port")
	fs.String("onnx-lib", "", "Path to the onnxruntime shared library")
	fs.String("config", "", "Path to config file (optional)")
	fs.Bool("mock", false, "Use mock inference engine (for testing)")
	return fs
}

// flagOverrides returns the values of flags that were set explicitly, keyed
// by config key. Unset flags leave file and env values alone.
func flagOverrides(fs *flag.FlagSet) map[string]any {
	overrides := map[string]any{}
	fs.Visit(func(f *flag.Flag) {
		key, ok := configKeys[f.Name]
		if !ok {
			return
		}
		if g, ok := f.Value.(flag.Getter); ok {
			overrides[key] = g.Get()
		}
	})
	return overrides
}

func newPreprocessor(cfg *config.Config) (*imaging.Preprocessor, error) {
	interp, err := imaging.ParseInterpolation(cfg.Interpolation)
	if err != nil {
		return nil, err
	}
	return imaging.New(imaging.Options{
		Width:             cfg.ImageWidth,
		Height:            cfg.ImageHeight,
		Layout:            imaging.Layout(cfg.Layout),
		Interpolation:     interp,
		MaxPixels:         cfg.MaxImagePixels,
		MaxInFlightPixels: cfg.MaxInFlightPixels,
	})
}

// loadEngine returns the mock engine or loads the ONNX model. A model that
// cannot be loaded is fatal: the service never serves without one.
func loadEngine(cfg *config.Config, inputShape []int64, logger *zap.Logger) inference.InferenceEngine {
	if cfg.UseMockInference {
		logger.Warn("using mock inference engine")
		return inference.NewMock()
	}

	path, err := cfg.ResolveModelPath()
	if err != nil {
		logger.Fatal("failed to resolve model path", zap.Error(err))
	}

	logger.Info("loading ONNX model", zap.String("path", path), zap.Int64s("input_shape", inputShape))
	engine, err := inference.New(inference.Options{
		ModelPath:   path,
		LibraryPath: cfg.ONNXLibrary,
		InputName:   cfg.InputName,
		OutputName:  cfg.OutputName,
		InputShape:  inputShape,
	})
	if err != nil {
		logger.Fatal("failed to load ONNX model", zap.Error(err))
	}

	logger.Info("ONNX model loaded successfully",
		zap.String("input", engine.InputName()),
		zap.String("output", engine.OutputName()),
	)
	return engine
}

// newRouter builds the API router. Recover sits innermost so a recovered
// panic still reaches the access log and latency histogram as a 500.
func newRouter(cfg *config.Config, svc handler.Classifier, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.AccessLog(logger),
		middleware.Metrics,
		middleware.CORS(cfg.CORSOrigin),
		middleware.Recover(logger),
	)

	h := handler.New(svc, logger, handler.Options{
		UploadField:    cfg.UploadField,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	h.Routes(r)

	return r
}

func setServing(hs *health.Server, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
		metrics.SetHealthy()
	} else {
		metrics.SetUnhealthy()
	}
	hs.SetServingStatus(serviceName, status)
	hs.SetServingStatus("", status) // Overall health
}
