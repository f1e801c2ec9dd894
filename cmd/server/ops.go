// cmd/server/ops.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// startOpsServer serves /metrics, /healthz and /readyz on a separate port.
func startOpsServer(port int, healthServer *health.Server, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(healthServer, "OK", "Service Unavailable"))
	mux.HandleFunc("/readyz", healthHandler(healthServer, "Ready", "Not Ready"))

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("ops HTTP server listening (metrics, health)", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops HTTP server error", zap.Error(err))
		}
	}()

	return server
}

func healthHandler(healthServer *health.Server, ok, unavailable string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := healthServer.Check(r.Context(), &healthpb.HealthCheckRequest{})
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(unavailable))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(ok))
	}
}

// startGRPCHealth exposes the standard gRPC health service for gRPC-native probes.
func startGRPCHealth(port int, healthServer *health.Server, withTracing bool, logger *zap.Logger) (func(), error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	var opts []grpc.ServerOption
	if withTracing {
		opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	grpcServer := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Enable server reflection for debugging
	reflection.Register(grpcServer)

	go func() {
		logger.Info("gRPC health server listening", zap.String("addr", addr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC health server error", zap.Error(err))
		}
	}()

	return grpcServer.GracefulStop, nil
}

func initTracer(endpoint string, logger *zap.Logger) (func(context.Context) error, error) {
	if endpoint != "" {
		// TODO: switch to otlptracegrpc once the collector endpoint is deployed
		logger.Info("using stdout trace exporter", zap.String("otlp_endpoint", endpoint))
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
