// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	// Server configuration
	Port           int    `mapstructure:"port"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	GRPCHealthPort int    `mapstructure:"grpc_health_port"`
	CORSOrigin     string `mapstructure:"cors_origin"`

	// Model configuration
	Model       string  `mapstructure:"model"`
	ONNXLibrary string  `mapstructure:"onnx_library"`
	InputName   string  `mapstructure:"input_name"`
	OutputName  string  `mapstructure:"output_name"`
	Threshold   float64 `mapstructure:"threshold"`

	// Preprocessing
	ImageWidth     int    `mapstructure:"image_width"`
	ImageHeight    int    `mapstructure:"image_height"`
	Layout         string `mapstructure:"layout"`
	Interpolation  string `mapstructure:"interpolation"`
	MaxImagePixels int    `mapstructure:"max_image_pixels"`

	// MaxInFlightPixels caps decoded pixels held by concurrent requests.
	MaxInFlightPixels int64 `mapstructure:"max_inflight_pixels"`

	// Upload handling
	UploadField    string `mapstructure:"upload_field"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// OpenTelemetry configuration
	OTELEnabled  bool   `mapstructure:"otel_enabled"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Shutdown
	DrainDelay      time.Duration `mapstructure:"drain_delay"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Feature flags
	UseMockInference bool `mapstructure:"use_mock_inference"`
}

// EnvPrefix is prepended to every environment variable the service reads.
const EnvPrefix = "POTHOLE_SERVICE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8000)
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("grpc_health_port", 0)
	v.SetDefault("cors_origin", "http://localhost:3000")

	v.SetDefault("model", "models/pothole_classifier.onnx")
	v.SetDefault("onnx_library", "")
	v.SetDefault("input_name", "")
	v.SetDefault("output_name", "")
	v.SetDefault("threshold", 0.5)

	v.SetDefault("image_width", 150)
	v.SetDefault("image_height", 150)
	v.SetDefault("layout", "nhwc")
	v.SetDefault("interpolation", "bicubic")
	v.SetDefault("max_image_pixels", 4096*4096)
	v.SetDefault("max_inflight_pixels", 4*4096*4096)

	v.SetDefault("upload_field", "file")
	v.SetDefault("max_upload_bytes", 10<<20)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "")

	v.SetDefault("drain_delay", 5*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("use_mock_inference", false)
}

// Load loads configuration from defaults, an optional config file, environment
// variables and explicit overrides (usually command-line flags).
// Priority (highest to lowest): overrides > env vars > config file > defaults
//
// When configFile is empty, config.yaml is searched for in the working
// directory, /etc/pothole-service/ and $HOME/.pothole-service; a missing file
// is not an error. An explicit configFile must exist.
func Load(configFile string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Standard OTEL env var switches tracing on
	v.BindEnv("otel_endpoint", EnvPrefix+"_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		v.SetDefault("otel_enabled", true)
	}
	v.BindEnv("use_mock_inference", EnvPrefix+"_USE_MOCK_INFERENCE", EnvPrefix+"_USE_MOCK")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pothole-service/")
		v.AddConfigPath("$HOME/.pothole-service")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Layout = strings.ToLower(cfg.Layout)
	cfg.Interpolation = strings.ToLower(cfg.Interpolation)

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("port and metrics_port must be different")
	}
	if c.GRPCHealthPort < 0 || c.GRPCHealthPort > 65535 {
		return fmt.Errorf("invalid grpc health port: %d", c.GRPCHealthPort)
	}
	if c.GRPCHealthPort != 0 && (c.GRPCHealthPort == c.Port || c.GRPCHealthPort == c.MetricsPort) {
		return fmt.Errorf("grpc_health_port must differ from port and metrics_port")
	}
	if c.Model == "" && !c.UseMockInference {
		return fmt.Errorf("model path is required when not using mock inference")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0, 1], got %v", c.Threshold)
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return fmt.Errorf("invalid image size: %dx%d", c.ImageWidth, c.ImageHeight)
	}
	switch c.Layout {
	case "nhwc", "nchw":
	default:
		return fmt.Errorf("unknown tensor layout %q (want nhwc or nchw)", c.Layout)
	}
	switch c.Interpolation {
	case "nearest", "bilinear", "bicubic", "mitchell", "lanczos2", "lanczos3":
	default:
		return fmt.Errorf("unknown interpolation %q", c.Interpolation)
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("max_image_pixels must be positive")
	}
	if c.MaxInFlightPixels < int64(c.MaxImagePixels) {
		return fmt.Errorf("max_inflight_pixels must be at least max_image_pixels")
	}
	if c.UploadField == "" {
		return fmt.Errorf("upload_field must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	if c.CORSOrigin == "" || c.CORSOrigin == "*" {
		return fmt.Errorf("cors_origin must name exactly one origin")
	}
	return nil
}

// executableDir is swapped out in tests.
var executableDir = func() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// ResolveModelPath returns the absolute model path. Relative paths are
// resolved against the directory holding the service binary; if nothing
// exists there the working directory is tried, which keeps `go run` usable.
func (c *Config) ResolveModelPath() (string, error) {
	if c.Model == "" {
		return "", fmt.Errorf("model path is empty")
	}
	if filepath.IsAbs(c.Model) {
		return c.Model, nil
	}

	dir, err := executableDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate install directory: %w", err)
	}
	candidate := filepath.Join(dir, c.Model)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	fallback := filepath.Join(wd, c.Model)
	if _, err := os.Stat(fallback); err == nil {
		return fallback, nil
	}

	return "", fmt.Errorf("model %q not found in %s or %s", c.Model, dir, wd)
}
