// cmd/server/main_test.go
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/nfnt/resize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/health"

	"github.com/SyedDaiam9101/pothole-service/internal/classifier"
	"github.com/SyedDaiam9101/pothole-service/internal/config"
	"github.com/SyedDaiam9101/pothole-service/internal/imaging"
	"github.com/SyedDaiam9101/pothole-service/internal/inference"
	"github.com/SyedDaiam9101/pothole-service/internal/metrics"
	"github.com/SyedDaiam9101/pothole-service/internal/middleware"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		CORSOrigin:     "http://localhost:3000",
		UploadField:    "file",
		MaxUploadBytes: 1 << 20,
	}
	pre, err := imaging.New(imaging.Options{
		Width:         150,
		Height:        150,
		Layout:        imaging.LayoutNHWC,
		Interpolation: resize.Bicubic,
		MaxPixels:     1 << 24,
	})
	if err != nil {
		t.Fatalf("imaging.New failed: %v", err)
	}
	policy, _ := classifier.NewPolicy(0.5)
	svc := classifier.New(pre, inference.NewMock(), policy)

	srv := httptest.NewServer(newRouter(cfg, svc, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func grayUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 150, 150))
	for y := 0; y < 150; y++ {
		for x := 0; x < 150; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", "gray.png")
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(part, img); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return body, w.FormDataContentType()
}

func TestRouter_PredictEndToEnd(t *testing.T) {
	srv := testServer(t)

	var got [2]map[string]any
	for i := range got {
		body, contentType := grayUpload(t)
		resp, err := http.Post(srv.URL+"/predict", contentType, body)
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		if resp.Header.Get(middleware.RequestIDHeader) == "" {
			t.Error("Expected X-Request-ID header")
		}
		if err := json.NewDecoder(resp.Body).Decode(&got[i]); err != nil {
			t.Fatalf("invalid body: %v", err)
		}
		resp.Body.Close()
	}

	for _, key := range []string{"is_pothole", "confidence", "raw_probability"} {
		if got[0][key] != got[1][key] {
			t.Errorf("Field %q differs between identical uploads: %v vs %v", key, got[0][key], got[1][key])
		}
	}
}

func TestRouter_RootAndCORS(t *testing.T) {
	srv := testServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected CORS header for configured origin, got %q", got)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["message"] == "" {
		t.Error("Expected non-empty message")
	}
}

func TestHealthHandler(t *testing.T) {
	hs := health.NewServer()
	h := healthHandler(hs, "OK", "Service Unavailable")

	setServing(hs, false)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while not serving, got %d", rec.Code)
	}

	setServing(hs, true)
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("Expected 200 OK while serving, got %d %q", rec.Code, rec.Body.String())
	}
}

type panickingClassifier struct{}

func (panickingClassifier) Classify(ctx context.Context, data []byte) (classifier.Decision, error) {
	panic("engine exploded")
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	var m dto.Metric
	if err := o.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRouter_PanicIsLoggedAndMeasured(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := &config.Config{CORSOrigin: "http://localhost:3000", UploadField: "file", MaxUploadBytes: 1 << 20}
	srv := httptest.NewServer(newRouter(cfg, panickingClassifier{}, zap.New(core)))
	defer srv.Close()

	latency := metrics.HTTPServerHandlingSeconds.WithLabelValues(http.MethodPost, "/predict", "500")
	before := histogramCount(t, latency)

	body, contentType := grayUpload(t)
	resp, err := http.Post(srv.URL+"/predict", contentType, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", resp.StatusCode)
	}
	var errBody map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody["error"] == "" {
		t.Errorf("Expected JSON error body, got %v (%v)", errBody, err)
	}

	if logs.FilterMessage("panic while handling request").Len() != 1 {
		t.Error("Expected the panic to be logged")
	}
	access := logs.FilterMessage("request").All()
	if len(access) != 1 {
		t.Fatalf("Expected one access log entry, got %d", len(access))
	}
	if status := access[0].ContextMap()["status"]; status != int64(http.StatusInternalServerError) {
		t.Errorf("Expected access log status 500, got %v", status)
	}

	if after := histogramCount(t, latency); after != before+1 {
		t.Errorf("Expected one latency sample for the 500, got %d", after-before)
	}
}

func TestFlagOverrides_OnlyExplicitFlags(t *testing.T) {
	fs := newFlagSet()
	if err := fs.Parse([]string{"-threshold", "-0.2", "-mock"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	overrides := flagOverrides(fs)
	if len(overrides) != 2 {
		t.Fatalf("Expected only the two explicit flags, got %v", overrides)
	}
	if overrides["threshold"] != -0.2 {
		t.Errorf("Expected threshold -0.2 forwarded unchanged, got %v", overrides["threshold"])
	}
	if overrides["use_mock_inference"] != true {
		t.Errorf("Expected use_mock_inference=true, got %v", overrides["use_mock_inference"])
	}

	cfg, err := config.Load("", overrides)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "threshold") {
		t.Errorf("Expected negative threshold to fail validation, got %v", err)
	}
}

func TestFlagOverrides_UnsetFlagsKeepConfig(t *testing.T) {
	fs := newFlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := flagOverrides(fs); len(got) != 0 {
		t.Errorf("Expected no overrides, got %v", got)
	}
}

// headerOnlyPNG claims w x h pixels in its IHDR and carries no image data.
func headerOnlyPNG(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8], ihdr[9] = 8, 2

	chunk := append([]byte("IHDR"), ihdr...)
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestNewPreprocessor_DefaultBudgetRejectsLargeGeometry(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	pre, err := newPreprocessor(cfg)
	if err != nil {
		t.Fatalf("newPreprocessor failed: %v", err)
	}

	_, err = pre.Preprocess(context.Background(), headerOnlyPNG(6000, 6000))
	if !errors.Is(err, imaging.ErrInvalidImage) {
		t.Fatalf("Expected a 6000x6000 upload to exceed the default budget, got %v", err)
	}
}
