// internal/classifier/service_test.go
package classifier

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/nfnt/resize"

	"github.com/SyedDaiam9101/pothole-service/internal/imaging"
	"github.com/SyedDaiam9101/pothole-service/internal/inference"
)

func newTestService(t *testing.T, engine inference.InferenceEngine, threshold float64) *Service {
	t.Helper()
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
	policy, err := NewPolicy(threshold)
	if err != nil {
		t.Fatalf("NewPolicy failed: %v", err)
	}
	return New(pre, engine, policy)
}

func uniformPNG(t *testing.T, w, h int, v uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestClassify_UniformGrayIsDeterministic(t *testing.T) {
	mock := inference.NewMock()
	svc := newTestService(t, mock, 0.5)
	data := uniformPNG(t, 150, 150, 128)

	first, err := svc.Classify(context.Background(), data)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	second, err := svc.Classify(context.Background(), data)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	if first != second {
		t.Errorf("Expected identical decisions, got %+v and %+v", first, second)
	}
	if mock.CallCount != 2 {
		t.Errorf("Expected 2 engine calls, got %d", mock.CallCount)
	}

	// mean of 128/255 sits just above 0.5
	if !first.IsPositive {
		t.Errorf("Expected positive verdict for p=%v", first.Probability)
	}
}

func TestClassify_AppliesThreshold(t *testing.T) {
	data := uniformPNG(t, 40, 60, 10)

	svc := newTestService(t, inference.NewMockWithProbability(0.6), 0.7)
	d, err := svc.Classify(context.Background(), data)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if d.IsPositive {
		t.Error("Expected negative verdict below threshold 0.7")
	}

	svc = newTestService(t, inference.NewMockWithProbability(0.6), 0.5)
	d, err = svc.Classify(context.Background(), data)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if !d.IsPositive {
		t.Error("Expected positive verdict above threshold 0.5")
	}
	if d.Confidence != d.Probability {
		t.Errorf("Expected confidence == probability for positive verdict, got %+v", d)
	}
}

func TestClassify_ErrorKinds(t *testing.T) {
	svc := newTestService(t, inference.NewMock(), 0.5)

	_, err := svc.Classify(context.Background(), []byte("not an image"))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
	if Kind(err) != "decode" {
		t.Errorf("Expected kind decode, got %s", Kind(err))
	}

	failing := inference.NewMock()
	failing.SetError("model execution failed")
	svc = newTestService(t, failing, 0.5)

	_, err = svc.Classify(context.Background(), uniformPNG(t, 10, 10, 1))
	if !errors.Is(err, ErrInference) {
		t.Errorf("Expected ErrInference, got %v", err)
	}
	if Kind(err) != "inference" {
		t.Errorf("Expected kind inference, got %s", Kind(err))
	}

	svc = newTestService(t, nil, 0.5)
	_, err = svc.Classify(context.Background(), uniformPNG(t, 10, 10, 1))
	if !errors.Is(err, ErrInference) {
		t.Errorf("Expected ErrInference without engine, got %v", err)
	}
}

func TestClassify_NilService(t *testing.T) {
	var svc *Service

	_, err := svc.Classify(context.Background(), uniformPNG(t, 4, 4, 1))
	if !errors.Is(err, ErrInference) {
		t.Errorf("Expected ErrInference from nil service, got %v", err)
	}
}

func TestKind(t *testing.T) {
	if Kind(nil) != "none" {
		t.Errorf("Expected none for nil error")
	}
	if Kind(ErrInvalidImage) != "invalid_image" {
		t.Errorf("Expected invalid_image")
	}
	if Kind(errors.New("boom")) != "internal" {
		t.Errorf("Expected internal for unknown error")
	}
}
