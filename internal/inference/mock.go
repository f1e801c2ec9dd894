// internal/inference/mock.go
package inference

import (
	"fmt"
	"sync"
)

// MockInference is a mock implementation of InferenceEngine for testing.
// It returns deterministic probabilities without requiring the ONNX shared library.
type MockInference struct {
	mu sync.Mutex

	// ProbabilityFunc computes the returned probability from the input.
	// When nil, Probability is returned unchanged.
	ProbabilityFunc func(input []float32) float32
	// Probability is the fixed value returned when ProbabilityFunc is nil
	Probability float32
	// ShouldError if true, Predict will return an error
	ShouldError bool
	// ErrorMessage is the error message to return when ShouldError is true
	ErrorMessage string
	// CallCount tracks the number of times Predict was called
	CallCount int
}

// NewMock creates a MockInference whose probability is the mean input value,
// so brighter images score higher and identical inputs score identically.
func NewMock() *MockInference {
	return &MockInference{ProbabilityFunc: MeanProbability}
}

// NewMockWithProbability creates a MockInference that always returns p
func NewMockWithProbability(p float32) *MockInference {
	return &MockInference{Probability: p}
}

// MeanProbability averages the input values.
func MeanProbability(input []float32) float32 {
	if len(input) == 0 {
		return 0
	}
	var sum float64
	for _, v := range input {
		sum += float64(v)
	}
	return float32(sum / float64(len(input)))
}

// Predict validates the input like the real engine and returns the configured probability.
func (m *MockInference) Predict(input []float32, shape []int64) (float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++

	if m.ShouldError {
		if m.ErrorMessage != "" {
			return 0, fmt.Errorf("%s", m.ErrorMessage)
		}
		return 0, fmt.Errorf("mock inference error")
	}

	if len(shape) == 0 || shape[0] != 1 {
		return 0, fmt.Errorf("input has wrong shape: got %v, expected batch of 1", shape)
	}
	expected := int64(1)
	for _, d := range shape {
		expected *= d
	}
	if int64(len(input)) != expected {
		return 0, fmt.Errorf("input has wrong size: got %d, expected %d", len(input), expected)
	}

	p := m.Probability
	if m.ProbabilityFunc != nil {
		p = m.ProbabilityFunc(input)
	}
	return checkProbability(p)
}

// Close is a no-op for the mock implementation
func (m *MockInference) Close() error {
	return nil
}

// SetError configures the mock to return an error on the next Predict call
func (m *MockInference) SetError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldError = true
	m.ErrorMessage = msg
}

// ClearError clears any configured error
func (m *MockInference) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldError = false
	m.ErrorMessage = ""
}

// Calls returns CallCount under the lock.
func (m *MockInference) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// Ensure MockInference implements InferenceEngine at compile time
var _ InferenceEngine = (*MockInference)(nil)
