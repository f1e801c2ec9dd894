// internal/inference/interface.go
package inference

// InferenceEngine defines the interface for running the binary classifier.
// This abstraction allows for easy mocking in tests and swapping implementations.
type InferenceEngine interface {
	// Predict runs one forward pass over a single normalized tensor and
	// returns the model's positive-class probability.
	// input: flattened tensor data, len(input) == product(shape)
	// shape: tensor shape including the leading batch dimension of 1
	Predict(input []float32, shape []int64) (float32, error)

	// Close releases any resources held by the inference engine.
	Close() error
}
