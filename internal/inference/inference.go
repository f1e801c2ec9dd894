// internal/inference/inference.go
package inference

import (
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Options describes the model artifact and the tensor it expects.
type Options struct {
	// ModelPath is the serialized ONNX model.
	ModelPath string
	// LibraryPath points at the onnxruntime shared library; empty uses the
	// platform default lookup.
	LibraryPath string
	// InputName and OutputName select graph endpoints; empty picks the first.
	InputName  string
	OutputName string
	// InputShape is the tensor shape the preprocessor produces. The model's
	// declared input must be compatible with it (dynamic dims allowed).
	InputShape []int64
}

// Inference wraps an ONNX runtime session for thread-safe inference.
// It implements the InferenceEngine interface.
type Inference struct {
	mu          sync.Mutex
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
	inputName   string
	outputName  string
}

// New creates a new Inference instance by loading the ONNX model described by opts.
// It fails when the artifact is missing, unreadable, or does not look like a
// single-output binary classifier over opts.InputShape.
func New(opts Options) (*Inference, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("failed to stat model: %w", err)
	}
	if len(opts.InputShape) == 0 {
		return nil, fmt.Errorf("input shape is required")
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}

	// Initialize the ONNX runtime environment
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}

	in, err := pickEndpoint(inputs, opts.InputName, "input")
	if err != nil {
		return nil, err
	}
	out, err := pickEndpoint(outputs, opts.OutputName, "output")
	if err != nil {
		return nil, err
	}

	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("model input %q has element type %v, expected float32", in.Name, in.DataType)
	}
	if err := checkCompatible(in.Dimensions, opts.InputShape); err != nil {
		return nil, fmt.Errorf("model input %q: %w", in.Name, err)
	}

	outputShape, err := checkOutput(out)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(
		opts.ModelPath,
		[]string{in.Name},
		[]string{out.Name},
		nil, // Use default session options
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Inference{
		session:     session,
		inputShape:  ort.NewShape(opts.InputShape...),
		outputShape: outputShape,
		inputName:   in.Name,
		outputName:  out.Name,
	}, nil
}

// Predict runs one forward pass and returns the scalar output.
func (inf *Inference) Predict(input []float32, shape []int64) (float32, error) {
	inf.mu.Lock()
	defer inf.mu.Unlock()

	if inf.session == nil {
		return 0, fmt.Errorf("inference session is nil")
	}

	inputShape := ort.NewShape(shape...)
	if !sameShape(inputShape, inf.inputShape) {
		return 0, fmt.Errorf("input has wrong shape: got %v, expected %v", shape, inf.inputShape)
	}
	if int64(len(input)) != inputShape.FlattenedSize() {
		return 0, fmt.Errorf("input has wrong size: got %d, expected %d", len(input), inputShape.FlattenedSize())
	}

	inputTensor, err := ort.NewTensor(inputShape, input)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](inf.outputShape)
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	err = inf.session.Run(
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
	)
	if err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	return checkProbability(outputTensor.GetData()[0])
}

// Close releases the ONNX session resources
func (inf *Inference) Close() error {
	inf.mu.Lock()
	defer inf.mu.Unlock()

	if inf.session != nil {
		err := inf.session.Destroy()
		inf.session = nil
		if err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}

	return ort.DestroyEnvironment()
}

// InputName is the graph input the session feeds.
func (inf *Inference) InputName() string { return inf.inputName }

// OutputName is the graph output the session reads.
func (inf *Inference) OutputName() string { return inf.outputName }

func pickEndpoint(infos []ort.InputOutputInfo, name, kind string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("model declares no %ss", kind)
	}
	if name == "" {
		if len(infos) != 1 {
			return ort.InputOutputInfo{}, fmt.Errorf("model declares %d %ss; set %s_name", len(infos), kind, kind)
		}
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no %s named %q", kind, name)
}

// checkCompatible reports whether a declared model shape accepts want.
// Negative declared dims are dynamic and match anything.
func checkCompatible(declared ort.Shape, want []int64) error {
	if len(declared) != len(want) {
		return fmt.Errorf("rank %d (%v), expected rank %d (%v)", len(declared), declared, len(want), want)
	}
	for i, d := range declared {
		if d >= 0 && d != want[i] {
			return fmt.Errorf("dimension %d is %d, expected %d (shape %v vs %v)", i, d, want[i], declared, want)
		}
	}
	return nil
}

// checkOutput accepts a single float32 probability and returns the shape of
// the tensor Predict reads it from.
func checkOutput(out ort.InputOutputInfo) (ort.Shape, error) {
	if out.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("model output %q has element type %v, expected float32", out.Name, out.DataType)
	}
	shape := concreteShape(out.Dimensions)
	if shape.FlattenedSize() != 1 {
		return nil, fmt.Errorf("model output %q has shape %v, expected a single probability", out.Name, out.Dimensions)
	}
	return shape, nil
}

// concreteShape pins dynamic dims to 1; the service always runs batch 1.
func concreteShape(s ort.Shape) ort.Shape {
	out := make(ort.Shape, len(s))
	for i, d := range s {
		if d < 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

func sameShape(a, b ort.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func checkProbability(p float32) (float32, error) {
	if math.IsNaN(float64(p)) || p < 0 || p > 1 {
		return 0, fmt.Errorf("model output %v is not a probability", p)
	}
	return p, nil
}

// Ensure Inference implements InferenceEngine at compile time
var _ InferenceEngine = (*Inference)(nil)
