//go:build cgo
// +build cgo

package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNX tensor names expected in the graph.
const (
	ONNXInputName  = "input"
	ONNXOutputName = "output"
)

var initOnce sync.Once
var initErr error

// ONNXEvaluator runs an ONNX graph taking a [1, H, W, 3] float input and producing
// [1, outputs] sigmoid scores. It requires CGO and the onnxruntime shared library.
type ONNXEvaluator struct {
	session *ort.AdvancedSession
	width   int
	height  int
	outputs int
	// Pre-allocated tensors; Run reads input and writes output in place.
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
	mu     sync.Mutex
}

// NewONNXEvaluator creates a session for the graph at modelPath.
func NewONNXEvaluator(modelPath string, width, height, outputs int) (*ONNXEvaluator, error) {
	initOnce.Do(func() { initErr = ort.InitializeEnvironment() })
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", initErr)
	}
	if width <= 0 || height <= 0 || outputs <= 0 {
		return nil, fmt.Errorf("invalid ONNX shape %dx%d -> %d", width, height, outputs)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(height), int64(width), 3), make([]float32, height*width*3))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewTensor(ort.NewShape(1, int64(outputs)), make([]float32, outputs))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{ONNXInputName},
		[]string{ONNXOutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ONNXEvaluator{
		session: session,
		width:   width,
		height:  height,
		outputs: outputs,
		input:   input,
		output:  output,
	}, nil
}

// Evaluate runs the graph once. Calls are serialized because the tensors are shared.
func (e *ONNXEvaluator) Evaluate(ctx context.Context, pixels []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pixels) != e.width*e.height*3 {
		return nil, fmt.Errorf("got %d values, want %d", len(pixels), e.width*e.height*3)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.New("evaluator is closed")
	}
	copy(e.input.GetData(), pixels)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	scores := make([]float32, e.outputs)
	copy(scores, e.output.GetData())
	return scores, nil
}

func (e *ONNXEvaluator) InputSize() (int, int) {
	return e.width, e.height
}

func (e *ONNXEvaluator) Outputs() int {
	return e.outputs
}

// Close destroys the session and tensors once any running evaluation finishes.
func (e *ONNXEvaluator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		_ = e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		_ = e.output.Destroy()
		e.output = nil
	}
	return err
}
