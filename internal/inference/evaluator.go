// Package inference runs trained models over images and thresholds their tag scores.
package inference

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hyperjump/tagger/internal/model"
)

// ErrUnknownModelFormat is returned by Open for files that are neither an exported linear
// model nor an .onnx graph.
var ErrUnknownModelFormat = errors.New("unknown model format")

// Evaluator maps one HWC image in [0, 1] to per-tag probabilities.
type Evaluator interface {
	Evaluate(ctx context.Context, pixels []float32) ([]float32, error)
	// InputSize is the width and height the evaluator expects.
	InputSize() (width, height int)
	Outputs() int
	Close() error
}

// Open loads the model at path. Exported linear models carry their own shape; ONNX graphs
// take width, height and outputs from the caller.
func Open(path string, width, height, outputs int) (Evaluator, error) {
	if model.IsExport(path) {
		m, err := model.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load model %s: %w", path, err)
		}
		return NewLinearEvaluator(m), nil
	}
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		ev, err := NewONNXEvaluator(path, width, height, outputs)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnknownModelFormat)
}

// LinearEvaluator serves a model exported by the training loop.
type LinearEvaluator struct {
	m *model.Linear
}

// NewLinearEvaluator wraps m.
func NewLinearEvaluator(m *model.Linear) *LinearEvaluator {
	return &LinearEvaluator{m: m}
}

func (e *LinearEvaluator) Evaluate(ctx context.Context, pixels []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.m.Predict(pixels)
}

func (e *LinearEvaluator) InputSize() (int, int) {
	cfg := e.m.Config()
	return cfg.Width, cfg.Height
}

func (e *LinearEvaluator) Outputs() int {
	return e.m.Config().Outputs
}

func (e *LinearEvaluator) Close() error {
	return nil
}
