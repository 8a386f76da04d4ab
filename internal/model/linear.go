// Package model provides a pure-Go multi-label classifier: one logistic unit per tag over
// raw pixels. It is small enough to train on a CPU and lets the pipeline run end to end.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hyperjump/tagger/internal/models"
)

// TypeLinear is the only model type this package builds.
const TypeLinear = "linear"

const (
	OptimizerSGD      = "sgd"
	OptimizerMomentum = "momentum"

	momentum  = 0.9
	threshold = 0.5
	epsilon   = 1e-7
)

var (
	ErrUnsupportedModel     = errors.New("unsupported model")
	ErrUnsupportedOptimizer = errors.New("unsupported optimizer")
	ErrShapeMismatch        = errors.New("input shape does not match model")
)

// Config describes a model's shape and optimizer.
type Config struct {
	Type         string
	Optimizer    string
	Width        int
	Height       int
	Channels     int
	Outputs      int
	LearningRate float64
}

// Linear is a multi-label logistic regression. Weights are laid out output-major.
type Linear struct {
	cfg      Config
	inputs   int
	weights  []float32
	bias     []float32
	velocity []float32
	velBias  []float32
	lr       float64

	// running counts since the last ResetMetrics
	tp, fp, fn float64
}

// New creates a zero-initialized model.
func New(cfg Config) (*Linear, error) {
	if cfg.Type != TypeLinear {
		return nil, fmt.Errorf("%q: %w", cfg.Type, ErrUnsupportedModel)
	}
	if cfg.Optimizer != OptimizerSGD && cfg.Optimizer != OptimizerMomentum {
		return nil, fmt.Errorf("%q: %w", cfg.Optimizer, ErrUnsupportedOptimizer)
	}
	if cfg.Channels == 0 {
		cfg.Channels = 3
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Outputs <= 0 {
		return nil, fmt.Errorf("invalid model shape %dx%dx%d -> %d", cfg.Height, cfg.Width, cfg.Channels, cfg.Outputs)
	}
	inputs := cfg.Width * cfg.Height * cfg.Channels
	m := &Linear{
		cfg:     cfg,
		inputs:  inputs,
		weights: make([]float32, inputs*cfg.Outputs),
		bias:    make([]float32, cfg.Outputs),
		lr:      cfg.LearningRate,
	}
	if cfg.Optimizer == OptimizerMomentum {
		m.velocity = make([]float32, len(m.weights))
		m.velBias = make([]float32, len(m.bias))
	}
	return m, nil
}

// Config returns the model's configuration.
func (m *Linear) Config() Config {
	return m.cfg
}

// SetLearningRate changes the step size for subsequent steps.
func (m *Linear) SetLearningRate(lr float64) {
	m.lr = lr
}

// LearningRate returns the current step size.
func (m *Linear) LearningRate() float64 {
	return m.lr
}

// ResetMetrics clears the running precision and recall counts.
func (m *Linear) ResetMetrics() {
	m.tp, m.fp, m.fn = 0, 0, 0
}

// Predict returns per-tag probabilities for one HWC input.
func (m *Linear) Predict(x []float32) ([]float32, error) {
	if len(x) != m.inputs {
		return nil, fmt.Errorf("got %d values, want %d: %w", len(x), m.inputs, ErrShapeMismatch)
	}
	out := make([]float32, m.cfg.Outputs)
	m.forward(x, out)
	return out, nil
}

func (m *Linear) forward(x, out []float32) {
	for j := range out {
		w := m.weights[j*m.inputs : (j+1)*m.inputs]
		z := float64(m.bias[j])
		for i, v := range x {
			z += float64(w[i]) * float64(v)
		}
		out[j] = float32(sigmoid(z))
	}
}

// TrainStep runs one gradient step on b and returns the batch loss with the running
// precision and recall.
func (m *Linear) TrainStep(ctx context.Context, b models.Batch) (models.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return models.StepResult{}, err
	}
	n := b.Size()
	if n == 0 {
		return models.StepResult{}, errors.New("empty batch")
	}
	if len(b.Targets) != n {
		return models.StepResult{}, fmt.Errorf("%d targets for %d images: %w", len(b.Targets), n, ErrShapeMismatch)
	}

	gradW := make([]float64, len(m.weights))
	gradB := make([]float64, len(m.bias))
	probs := make([]float32, m.cfg.Outputs)
	var loss float64
	for s := 0; s < n; s++ {
		x, y := b.Images[s], b.Targets[s]
		if len(x) != m.inputs || len(y) != m.cfg.Outputs {
			return models.StepResult{}, fmt.Errorf("sample %d: %w", s, ErrShapeMismatch)
		}
		m.forward(x, probs)
		for j, p := range probs {
			pv, yv := float64(p), float64(y[j])
			loss -= yv*math.Log(pv+epsilon) + (1-yv)*math.Log(1-pv+epsilon)
			m.count(pv, yv)

			d := pv - yv
			gradB[j] += d
			if d == 0 {
				continue
			}
			g := gradW[j*m.inputs : (j+1)*m.inputs]
			for i, v := range x {
				g[i] += d * float64(v)
			}
		}
	}
	scale := 1 / float64(n)
	m.apply(m.weights, m.velocity, gradW, scale)
	m.apply(m.bias, m.velBias, gradB, scale)

	return models.StepResult{
		Loss:      loss / float64(n*m.cfg.Outputs),
		Precision: ratio(m.tp, m.tp+m.fp),
		Recall:    ratio(m.tp, m.tp+m.fn),
	}, nil
}

func (m *Linear) apply(params, velocity []float32, grad []float64, scale float64) {
	for i, g := range grad {
		step := m.lr * g * scale
		if velocity != nil {
			velocity[i] = float32(momentum*float64(velocity[i]) - step)
			params[i] += velocity[i]
			continue
		}
		params[i] -= float32(step)
	}
}

func (m *Linear) count(p, y float64) {
	predicted := p >= threshold
	actual := y >= threshold
	switch {
	case predicted && actual:
		m.tp++
	case predicted:
		m.fp++
	case actual:
		m.fn++
	}
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
