//go:build !cgo
// +build !cgo

package inference

import (
	"errors"
)

// ErrONNXUnavailable is returned when built without CGO.
var ErrONNXUnavailable = errors.New("ONNX evaluator requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// NewONNXEvaluator returns ErrONNXUnavailable when built without CGO (see onnx.go).
func NewONNXEvaluator(_ string, _, _, _ int) (Evaluator, error) {
	return nil, ErrONNXUnavailable
}
