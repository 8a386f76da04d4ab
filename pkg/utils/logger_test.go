package utils

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("debug logger enables debug level", func(t *testing.T) {
		logger, err := NewLogger("tagger", true)
		if err != nil {
			t.Fatalf("NewLogger(debug) error: %v", err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Error("debug level should be enabled")
		}
		_ = logger.Sync()
	})

	t.Run("production logger starts at info", func(t *testing.T) {
		logger, err := NewLogger("tagger", false)
		if err != nil {
			t.Fatalf("NewLogger(production) error: %v", err)
		}
		if logger.Core().Enabled(zapcore.DebugLevel) {
			t.Error("debug level should be disabled")
		}
		if !logger.Core().Enabled(zapcore.InfoLevel) {
			t.Error("info level should be enabled")
		}
		_ = logger.Sync()
	})
}
