package goredact

import (
	"errors"
	"fmt"
	"testing"

	"github.com/brunobiangulo/goredact/detect"
	"github.com/brunobiangulo/goredact/format"
	"github.com/brunobiangulo/goredact/strategy"
	"github.com/brunobiangulo/goredact/task"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"detector down", fmt.Errorf("%w: %v", ErrDetectionUnavailable, detect.ErrUnavailable), KindDetectionUnavailable},
		{"raw detector error", fmt.Errorf("presidio: %w", detect.ErrUnavailable), KindDetectionUnavailable},
		{"unknown extension", fmt.Errorf("x: %w", format.ErrUnsupportedFormat), KindUnsupportedFormat},
		{"method not offered", fmt.Errorf("%w: pdf files support mask", ErrUnsupportedMethod), KindUnsupportedMethod},
		{"strategy capability", fmt.Errorf("apply: %w", strategy.ErrUnsupportedMethod), KindUnsupportedMethod},
		{"legacy file", fmt.Errorf("%w: %w", ErrExtraction, format.ErrLegacyFormat), KindExtraction},
		{"corrupt file", fmt.Errorf("open: %w", format.ErrCorrupt), KindExtraction},
		{"write failed", fmt.Errorf("%w: disk full", ErrReconstruction), KindReconstruction},
		{"bad pin", fmt.Errorf("new: %w", strategy.ErrInvalidPIN), KindInvalidOptions},
		{"bad color", fmt.Errorf("%w: %v", ErrInvalidOptions, errors.New("color")), KindInvalidOptions},
		{"cancelled", fmt.Errorf("checkpoint: %w", task.ErrCancelledAfterStart), KindCancelledAfterStart},
		{"interrupted", task.ErrInterrupted, KindInterrupted},
		{"missing task", fmt.Errorf("%w: abc", ErrTaskNotFound), KindNotFound},
		{"panic", fmt.Errorf("%w: boom", task.ErrPanic), KindInternal},
		{"other", errors.New("something else"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestSentinelAliases(t *testing.T) {
	if !errors.Is(ErrCancelledAfterStart, task.ErrCancelledAfterStart) {
		t.Error("ErrCancelledAfterStart does not match the task sentinel")
	}
	if !errors.Is(fmt.Errorf("get: %w", task.ErrNotFound), ErrTaskNotFound) {
		t.Error("task.ErrNotFound is not ErrTaskNotFound")
	}
}
