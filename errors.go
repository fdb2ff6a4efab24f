package goredact

import (
	"errors"

	"github.com/brunobiangulo/goredact/detect"
	"github.com/brunobiangulo/goredact/format"
	"github.com/brunobiangulo/goredact/strategy"
	"github.com/brunobiangulo/goredact/task"
)

var (
	// ErrDetectionUnavailable is returned when the PII recognizer cannot be
	// reached. Partial detection is never accepted.
	ErrDetectionUnavailable = errors.New("goredact: PII recognizer unavailable")

	// ErrUnsupportedFormat is returned for unrecognized file kinds.
	ErrUnsupportedFormat = errors.New("goredact: unsupported file format")

	// ErrUnsupportedMethod is returned when a method is not offered for a format.
	ErrUnsupportedMethod = errors.New("goredact: method not supported for this format")

	// ErrExtraction is returned when the input cannot be read or parsed.
	ErrExtraction = errors.New("goredact: extraction failed")

	// ErrReconstruction is returned when the redacted output cannot be written.
	ErrReconstruction = errors.New("goredact: reconstruction failed")

	// ErrCancelledAfterStart is returned for a task cancelled while running.
	ErrCancelledAfterStart = task.ErrCancelledAfterStart

	// ErrInvalidOptions is returned for bad colors, chars or PINs.
	ErrInvalidOptions = errors.New("goredact: invalid options")

	// ErrTaskNotFound is returned when a task or batch id does not exist.
	ErrTaskNotFound = task.ErrNotFound

	// ErrInterrupted marks tasks left RUNNING by a stopped process.
	ErrInterrupted = task.ErrInterrupted

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("goredact: invalid configuration")
)

// Error kinds reported in task records.
const (
	KindDetectionUnavailable = "DetectionUnavailable"
	KindUnsupportedFormat    = "UnsupportedFormat"
	KindUnsupportedMethod    = "UnsupportedMethod"
	KindExtraction           = "ExtractionError"
	KindReconstruction       = "ReconstructionError"
	KindCancelledAfterStart  = "CancelledAfterStart"
	KindInvalidOptions       = "InvalidOptions"
	KindNotFound             = "NotFound"
	KindInterrupted          = "Interrupted"
	KindInternal             = "Internal"
)

// classes is checked in order; stage sentinels come before the subpackage
// sentinels they wrap.
var classes = []struct {
	kind string
	errs []error
}{
	{KindCancelledAfterStart, []error{task.ErrCancelledAfterStart}},
	{KindInterrupted, []error{task.ErrInterrupted}},
	{KindNotFound, []error{task.ErrNotFound}},
	{KindInvalidOptions, []error{ErrInvalidOptions, strategy.ErrInvalidOptions, strategy.ErrInvalidPIN}},
	{KindUnsupportedMethod, []error{ErrUnsupportedMethod, strategy.ErrUnsupportedMethod}},
	{KindUnsupportedFormat, []error{ErrUnsupportedFormat, format.ErrUnsupportedFormat}},
	{KindDetectionUnavailable, []error{ErrDetectionUnavailable, detect.ErrUnavailable}},
	{KindExtraction, []error{ErrExtraction, format.ErrLegacyFormat, format.ErrCorrupt}},
	{KindReconstruction, []error{ErrReconstruction}},
}

// Classify maps err to its stable kind code. Unknown errors are Internal
// and nil is the empty string.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.kind
			}
		}
	}
	return KindInternal
}
