// Package task tracks redaction jobs: a task state machine, an injectable
// task store and a worker pool that runs one task per worker end to end.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/brunobiangulo/goredact/strategy"
)

// State is the lifecycle state of a task. The values are stored verbatim.
type State string

const (
	Pending   State = "PENDING"
	Running   State = "RUNNING"
	Succeeded State = "SUCCEEDED"
	Failed    State = "FAILED"
	Partial   State = "PARTIAL" // some outputs were written before an error
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Partial
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Pending, Running, Succeeded, Failed, Partial:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	switch s {
	case Pending:
		return next == Running
	case Running:
		return next.Terminal()
	}
	return false
}

// Progress checkpoints.
const (
	ProgressExtracted = 0.3
	ProgressDetected  = 0.6
	ProgressPlanned   = 0.8
	ProgressDone      = 1.0
)

var (
	ErrInvalidTransition   = errors.New("task: invalid state transition")
	ErrNotFound            = errors.New("task: not found")
	ErrQueueFull           = errors.New("task: queue is full")
	ErrClosed              = errors.New("task: manager is closed")
	ErrCancelledAfterStart = errors.New("task: cancelled after start")
	ErrInterrupted         = errors.New("task: interrupted before completion")
	ErrDuplicateReport     = errors.New("task: completion already reported")
	ErrNotMember           = errors.New("task: not a member of the batch")
)

// Options are the redaction options of one task.
type Options struct {
	strategy.Options
	// Columns restricts Excel redaction to the named header columns.
	Columns []string `json:"columns,omitempty" yaml:"columns"`
	// Sheets restricts Excel redaction to the named sheets.
	Sheets []string `json:"sheets,omitempty" yaml:"sheets"`
	// Output overrides the generated output path.
	Output string `json:"output,omitempty" yaml:"output"`
}

// Spec describes a task to submit.
type Spec struct {
	InputPath string
	// FileType is the format kind; empty means by extension.
	FileType string
	Method   string
	Options  Options
	// TempFiles are removed when the task ends or is cancelled, e.g. the
	// uploaded input.
	TempFiles []string
	// OwnsOutputs marks outputs that are deleted with the task on expiry.
	OwnsOutputs bool
}

// Task is one redaction job for a single input file.
type Task struct {
	ID          string    `json:"task_id"`
	BatchID     string    `json:"batch_id,omitempty"`
	InputPath   string    `json:"input_path"`
	FileType    string    `json:"file_type,omitempty"`
	Method      string    `json:"method"`
	Options     Options   `json:"options"`
	State       State     `json:"state"`
	Progress    float64   `json:"progress"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	OutputPaths []string  `json:"output_paths,omitempty"`
	TempFiles   []string  `json:"temp_files,omitempty"`
	OwnsOutputs bool      `json:"owns_outputs,omitempty"`
	Cancel      bool      `json:"cancel_requested,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// Transition moves the task to next, stamping start and finish times.
func (t *Task) Transition(next State, now time.Time) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
	}
	t.State = next
	switch {
	case next == Running:
		t.StartedAt = now
	case next.Terminal():
		t.FinishedAt = now
		if next == Succeeded {
			t.Progress = ProgressDone
		}
	}
	return nil
}

// Advance raises the progress to p. Lower values are ignored.
func (t *Task) Advance(p float64) {
	p = min(max(p, 0), 1)
	if p > t.Progress {
		t.Progress = p
	}
}

// Duration is the run time so far, or the total once finished.
func (t *Task) Duration(now time.Time) time.Duration {
	switch {
	case t.StartedAt.IsZero():
		return 0
	case t.FinishedAt.IsZero():
		return now.Sub(t.StartedAt)
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Clone returns a deep copy, so callers can hold a snapshot while the task
// keeps changing.
func (t Task) Clone() Task {
	t.OutputPaths = cloneStrings(t.OutputPaths)
	t.TempFiles = cloneStrings(t.TempFiles)
	t.Options.Columns = cloneStrings(t.Options.Columns)
	t.Options.Sheets = cloneStrings(t.Options.Sheets)
	return t
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
