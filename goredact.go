// Package goredact finds personal information in office documents, PDFs
// and images and writes redacted copies. Work runs as tasks on a bounded
// worker pool; see Engine.
package goredact

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/goredact/detect"
	"github.com/brunobiangulo/goredact/format"
	"github.com/brunobiangulo/goredact/locate"
	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/store"
	"github.com/brunobiangulo/goredact/strategy"
	"github.com/brunobiangulo/goredact/task"
)

// Version is reported by the CLI and the health endpoint.
const Version = "0.4.0"

// FormatInfo describes one supported document family.
type FormatInfo struct {
	Kind       format.Kind       `json:"type"`
	Extensions []string          `json:"extensions"`
	Methods    []strategy.Method `json:"methods"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithDetector replaces the text recognizer built from Config.Detector.
func WithDetector(d detect.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithImageDetector replaces the OCR-backed image recognizer.
func WithImageDetector(d detect.ImageDetector) Option {
	return func(e *Engine) { e.images = d }
}

// WithStore uses s for task records instead of the configured driver.
func WithStore(s task.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithTaskConfig overrides worker pool settings derived from Config.
func WithTaskConfig(fn func(*task.Config)) Option {
	return func(e *Engine) { e.tuneTasks = fn }
}

// Engine runs redaction tasks. It implements task.Runner for its own
// manager: each task goes through extract, detect, locate, apply and
// reconstruct on a private document handle.
type Engine struct {
	cfg       Config
	formats   *format.Registry
	detector  detect.Detector
	images    detect.ImageDetector
	policy    locate.Policy
	names     *outputNames
	store     task.Store
	manager   *task.Manager
	tuneTasks func(*task.Config)
	closers   []func() error
}

var _ task.Runner = (*Engine)(nil)

// New creates an Engine and starts its workers. With the sqlite store,
// tasks interrupted by a previous process are failed and pending ones
// dropped before any new work is accepted.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		formats: format.NewRegistry(),
		policy:  locate.DefaultPolicy(),
		names:   newOutputNames(),
	}
	if cfg.Detector.TieBreak != "" {
		e.policy.TieBreak = cfg.Detector.TieBreak
	}
	e.formats.Register(&format.PDFHandler{Verify: cfg.PDFVerify})
	for _, o := range opts {
		o(e)
	}

	if e.detector == nil {
		d, err := newDetector(cfg.Detector)
		if err != nil {
			return nil, err
		}
		e.detector = d
	}
	if e.images == nil && cfg.OCR.Enabled {
		ocr := detect.NewOCRDetector(detect.NewTesseract(), e.detector)
		if cfg.OCR.MinConfidence > 0 {
			ocr.MinConfidence = cfg.OCR.MinConfidence
		}
		e.images = ocr
	}

	durable := false
	if e.store == nil {
		switch cfg.Store.Driver {
		case "sqlite":
			path := cfg.resolveStorePath()
			s, err := store.New(path)
			if err != nil {
				return nil, fmt.Errorf("opening task store: %w", err)
			}
			slog.Info("engine: sqlite task store", "path", path)
			e.store = s
			e.closers = append(e.closers, s.Close)
			durable = true
		default:
			e.store = task.NewMemoryStore()
		}
	}

	tc := task.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		TTL:       cfg.TaskTTL,
		Classify:  Classify,
	}
	if e.tuneTasks != nil {
		e.tuneTasks(&tc)
	}
	e.manager = task.NewManager(e.store, e, tc)

	if durable {
		n, err := e.manager.Recover(context.Background())
		if err != nil {
			e.closeAll()
			return nil, fmt.Errorf("recovering tasks: %w", err)
		}
		if n > 0 {
			slog.Warn("engine: recovered interrupted tasks", "count", n)
		}
	}
	e.manager.Start()
	return e, nil
}

func newDetector(dc DetectorConfig) (detect.Detector, error) {
	regex := detect.NewRegex()
	regex.SetThreshold(dc.Threshold)
	for _, p := range dc.Patterns {
		score := p.Score
		if score == 0 {
			score = 0.6
		}
		if err := regex.AddPattern(p.Type, p.Regex, score, p.Languages...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	regex.AddNames(dc.Names...)

	presidio := func() *detect.Presidio {
		opts := []detect.PresidioOption{detect.WithThreshold(dc.Threshold)}
		if dc.Timeout > 0 {
			opts = append(opts, detect.WithTimeout(dc.Timeout))
		}
		if len(dc.Entities) > 0 {
			opts = append(opts, detect.WithEntities(dc.Entities...))
		}
		return detect.NewPresidio(dc.PresidioURL, opts...)
	}

	switch dc.Kind {
	case "presidio":
		return presidio(), nil
	case "chain":
		return detect.Chain{presidio(), regex}, nil
	default:
		return regex, nil
	}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// Formats returns the handler registry.
func (e *Engine) Formats() *format.Registry { return e.formats }

// Supported lists the formats with their extensions and methods.
func (e *Engine) Supported() []FormatInfo {
	var out []FormatInfo
	for _, k := range format.Kinds {
		h, err := e.formats.Get(k)
		if err != nil {
			continue
		}
		out = append(out, FormatInfo{Kind: k, Extensions: e.formats.Extensions(k), Methods: h.Methods()})
	}
	return out
}

// --- task surface ---

// Submit validates the request boundary and queues a task. Problems only a
// run can discover, such as a method the format does not offer or a bad
// PIN, are reported through the task record instead.
func (e *Engine) Submit(ctx context.Context, spec task.Spec) (task.Task, error) {
	if err := e.prepare(&spec); err != nil {
		return task.Task{}, err
	}
	return e.manager.Submit(ctx, spec)
}

// SubmitBatch queues one task per spec under a new batch. One bad spec
// rejects the whole batch.
func (e *Engine) SubmitBatch(ctx context.Context, specs []task.Spec) (task.BatchStatus, error) {
	for i := range specs {
		if err := e.prepare(&specs[i]); err != nil {
			return task.BatchStatus{}, err
		}
	}
	return e.manager.SubmitBatch(ctx, specs)
}

// Redact submits one task and waits for it to finish.
func (e *Engine) Redact(ctx context.Context, spec task.Spec) (task.Task, error) {
	t, err := e.Submit(ctx, spec)
	if err != nil {
		return task.Task{}, err
	}
	return e.manager.Wait(ctx, t.ID)
}

// Task returns a snapshot of a task.
func (e *Engine) Task(ctx context.Context, id string) (task.Task, error) {
	return e.manager.Get(ctx, id)
}

// Batch returns the aggregate status of a batch and its members.
func (e *Engine) Batch(ctx context.Context, id string) (task.BatchStatus, error) {
	return e.manager.Batch(ctx, id)
}

// Wait blocks until the task is terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (task.Task, error) {
	return e.manager.Wait(ctx, id)
}

// WaitBatch waits for every member of a batch.
func (e *Engine) WaitBatch(ctx context.Context, id string) (task.BatchStatus, error) {
	st, err := e.manager.Batch(ctx, id)
	if err != nil {
		return task.BatchStatus{}, err
	}
	for _, tid := range st.TaskIDs {
		if _, err := e.manager.Wait(ctx, tid); err != nil && !errors.Is(err, task.ErrNotFound) {
			return task.BatchStatus{}, err
		}
	}
	return e.manager.Batch(ctx, id)
}

// stateCounter is implemented by stores that count tasks in one query.
type stateCounter interface {
	CountByState(ctx context.Context) (map[task.State]int, error)
}

// TaskCounts returns how many stored tasks are in each state.
func (e *Engine) TaskCounts(ctx context.Context) (map[task.State]int, error) {
	if c, ok := e.store.(stateCounter); ok {
		return c.CountByState(ctx)
	}
	tasks, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[task.State]int{}
	for _, t := range tasks {
		counts[t.State]++
	}
	return counts, nil
}

// Cancel cancels one task. A pending task is removed; a running one fails
// at its next cancellable checkpoint.
func (e *Engine) Cancel(ctx context.Context, id string) (task.Task, error) {
	return e.manager.Cancel(ctx, id)
}

// CancelBatch cancels every unfinished member of a batch.
func (e *Engine) CancelBatch(ctx context.Context, id string) (int, error) {
	n, err := e.manager.CancelBatch(ctx, id)
	if err == nil {
		slog.Info("engine: batch cancel requested", "batch_id", id, "tasks", n)
	}
	return n, err
}

// Cleanup removes finished tasks older than the configured TTL.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	ttl := e.cfg.TaskTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return e.manager.Cleanup(ctx, ttl)
}

// Close stops the workers, drops tasks that never started and closes the
// task store.
func (e *Engine) Close(ctx context.Context) error {
	err := e.manager.Close(ctx)
	if cerr := e.closeAll(); err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) closeAll() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// prepare checks what must hold before a task exists and fills option
// defaults from the config.
func (e *Engine) prepare(spec *task.Spec) error {
	if strings.TrimSpace(spec.InputPath) == "" {
		return fmt.Errorf("%w: input path is required", ErrInvalidOptions)
	}
	if strings.TrimSpace(spec.Method) == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidOptions)
	}
	abs, err := filepath.Abs(spec.InputPath)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("input %s: %w", spec.InputPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidOptions, spec.InputPath)
	}
	if !e.formats.Allowed(abs) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(abs))
	}
	if spec.FileType != "" {
		k, err := format.ParseKind(spec.FileType)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		spec.FileType = string(k)
	}
	spec.InputPath = abs
	spec.Method = strings.ToLower(strings.TrimSpace(spec.Method))

	o := &spec.Options
	if o.Language == "" {
		o.Language = e.cfg.Language
	}
	if o.Color == "" {
		o.Color = e.cfg.Color
	}
	if o.Char == "" {
		o.Char = e.cfg.Char
	}
	if o.PIN == "" {
		o.PIN = e.cfg.Encrypt
	}
	if o.MaskToken == "" {
		o.MaskToken = e.cfg.MaskToken
	}
	if o.MaskStyle == "" {
		o.MaskStyle = e.cfg.MaskStyle
	}
	return nil
}

// --- pipeline ---

// Run executes one task: resolve the handler, check the method, extract,
// detect, plan the edits and write the output.
func (e *Engine) Run(ctx context.Context, t task.Task, progress task.Progress) (task.Outcome, error) {
	start := time.Now()
	h, err := e.formats.Resolve(t.InputPath, format.Kind(t.FileType))
	if err != nil {
		return task.Outcome{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	method, err := strategy.ParseMethod(t.Method)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("%w: %v", ErrUnsupportedMethod, err)
	}
	if !format.Supports(h, method) {
		return task.Outcome{}, fmt.Errorf("%w: %s files support %s, not %s", ErrUnsupportedMethod, h.Kind(), methodList(h.Methods()), method)
	}

	opts := t.Options.Options
	opts.Seed = taskSeed(t)
	strat, err := strategy.New(method, opts)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	handle, text, err := h.Extract(ctx, t.InputPath, format.ExtractOptions{Columns: t.Options.Columns, Sheets: t.Options.Sheets})
	if err != nil {
		return task.Outcome{}, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	defer handle.Close()
	if err := progress(task.ProgressExtracted, fmt.Sprintf("extracted %d segments", len(text))); err != nil {
		return task.Outcome{}, err
	}

	regions, found, err := e.detect(ctx, handle, text, opts.Language)
	if err != nil {
		return task.Outcome{}, err
	}
	if err := progress(task.ProgressDetected, fmt.Sprintf("detected %d entities", found)); err != nil {
		return task.Outcome{}, err
	}

	for _, r := range regions {
		if err := strat.Apply(handle, r); err != nil {
			if errors.Is(err, strategy.ErrUnsupportedMethod) {
				return task.Outcome{}, fmt.Errorf("%w: %v", ErrUnsupportedMethod, err)
			}
			return task.Outcome{}, fmt.Errorf("%w: planning %s: %v", ErrReconstruction, r, err)
		}
	}
	if err := progress(task.ProgressPlanned, fmt.Sprintf("planned %d edits", handle.Edits())); err != nil {
		return task.Outcome{}, err
	}

	out, err := e.outputPath(t, method, opts)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("%w: %v", ErrReconstruction, err)
	}
	defer e.names.release(out)

	// The write runs to completion even if the task is cancelled meanwhile.
	written, err := handle.Reconstruct(context.WithoutCancel(ctx), out)
	if err != nil {
		var partial *format.PartialError
		if errors.As(err, &partial) && written != "" {
			return task.Outcome{
				Outputs: []string{written},
				Message: fmt.Sprintf("redacted %s, failed %s", strings.Join(partial.Done, ", "), strings.Join(partial.Failed, ", ")),
			}, fmt.Errorf("%w: %v", ErrReconstruction, err)
		}
		return task.Outcome{}, fmt.Errorf("%w: %v", ErrReconstruction, err)
	}
	_ = progress(task.ProgressDone, "")

	slog.Debug("engine: redacted",
		"task_id", t.ID,
		"format", h.Kind(),
		"method", method,
		"entities", found,
		"regions", len(regions),
		"output", written,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return task.Outcome{
		Outputs: []string{written},
		Message: fmt.Sprintf("redacted %d regions of %d entities", len(regions), found),
	}, nil
}

// detect finds entities in the handle's text, or in its pixels for raster
// formats, and maps them to regions.
func (e *Engine) detect(ctx context.Context, h format.Handle, text pii.FlattenedText, language string) ([]pii.Region, int, error) {
	if r, ok := h.(format.Raster); ok {
		if e.images == nil {
			return nil, 0, fmt.Errorf("%w: OCR is disabled", ErrDetectionUnavailable)
		}
		ents, err := e.images.DetectImage(ctx, r.Encoded(), language)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrDetectionUnavailable, err)
		}
		return locate.Boxes(ents, e.policy), len(ents), nil
	}

	index := pii.NewOffsetIndex(text)
	if index.Len() == 0 {
		return nil, 0, nil
	}
	ents, err := e.detector.Detect(ctx, text.String(), language)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDetectionUnavailable, err)
	}
	return locate.Locate(ents, index, h, e.policy), len(ents), nil
}

func (e *Engine) outputPath(t task.Task, method strategy.Method, opts strategy.Options) (string, error) {
	if t.Options.Output != "" {
		return t.Options.Output, nil
	}
	return e.names.reserve(e.cfg.OutputDir, OutputName(t.InputPath, method, opts))
}

// taskSeed makes fake values reproducible within a task and different
// across tasks unless a seed was given.
func taskSeed(t task.Task) uint64 {
	if t.Options.Seed != 0 {
		return t.Options.Seed
	}
	sum := sha256.Sum256([]byte(t.ID))
	return binary.BigEndian.Uint64(sum[:8])
}

func methodList(ms []strategy.Method) string {
	s := make([]string, len(ms))
	for i, m := range ms {
		s[i] = string(m)
	}
	return strings.Join(s, ", ")
}
