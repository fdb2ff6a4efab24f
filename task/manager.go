package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPanic      = errors.New("task: runner panicked")
	ErrEmptyBatch = errors.New("task: batch has no files")
)

// Progress records a checkpoint of the running task. It returns
// ErrCancelledAfterStart when a cancel was requested and the task has not
// yet reached ProgressPlanned; later checkpoints ignore cancellation so an
// output being written is never cut short.
type Progress func(p float64, message string) error

// Outcome is what a runner produced.
type Outcome struct {
	Outputs []string
	Message string
}

// Runner executes one task end to end. A runner that returns an error
// together with outputs leaves the task PARTIAL.
type Runner interface {
	Run(ctx context.Context, t Task, progress Progress) (Outcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t Task, progress Progress) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, t Task, progress Progress) (Outcome, error) {
	return f(ctx, t, progress)
}

// Config controls the worker pool.
type Config struct {
	// Workers is the number of concurrent tasks. Zero means runtime.NumCPU().
	Workers int
	// QueueSize bounds the pending tasks. Zero means 256.
	QueueSize int
	// TTL is how long finished tasks are kept by the janitor. Zero means 24h.
	TTL time.Duration
	// JanitorInterval is the cleanup period. Zero means hourly, negative
	// disables the janitor.
	JanitorInterval time.Duration
	// Classify maps a task error to a stable kind code.
	Classify func(error) string
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = time.Hour
	}
	if c.Classify == nil {
		c.Classify = DefaultClassify
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// DefaultClassify knows the task package's own sentinels.
func DefaultClassify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelledAfterStart):
		return "CancelledAfterStart"
	case errors.Is(err, ErrInterrupted):
		return "Interrupted"
	}
	return "Internal"
}

// Manager runs tasks from a bounded queue on a fixed pool of workers.
type Manager struct {
	store  Store
	runner Runner
	cfg    Config

	queue  chan string
	stop   chan struct{}
	runCtx context.Context
	abort  context.CancelFunc
	g      errgroup.Group

	// mu serialises submission, dispatch and cancellation of pending tasks
	// so a task is never both started and removed.
	mu      sync.Mutex
	started bool
	closed  bool
	batches map[string]*Batch
	done    map[string]chan struct{}
	// pins holds encryption PINs of unfinished tasks. They are never
	// written to the store.
	pins map[string]string
}

func NewManager(store Store, runner Runner, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		queue:   make(chan string, cfg.QueueSize),
		stop:    make(chan struct{}),
		runCtx:  ctx,
		abort:   cancel,
		batches: map[string]*Batch{},
		done:    map[string]chan struct{}{},
		pins:    map[string]string{},
	}
}

// Start launches the workers and the janitor. It is a no-op when already
// started.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	for range m.cfg.Workers {
		m.g.Go(m.worker)
	}
	if m.cfg.JanitorInterval > 0 {
		m.g.Go(m.janitor)
	}
	slog.Info("task: manager started", "workers", m.cfg.Workers, "queue", m.cfg.QueueSize)
}

// Close stops accepting work and waits for running tasks. When ctx ends
// first, running tasks are asked to stop at their next checkpoint. Tasks
// still pending are removed with their temp files.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	waited := make(chan error, 1)
	go func() { waited <- m.g.Wait() }()
	var err error
	select {
	case err = <-waited:
	case <-ctx.Done():
		slog.Warn("task: shutdown deadline reached, stopping running tasks")
		m.abort()
		err = <-waited
	}
	m.abort()
	m.drainPending()
	return err
}

// Submit creates a pending task and queues it.
func (m *Manager) Submit(ctx context.Context, spec Spec) (Task, error) {
	tasks, err := m.submit(ctx, "", []Spec{spec})
	if err != nil {
		return Task{}, err
	}
	return tasks[0], nil
}

// SubmitBatch creates one task per spec under a new batch. Either all
// tasks are queued or none.
func (m *Manager) SubmitBatch(ctx context.Context, specs []Spec) (BatchStatus, error) {
	if len(specs) == 0 {
		return BatchStatus{}, ErrEmptyBatch
	}
	id := uuid.NewString()
	tasks, err := m.submit(ctx, id, specs)
	if err != nil {
		return BatchStatus{}, err
	}
	st := BatchStatus{ID: id, State: Pending, Tasks: tasks, CreatedAt: tasks[0].CreatedAt}
	st.Counts = Counts{Total: len(tasks), Pending: len(tasks)}
	for _, t := range tasks {
		st.TaskIDs = append(st.TaskIDs, t.ID)
	}
	return st, nil
}

func (m *Manager) submit(ctx context.Context, batchID string, specs []Spec) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if free := cap(m.queue) - len(m.queue); free < len(specs) {
		return nil, fmt.Errorf("%w: %d free slots for %d tasks", ErrQueueFull, free, len(specs))
	}

	now := m.cfg.Now()
	tasks := make([]Task, 0, len(specs))
	for _, s := range specs {
		opts := s.Options
		opts.PIN = ""
		t := Task{
			ID:          uuid.NewString(),
			BatchID:     batchID,
			InputPath:   s.InputPath,
			FileType:    s.FileType,
			Method:      s.Method,
			Options:     opts,
			State:       Pending,
			TempFiles:   s.TempFiles,
			OwnsOutputs: s.OwnsOutputs,
			CreatedAt:   now,
		}
		if err := m.store.Create(ctx, t); err != nil {
			for _, c := range tasks {
				if err := m.store.Delete(context.WithoutCancel(ctx), c.ID); err != nil {
					slog.Warn("task: rollback delete", "task_id", c.ID, "error", err)
				}
				delete(m.pins, c.ID)
			}
			return nil, fmt.Errorf("creating task: %w", err)
		}
		if s.Options.PIN != "" {
			m.pins[t.ID] = s.Options.PIN
		}
		tasks = append(tasks, t.Clone())
	}

	if batchID != "" {
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		m.batches[batchID] = NewBatch(batchID, ids, now)
	}
	for _, t := range tasks {
		m.done[t.ID] = make(chan struct{})
		m.queue <- t.ID
		slog.Debug("task: queued", "task_id", t.ID, "batch_id", batchID, "input", t.InputPath, "method", t.Method)
	}
	return tasks, nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	return m.store.Get(ctx, id)
}

// Batch returns a snapshot of the batch and its member tasks.
func (m *Manager) Batch(ctx context.Context, id string) (BatchStatus, error) {
	m.mu.Lock()
	b, ok := m.batches[id]
	m.mu.Unlock()
	if !ok {
		return BatchStatus{}, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	st := BatchStatus{
		ID:        b.ID,
		State:     b.State(),
		Counts:    b.Counts(),
		TaskIDs:   b.Members(),
		CreatedAt: b.CreatedAt,
	}
	var sum float64
	for _, tid := range st.TaskIDs {
		t, err := m.store.Get(ctx, tid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return BatchStatus{}, err
		}
		sum += t.Progress
		st.Tasks = append(st.Tasks, t)
	}
	if len(st.Tasks) > 0 {
		st.Progress = sum / float64(len(st.Tasks))
	}
	return st, nil
}

// Wait blocks until the task is terminal or removed, then returns its
// final snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	ch, ok := m.done[id]
	m.mu.Unlock()
	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
	}
	return m.store.Get(ctx, id)
}

// Cancel removes a pending task, or flags a running one so it fails at its
// next cancellable checkpoint. Finished tasks cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	t, err := m.store.Get(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return Task{}, err
	}
	switch t.State {
	case Pending:
		if err := m.store.Delete(ctx, id); err != nil {
			m.mu.Unlock()
			return Task{}, err
		}
		m.mu.Unlock()
		if b := m.batchOf(t.BatchID); b != nil {
			if err := b.Withdraw(id); err != nil {
				slog.Warn("task: batch withdraw", "task_id", id, "error", err)
			}
		}
		m.release(id)
		removeFiles(t.TempFiles)
		slog.Info("task: cancelled before start", "task_id", id)
		return t, nil
	case Running:
		m.mu.Unlock()
		t, err := m.store.Update(ctx, id, func(t *Task) error {
			if t.State != Running {
				return fmt.Errorf("%w: task already %s", ErrInvalidTransition, t.State)
			}
			t.Cancel = true
			return nil
		})
		if err == nil {
			slog.Info("task: cancel requested", "task_id", id)
		}
		return t, err
	}
	m.mu.Unlock()
	return t, fmt.Errorf("%w: task already %s", ErrInvalidTransition, t.State)
}

// CancelBatch cancels every unfinished member and returns how many were
// cancelled or flagged.
func (m *Manager) CancelBatch(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	b, ok := m.batches[id]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	n := 0
	for _, tid := range b.Members() {
		_, err := m.Cancel(ctx, tid)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		default:
			return n, err
		}
	}
	return n, nil
}

// batchOf returns the batch of a task, nil for single tasks.
func (m *Manager) batchOf(batchID string) *Batch {
	if batchID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[batchID]
}

// release wakes the waiters of a task. Batch counters are updated first so
// a woken waiter sees them.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, id)
	if ch, ok := m.done[id]; ok {
		close(ch)
		delete(m.done, id)
	}
}

func (m *Manager) worker() error {
	for {
		select {
		case <-m.stop:
			return nil
		case id := <-m.queue:
			m.execute(id)
		}
	}
}

func (m *Manager) execute(id string) {
	ctx := m.runCtx
	m.mu.Lock()
	t, err := m.store.Update(ctx, id, func(t *Task) error {
		return t.Transition(Running, m.cfg.Now())
	})
	t.Options.PIN = m.pins[id]
	m.mu.Unlock()
	if errors.Is(err, ErrNotFound) {
		// Cancelled while queued.
		return
	}
	if err != nil {
		slog.Error("task: dispatch failed", "task_id", id, "error", err)
		return
	}
	slog.Info("task: started", "task_id", id, "input", t.InputPath, "method", t.Method)

	out, runErr := m.run(ctx, t)
	m.finish(t, out, runErr)
}

func (m *Manager) run(ctx context.Context, t Task) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task: runner panic", "task_id", t.ID, "panic", r, "stack", string(debug.Stack()))
			out, err = Outcome{}, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return m.runner.Run(ctx, t, m.progress(t.ID))
}

func (m *Manager) progress(id string) Progress {
	return func(p float64, message string) error {
		t, err := m.store.Update(context.WithoutCancel(m.runCtx), id, func(t *Task) error {
			t.Advance(p)
			if message != "" {
				t.Message = message
			}
			return nil
		})
		if err != nil {
			return err
		}
		if t.Cancel && p < ProgressPlanned {
			return ErrCancelledAfterStart
		}
		return nil
	}
}

func (m *Manager) finish(t Task, out Outcome, runErr error) {
	state := Succeeded
	if runErr != nil {
		state = Failed
		if len(out.Outputs) > 0 {
			state = Partial
		}
	}
	final, err := m.store.Update(context.WithoutCancel(m.runCtx), t.ID, func(t *Task) error {
		if err := t.Transition(state, m.cfg.Now()); err != nil {
			return err
		}
		t.OutputPaths = out.Outputs
		if out.Message != "" {
			t.Message = out.Message
		}
		if runErr != nil {
			t.Error = runErr.Error()
			t.ErrorKind = m.cfg.Classify(runErr)
		}
		return nil
	})
	if err != nil {
		slog.Error("task: recording result", "task_id", t.ID, "error", err)
		final = t
	}
	removeFiles(t.TempFiles)

	if b := m.batchOf(t.BatchID); b != nil {
		if err := b.Report(t.ID, state); err != nil {
			slog.Warn("task: batch report", "task_id", t.ID, "batch_id", t.BatchID, "error", err)
		}
	}
	m.release(t.ID)

	attrs := []any{"task_id", t.ID, "state", state, "outputs", len(out.Outputs), "duration", final.Duration(m.cfg.Now())}
	if runErr != nil {
		slog.Warn("task: finished with error", append(attrs, "error_kind", final.ErrorKind, "error", runErr)...)
		return
	}
	slog.Info("task: completed", attrs...)
}

// drainPending removes tasks left in the queue after the workers stopped.
func (m *Manager) drainPending() {
	ctx := context.Background()
	for {
		select {
		case id := <-m.queue:
			m.mu.Lock()
			t, err := m.store.Get(ctx, id)
			if err != nil || t.State != Pending {
				m.mu.Unlock()
				continue
			}
			if err := m.store.Delete(ctx, id); err != nil {
				slog.Warn("task: dropping pending task", "task_id", id, "error", err)
			}
			m.mu.Unlock()
			if b := m.batchOf(t.BatchID); b != nil {
				if err := b.Withdraw(id); err != nil {
					slog.Warn("task: batch withdraw", "task_id", id, "error", err)
				}
			}
			m.release(id)
			removeFiles(t.TempFiles)
			slog.Debug("task: dropped pending task on shutdown", "task_id", id)
		default:
			return
		}
	}
}

func (m *Manager) janitor() error {
	tick := time.NewTicker(m.cfg.JanitorInterval)
	defer tick.Stop()
	for {
		select {
		case <-m.stop:
			return nil
		case <-tick.C:
			if _, err := m.Cleanup(m.runCtx, m.cfg.TTL); err != nil {
				slog.Warn("task: cleanup failed", "error", err)
			}
		}
	}
}

// Cleanup deletes finished tasks older than olderThan together with their
// temp files and, for tasks that own them, their outputs. It returns the
// number of tasks deleted.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.cfg.Now().Add(-olderThan)
	tasks, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if !t.State.Terminal() || t.FinishedAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, t.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		removeFiles(t.TempFiles)
		if t.OwnsOutputs {
			removeFiles(t.OutputPaths)
		}
		n++
	}

	m.mu.Lock()
	batches := make([]*Batch, 0, len(m.batches))
	for _, b := range m.batches {
		if b.Done() {
			batches = append(batches, b)
		}
	}
	m.mu.Unlock()
	for _, b := range batches {
		if m.anyMember(ctx, b) {
			continue
		}
		m.mu.Lock()
		delete(m.batches, b.ID)
		m.mu.Unlock()
	}
	if n > 0 {
		slog.Info("task: expired tasks removed", "count", n)
	}
	return n, nil
}

func (m *Manager) anyMember(ctx context.Context, b *Batch) bool {
	for _, id := range b.Members() {
		if _, err := m.store.Get(ctx, id); err == nil {
			return true
		}
	}
	return false
}

// Recover repairs tasks left by a previous process: running tasks fail as
// interrupted, pending ones are removed. Batches are rebuilt from the
// remaining members. It returns the number of tasks repaired and should
// run before Start.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	tasks, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	groups := map[string][]Task{}
	var order []string
	for _, t := range tasks {
		switch t.State {
		case Pending:
			if err := m.store.Delete(ctx, t.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return n, err
			}
			removeFiles(t.TempFiles)
			n++
			continue
		case Running:
			fixed, err := m.store.Update(ctx, t.ID, func(t *Task) error {
				if err := t.Transition(Failed, m.cfg.Now()); err != nil {
					return err
				}
				t.Error = ErrInterrupted.Error()
				t.ErrorKind = m.cfg.Classify(ErrInterrupted)
				return nil
			})
			if err != nil {
				return n, err
			}
			removeFiles(t.TempFiles)
			t = fixed
			n++
		}
		if t.BatchID != "" {
			if _, ok := groups[t.BatchID]; !ok {
				order = append(order, t.BatchID)
			}
			groups[t.BatchID] = append(groups[t.BatchID], t)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range order {
		if _, ok := m.batches[id]; ok {
			continue
		}
		members := groups[id]
		ids := make([]string, len(members))
		for i, t := range members {
			ids[i] = t.ID
		}
		b := NewBatch(id, ids, members[0].CreatedAt)
		for _, t := range members {
			if !t.State.Terminal() {
				continue
			}
			if err := b.Report(t.ID, t.State); err != nil {
				slog.Warn("task: batch report", "task_id", t.ID, "batch_id", id, "error", err)
			}
		}
		m.batches[id] = b
	}
	if n > 0 {
		slog.Info("task: recovered tasks from previous run", "count", n, "batches", len(order))
	}
	return n, nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("task: removing file", "path", p, "error", err)
		}
	}
}
