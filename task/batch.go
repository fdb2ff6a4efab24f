package task

import (
	"fmt"
	"sync"
	"time"
)

// Counts aggregates the member states of a batch.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Partial   int `json:"partial"`
	Cancelled int `json:"cancelled"`
}

// Batch is an ordered group of tasks with aggregate counters. Members
// report their terminal state exactly once; the batch never changes a
// member task.
type Batch struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	members  []string
	index    map[string]int
	reported map[string]State
	removed  map[string]bool
	counts   Counts
}

func NewBatch(id string, members []string, now time.Time) *Batch {
	b := &Batch{
		ID:        id,
		CreatedAt: now,
		members:   append([]string(nil), members...),
		index:     make(map[string]int, len(members)),
		reported:  map[string]State{},
		removed:   map[string]bool{},
	}
	for i, m := range members {
		b.index[m] = i
	}
	b.counts.Total = len(members)
	b.counts.Pending = len(members)
	return b
}

// Members returns the member task ids in submission order.
func (b *Batch) Members() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.members...)
}

// Report records the terminal state of a member.
func (b *Batch) Report(taskID string, s State) error {
	if !s.Terminal() {
		return fmt.Errorf("%w: report of non-terminal state %s", ErrInvalidTransition, s)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(taskID); err != nil {
		return err
	}
	b.reported[taskID] = s
	b.counts.Pending--
	switch s {
	case Succeeded:
		b.counts.Succeeded++
	case Failed:
		b.counts.Failed++
	case Partial:
		b.counts.Partial++
	}
	return nil
}

// Withdraw records a member that was cancelled before it started.
func (b *Batch) Withdraw(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(taskID); err != nil {
		return err
	}
	b.removed[taskID] = true
	b.counts.Pending--
	b.counts.Cancelled++
	return nil
}

func (b *Batch) checkLocked(taskID string) error {
	if _, ok := b.index[taskID]; !ok {
		return fmt.Errorf("%w: %s in batch %s", ErrNotMember, taskID, b.ID)
	}
	if _, ok := b.reported[taskID]; ok || b.removed[taskID] {
		return fmt.Errorf("%w: %s", ErrDuplicateReport, taskID)
	}
	return nil
}

func (b *Batch) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Done reports whether every member has finished or been withdrawn.
func (b *Batch) Done() bool {
	return b.Counts().Pending == 0
}

// State is the aggregate state. Once all members are done it is SUCCEEDED
// if all succeeded and FAILED if none produced output. Mixed outcomes give
// PARTIAL.
func (b *Batch) State() State {
	c := b.Counts()
	finished := c.Succeeded + c.Failed + c.Partial
	switch {
	case c.Pending > 0 && finished == 0:
		return Pending
	case c.Pending > 0:
		return Running
	case finished == 0:
		// Every member was withdrawn.
		return Failed
	case c.Succeeded == finished:
		return Succeeded
	case c.Succeeded == 0 && c.Partial == 0:
		return Failed
	}
	return Partial
}

// BatchStatus is a snapshot of a batch with its member tasks. Withdrawn
// members are absent from Tasks.
type BatchStatus struct {
	ID        string    `json:"batch_id"`
	State     State     `json:"state"`
	Counts    Counts    `json:"counts"`
	Progress  float64   `json:"progress"`
	TaskIDs   []string  `json:"task_ids"`
	Tasks     []Task    `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
}
