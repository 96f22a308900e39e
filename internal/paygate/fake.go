package paygate

import (
	"context"
	"sync"
)

// Fake is an in-memory Gateway for tests.
type Fake struct {
	mu       sync.Mutex
	tasks    map[string]TaskState
	broken   map[string]error
	captured map[string]int

	// FailCapture makes TriggerCapture fail until cleared.
	FailCapture error
}

// NewFake creates an empty fake payment gateway.
func NewFake() *Fake {
	return &Fake{
		tasks:    make(map[string]TaskState),
		broken:   make(map[string]error),
		captured: make(map[string]int),
	}
}

// SetTaskError makes TaskStatus fail for one task.
func (f *Fake) SetTaskError(taskID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken[taskID] = err
}

// SetTask installs or replaces a task state.
func (f *Fake) SetTask(taskID string, state TaskState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskID] = state
}

func (f *Fake) TaskStatus(_ context.Context, taskID string) (*TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.broken[taskID]; err != nil {
		return nil, err
	}
	state, ok := f.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := state
	return &cp, nil
}

func (f *Fake) TriggerCapture(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCapture != nil {
		return f.FailCapture
	}
	if _, ok := f.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	f.captured[taskID]++
	return nil
}

// Captures reports how many capture calls a task received.
func (f *Fake) Captures(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captured[taskID]
}

var _ Gateway = (*Fake)(nil)
