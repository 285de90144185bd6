// Package task defines the unit of work moved through a queue: an id, a
// timeout, and a reference to a registered function with its arguments.
// A task is value-immutable once enqueued; all state lives in the queue's
// index structures.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrInvalidTaskData = errors.New("invalid task data")

// Task represents a unit of work in the queue. The id is assigned by the
// queue at enqueue time; producers leave it zero.
type Task struct {
	ID      uint64         `json:"id"`
	Func    string         `json:"func"`
	Args    []any          `json:"args,omitempty"`
	KWArgs  map[string]any `json:"kwargs,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty"` // 0 means the worker default applies

	// raw holds the exact serialized form this task was read from or
	// written to the store as. Release and requeue match on these bytes.
	raw []byte
}

// New creates a task for a registered function with positional arguments.
func New(funcName string, args ...any) *Task {
	return &Task{
		Func: funcName,
		Args: args,
	}
}

// WithKWArgs sets the keyword arguments and returns the task.
func (t *Task) WithKWArgs(kwargs map[string]any) *Task {
	t.KWArgs = kwargs
	return t
}

// WithTimeout sets the per-task timeout and returns the task.
func (t *Task) WithTimeout(d time.Duration) *Task {
	t.Timeout = d
	return t
}

// Serialize marshals the task to its wire form and remembers the bytes.
func (t *Task) Serialize() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	t.raw = data
	return data, nil
}

// Raw returns the serialized form the task was last read or written as,
// serializing on first use.
func (t *Task) Raw() ([]byte, error) {
	if t.raw != nil {
		return t.raw, nil
	}
	return t.Serialize()
}

// Deserialize parses a task from its wire form, keeping the original bytes.
func Deserialize(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, ErrInvalidTaskData
	}
	t.raw = data
	return &t, nil
}
