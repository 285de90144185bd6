package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/keakon/delayed/internal/logger"
	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/task"
)

// Child executes tasks received as frames on its input and reports results
// as frames on its output. The same loop serves both monitor variants: the
// per-task monitor closes the input after one task so the loop exits on EOF,
// while the prefork monitor keeps streaming tasks.
//
// The child owns exactly one write to the store: the release of the task it
// just reported. The result frame is written before the release so the
// monitor can act on the outcome even if the release never happens; the
// monitor's own unconditional release covers that gap.
type Child struct {
	queue    *queue.Queue
	registry *task.Registry
	in       io.Reader
	out      io.Writer
}

// NewChild creates a child runner reading tasks from in and replying on out.
func NewChild(q *queue.Queue, registry *task.Registry, in io.Reader, out io.Writer) *Child {
	return &Child{
		queue:    q,
		registry: registry,
		in:       in,
		out:      out,
	}
}

// Run processes tasks until the input reaches EOF. A child runner never
// spawns further processes.
func (c *Child) Run(ctx context.Context) error {
	for {
		body, err := ReadFrame(c.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read task frame: %w", err)
		}

		res := c.execute(ctx, body)

		payload, err := EncodeResult(res)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if err := WriteFrame(c.out, payload); err != nil {
			return fmt.Errorf("failed to write result frame: %w", err)
		}

		// Release after reporting. If we die between the two, the monitor
		// releases on our behalf; release is idempotent either way.
		if err := c.queue.ReleaseRaw(ctx, body); err != nil {
			logger.WithComponent("child").Error().Err(err).Msg("release failed")
		}
	}
}

// execute runs one serialized task. Deserialization failures, unknown
// functions, handler errors and handler panics are all task errors reported
// on the error path; none of them abort the child.
func (c *Child) execute(ctx context.Context, body []byte) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			res = &Result{OK: false, Err: &ErrorInfo{
				Type:    "panic",
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}}
		}
	}()

	t, err := task.Deserialize(body)
	if err != nil {
		return &Result{OK: false, Err: &ErrorInfo{Type: "deserialize", Message: err.Error()}}
	}

	log := logger.WithTask(t.ID)

	handler, err := c.registry.Resolve(t.Func)
	if err != nil {
		log.Warn().Str("func", t.Func).Msg("unknown function")
		return &Result{OK: false, Err: &ErrorInfo{Type: "resolve", Message: err.Error()}}
	}

	value, err := handler(ctx, t)
	if err != nil {
		log.Error().Err(err).Str("func", t.Func).Msg("task failed")
		return &Result{OK: false, Err: &ErrorInfo{Type: "error", Message: err.Error()}}
	}

	var raw json.RawMessage
	if value != nil {
		raw, err = json.Marshal(value)
		if err != nil {
			return &Result{OK: false, Err: &ErrorInfo{Type: "result", Message: err.Error()}}
		}
	}

	log.Debug().Str("func", t.Func).Msg("task executed")
	return &Result{OK: true, Value: raw}
}
