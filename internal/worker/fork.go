package worker

import (
	"context"
	"time"

	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/task"
)

// ForkMonitor spawns a fresh child process for every task. The child
// executes the task, reports its result, releases, and exits; the monitor
// reaps it and releases again as a safety net. No state survives between
// tasks.
type ForkMonitor struct {
	*monitor
}

// NewForkMonitor creates a per-task-fork monitor over a queue.
func NewForkMonitor(q *queue.Queue, opts Options) (*ForkMonitor, error) {
	m, err := newMonitor(q, "fork", opts)
	if err != nil {
		return nil, err
	}
	return &ForkMonitor{monitor: m}, nil
}

// Run supervises tasks until ctx is canceled. A cancellation mid-task lets
// the current supervision cycle finish before returning.
func (m *ForkMonitor) Run(ctx context.Context) error {
	m.log.Info().Str("queue", m.queue.Name()).Str("mode", m.mode).Msg("monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("monitor stopped")
			return nil
		default:
		}

		t, err := m.dequeueOne(ctx)
		if err != nil {
			m.log.Info().Msg("monitor stopped")
			return nil
		}
		if t == nil {
			continue
		}

		m.supervise(ctx, t)
	}
}

// supervise runs one task in a fresh child. The single task frame is written
// and stdin closed immediately, so the child exits on EOF after reporting.
func (m *ForkMonitor) supervise(ctx context.Context, t *task.Task) {
	started := time.Now()

	proc, err := m.spawnChild()
	if err != nil {
		m.log.Error().Err(err).Uint64("task_id", t.ID).Msg("failed to spawn child")
		m.finishTask(ctx, t, OutcomeDied, nil, nil, started)
		return
	}

	if err := m.sendTask(proc, t); err != nil {
		m.log.Error().Err(err).Uint64("task_id", t.ID).Msg("failed to send task")
		m.kill(proc)
		m.reap(proc)
		m.finishTask(ctx, t, OutcomeDied, nil, nil, started)
		return
	}
	_ = proc.stdin.Close()

	timer := time.NewTimer(m.taskTimeout(t))
	defer timer.Stop()

	frames := proc.frames
	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				// Output exhausted without a result; the wait result decides.
				frames = nil
				continue
			}
			if msg.err != nil {
				m.log.Error().Err(msg.err).Uint64("task_id", t.ID).Msg("bad result frame")
				m.kill(proc)
				m.reap(proc)
				m.finishTask(ctx, t, OutcomeDied, nil, nil, started)
				return
			}
			m.reap(proc)
			if msg.res.OK {
				m.finishTask(ctx, t, OutcomeSuccess, msg.res, nil, started)
			} else {
				m.finishTask(ctx, t, OutcomeError, msg.res, nil, started)
			}
			return

		case <-proc.done:
			// The child may have reported just before exiting; the pipe
			// drains even after death, so prefer a buffered result.
			if frames != nil {
				if msg, ok := <-frames; ok && msg.err == nil {
					if msg.res.OK {
						m.finishTask(ctx, t, OutcomeSuccess, msg.res, nil, started)
					} else {
						m.finishTask(ctx, t, OutcomeError, msg.res, nil, started)
					}
					return
				}
			}
			m.finishTask(ctx, t, OutcomeDied, nil, nil, started)
			return

		case <-timer.C:
			sig := m.kill(proc)
			m.reap(proc)
			m.finishTask(ctx, t, OutcomeTimeout, nil, sig, started)
			return
		}
	}
}
