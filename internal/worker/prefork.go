package worker

import (
	"context"
	"time"

	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/task"
)

// PreforkMonitor keeps at most one child alive between tasks, streaming task
// frames to it and reading result frames back. The child releases each task
// itself on the happy path; when the child has to be killed or dies, the
// monitor's unconditional release covers the task, and a replacement child
// is spawned lazily on the next dequeue.
type PreforkMonitor struct {
	*monitor
	child *childProc
}

// NewPreforkMonitor creates a persistent-child monitor over a queue.
func NewPreforkMonitor(q *queue.Queue, opts Options) (*PreforkMonitor, error) {
	m, err := newMonitor(q, "prefork", opts)
	if err != nil {
		return nil, err
	}
	return &PreforkMonitor{monitor: m}, nil
}

// Run supervises tasks until ctx is canceled, then shuts the child down
// cleanly: closing its stdin makes it exit after the frame loop sees EOF.
func (m *PreforkMonitor) Run(ctx context.Context) error {
	m.log.Info().Str("queue", m.queue.Name()).Str("mode", m.mode).Msg("monitor started")
	defer m.shutdownChild()

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

// supervise feeds one task to the persistent child and waits for whichever
// comes first: the reply frame, the child's death, or the task timeout.
func (m *PreforkMonitor) supervise(ctx context.Context, t *task.Task) {
	started := time.Now()

	if m.child == nil {
		proc, err := m.spawnChild()
		if err != nil {
			m.log.Error().Err(err).Uint64("task_id", t.ID).Msg("failed to spawn child")
			m.finishTask(ctx, t, OutcomeDied, nil, nil, started)
			return
		}
		m.child = proc
	}
	proc := m.child

	if err := m.sendTask(proc, t); err != nil {
		// Pipe broken: the child is gone. Kill to be safe and classify as
		// died; the next dequeue spawns a replacement.
		m.log.Error().Err(err).Uint64("task_id", t.ID).Msg("failed to send task")
		m.kill(proc)
		m.reap(proc)
		m.child = nil
		m.finishTask(ctx, t, OutcomeDied, nil, nil, started)
		return
	}

	timer := time.NewTimer(m.taskTimeout(t))
	defer timer.Stop()

	frames := proc.frames
	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if msg.err != nil {
				// Corrupted stream; this child cannot be trusted further.
				m.log.Error().Err(msg.err).Uint64("task_id", t.ID).Msg("bad result frame")
				m.kill(proc)
				m.reap(proc)
				m.child = nil
				m.finishTask(ctx, t, OutcomeDied, nil, nil, started)
				return
			}
			if msg.res.OK {
				m.finishTask(ctx, t, OutcomeSuccess, msg.res, nil, started)
			} else {
				m.finishTask(ctx, t, OutcomeError, msg.res, nil, started)
			}
			return

		case <-proc.done:
			if frames != nil {
				if msg, ok := <-frames; ok && msg.err == nil {
					m.child = nil
					if msg.res.OK {
						m.finishTask(ctx, t, OutcomeSuccess, msg.res, nil, started)
					} else {
						m.finishTask(ctx, t, OutcomeError, msg.res, nil, started)
					}
					return
				}
			}
			m.child = nil
			m.finishTask(ctx, t, OutcomeDied, nil, nil, started)
			return

		case <-timer.C:
			sig := m.kill(proc)
			m.reap(proc)
			m.child = nil
			m.finishTask(ctx, t, OutcomeTimeout, nil, sig, started)
			return
		}
	}
}

// shutdownChild closes the task stream and waits for the child to finish
// cleanly, killing it if the shutdown timeout elapses.
func (m *PreforkMonitor) shutdownChild() {
	proc := m.child
	if proc == nil {
		return
	}
	m.child = nil

	_ = proc.stdin.Close()

	select {
	case <-proc.done:
		m.log.Debug().Msg("child exited cleanly")
	case <-time.After(m.opts.ShutdownTimeout):
		m.log.Warn().Msg("child shutdown timed out, killing")
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
}
