// Package worker implements the supervision side of the queue: a monitor
// process dequeues tasks and hands each one to a child process, so that
// killing the executor at any instant never destabilizes the supervisor.
// Two variants exist: ForkMonitor spawns a fresh child per task, and
// PreforkMonitor keeps one child alive between tasks behind a framed pipe.
//
// The load-bearing rule both variants preserve: release happens in the child
// on the happy path, in the monitor on the killed path, and is idempotent.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keakon/delayed/internal/config"
	"github.com/keakon/delayed/internal/logger"
	"github.com/keakon/delayed/internal/metrics"
	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/task"
)

// Outcome classifies one supervised task execution.
type Outcome int

const (
	OutcomeSuccess Outcome = iota // child reported ok
	OutcomeError                  // child reported a task error
	OutcomeTimeout                // task timeout elapsed, child killed
	OutcomeDied                   // child died without reporting
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeDied:
		return "died"
	default:
		return "unknown"
	}
}

// SuccessHandler is called in the monitor on an observed success, with the
// child's result payload.
type SuccessHandler func(t *task.Task, result []byte)

// ErrorHandler is called in the monitor on an observed failure. At least one
// of killSignal and errInfo is populated: the signal when the child was
// killed on timeout, the error info when the child reported a task error.
type ErrorHandler func(t *task.Task, killSignal os.Signal, errInfo *ErrorInfo)

// Options configures a monitor.
type Options struct {
	ID              string
	DequeueWait     time.Duration
	KillGrace       time.Duration
	DefaultTimeout  time.Duration
	ShutdownTimeout time.Duration
	OnSuccess       SuccessHandler
	OnError         ErrorHandler

	// ChildCommand is the argv used to spawn the child runner. Defaults to
	// re-executing the current binary with -child.
	ChildCommand []string
	// ChildEnv is appended to the child's environment.
	ChildEnv []string
}

// OptionsFromConfig builds monitor options from the worker config section.
func OptionsFromConfig(cfg *config.WorkerConfig) Options {
	return Options{
		ID:              cfg.ID,
		DequeueWait:     cfg.DequeueWait,
		KillGrace:       cfg.KillGrace,
		DefaultTimeout:  cfg.DefaultTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

const dequeueBackoff = time.Second

// monitor carries the supervision machinery shared by both variants.
type monitor struct {
	id    string
	mode  string
	queue *queue.Queue
	opts  Options
	log   zerolog.Logger
}

func newMonitor(q *queue.Queue, mode string, opts Options) (*monitor, error) {
	if opts.ID == "" {
		opts.ID = fmt.Sprintf("monitor-%s", uuid.New().String()[:8])
	}
	if len(opts.ChildCommand) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		opts.ChildCommand = []string{exe, "-child"}
	}
	if opts.DequeueWait <= 0 {
		opts.DequeueWait = 2 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	return &monitor{
		id:    opts.ID,
		mode:  mode,
		queue: q,
		opts:  opts,
		log:   logger.WithWorker(opts.ID),
	}, nil
}

// ID returns the monitor's instance id.
func (m *monitor) ID() string {
	return m.id
}

func (m *monitor) taskTimeout(t *task.Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return m.opts.DefaultTimeout
}

// dequeueOne pulls the next task, absorbing transient failures. A nil task
// with a nil error means "nothing to do this iteration".
func (m *monitor) dequeueOne(ctx context.Context) (*task.Task, error) {
	t, err := m.queue.Dequeue(ctx, m.opts.DequeueWait)
	if err != nil {
		if bad, ok := err.(*queue.BadTaskError); ok {
			// The blob is parked in the in-flight set; free the slot so the
			// sweeper never loops on it.
			m.log.Error().Err(bad).Msg("dropping undeserializable task")
			releaseCtx := context.WithoutCancel(ctx)
			if rerr := m.queue.ReleaseRaw(releaseCtx, bad.Raw); rerr != nil {
				m.log.Error().Err(rerr).Msg("failed to release bad task")
			}
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.log.Error().Err(err).Msg("dequeue failed")
		select {
		case <-time.After(dequeueBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	}
	if t != nil {
		metrics.TasksDequeued.WithLabelValues(m.queue.Name()).Inc()
	}
	return t, nil
}

// finishTask releases the task and invokes the configured handler. The
// release is unconditional: on the happy path the child already released and
// this is a no-op; on every kill path it is the safety net.
func (m *monitor) finishTask(ctx context.Context, t *task.Task, out Outcome, res *Result, sig os.Signal, started time.Time) {
	releaseCtx := context.WithoutCancel(ctx)
	if err := m.queue.Release(releaseCtx, t); err != nil {
		m.log.Error().Err(err).Uint64("task_id", t.ID).Msg("release failed")
	}

	metrics.TasksCompleted.WithLabelValues(m.queue.Name(), out.String()).Inc()
	metrics.TaskDuration.WithLabelValues(m.queue.Name()).Observe(time.Since(started).Seconds())

	switch out {
	case OutcomeSuccess:
		m.log.Info().Uint64("task_id", t.ID).Str("func", t.Func).Msg("task succeeded")
		if m.opts.OnSuccess != nil {
			m.invokeSuccess(t, res)
		}
	case OutcomeError:
		m.log.Warn().Uint64("task_id", t.ID).Str("func", t.Func).
			Str("error", res.Err.Message).Msg("task failed")
		if m.opts.OnError != nil {
			m.invokeError(t, nil, res.Err)
		}
	case OutcomeTimeout:
		m.log.Warn().Uint64("task_id", t.ID).Str("func", t.Func).
			Str("signal", sig.String()).Msg("task timed out, child killed")
		if m.opts.OnError != nil {
			m.invokeError(t, sig, nil)
		}
	case OutcomeDied:
		m.log.Error().Uint64("task_id", t.ID).Str("func", t.Func).Msg("child died unexpectedly")
		if m.opts.OnError != nil {
			m.invokeError(t, nil, &ErrorInfo{Type: "died", Message: "child process died before reporting a result"})
		}
	}
}

// Handlers may panic; the monitor catches and logs, never propagates.
func (m *monitor) invokeSuccess(t *task.Task, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Uint64("task_id", t.ID).Interface("panic", r).Msg("success handler panicked")
		}
	}()
	m.opts.OnSuccess(t, res.Value)
}

func (m *monitor) invokeError(t *task.Task, sig os.Signal, errInfo *ErrorInfo) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Uint64("task_id", t.ID).Interface("panic", r).Msg("error handler panicked")
		}
	}()
	m.opts.OnError(t, sig, errInfo)
}

// frameMsg is one decoded reply from the child's output pipe.
type frameMsg struct {
	res *Result
	err error
}

// childProc is a spawned child runner with its supervision channels. The
// pipes are created manually so that reaping the process never races the
// frame reader.
type childProc struct {
	cmd    *exec.Cmd
	stdin  *os.File
	frames chan frameMsg // closed when the output pipe is exhausted
	done   chan error    // receives the cmd.Wait result exactly once
}

// spawnChild starts one child runner with a framed stdin/stdout pipe pair.
func (m *monitor) spawnChild() (*childProc, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	cmd := exec.Command(m.opts.ChildCommand[0], m.opts.ChildCommand[1:]...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), m.opts.ChildEnv...)

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to start child: %w", err)
	}

	// The child holds its own copies now.
	inR.Close()
	outW.Close()

	proc := &childProc{
		cmd:    cmd,
		stdin:  inW,
		frames: make(chan frameMsg, 1),
		done:   make(chan error, 1),
	}

	go func() {
		defer close(proc.frames)
		for {
			body, err := ReadFrame(outR)
			if err != nil {
				outR.Close()
				return
			}
			res, err := DecodeResult(body)
			proc.frames <- frameMsg{res: res, err: err}
		}
	}()

	go func() {
		proc.done <- cmd.Wait()
	}()

	metrics.ChildSpawns.WithLabelValues(m.queue.Name(), m.mode).Inc()
	m.log.Debug().Int("pid", cmd.Process.Pid).Msg("child started")

	return proc, nil
}

// sendTask writes one task frame to the child.
func (m *monitor) sendTask(proc *childProc, t *task.Task) error {
	raw, err := t.Raw()
	if err != nil {
		return err
	}
	return WriteFrame(proc.stdin, raw)
}

// kill terminates an unresponsive child: soft signal first, then a hard kill
// after the grace period. Returns the last signal delivered. The caller owns
// draining proc.done.
func (m *monitor) kill(proc *childProc) os.Signal {
	_ = proc.stdin.Close()

	sig := os.Signal(syscall.SIGTERM)
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return sig
	}

	select {
	case err := <-proc.done:
		// Re-queue the wait result for the caller's drain.
		proc.done <- err
	case <-time.After(m.opts.KillGrace):
		sig = syscall.SIGKILL
		_ = proc.cmd.Process.Kill()
	}

	metrics.ChildKills.WithLabelValues(m.queue.Name(), sig.String()).Inc()
	return sig
}

// reap waits for the child to exit, escalating to a kill if it outlives the
// grace period. The monitor never returns from a supervision cycle while a
// child it spawned is still running.
func (m *monitor) reap(proc *childProc) {
	select {
	case <-proc.done:
	case <-time.After(m.opts.KillGrace):
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
}
