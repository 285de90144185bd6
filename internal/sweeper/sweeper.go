// Package sweeper restores queue invariants after worker crashes. Each cycle
// runs two reconciliations per queue, in order: notification refill first,
// then timeout requeue, so a requeued task's wake-up sentinel is present
// before any worker could re-dequeue it.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keakon/delayed/internal/config"
	"github.com/keakon/delayed/internal/logger"
	"github.com/keakon/delayed/internal/metrics"
	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/task"
)

// Sweeper periodically reconciles a set of queues.
type Sweeper struct {
	queues         []*queue.Queue
	interval       time.Duration
	slack          time.Duration
	defaultTimeout time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// New creates a sweeper over the configured queue names.
func New(client *redis.Client, cfg *config.SweeperConfig) *Sweeper {
	queues := make([]*queue.Queue, 0, len(cfg.Queues))
	for _, name := range cfg.Queues {
		queues = append(queues, queue.New(client, name))
	}
	return &Sweeper{
		queues:         queues,
		interval:       cfg.Interval,
		slack:          cfg.Slack,
		defaultTimeout: cfg.DefaultTimeout,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.sweepLoop(ctx)

	logger.WithComponent("sweeper").Info().
		Dur("interval", s.interval).
		Dur("slack", s.slack).
		Msg("sweeper started")
}

// Stop stops the sweep loop and waits for the current cycle to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logger.WithComponent("sweeper").Info().Msg("sweeper stopped")
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full reconciliation cycle over every queue. Repairs are
// idempotent, so a crashed sweeper simply re-reconciles on restart.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, q := range s.queues {
		log := logger.WithComponent("sweeper")

		delta, err := q.RefillNotifications(ctx)
		if err != nil {
			log.Error().Err(err).Str("queue", q.Name()).Msg("notification refill failed")
			continue
		}
		if delta != 0 {
			metrics.SweeperNotificationsRepaired.WithLabelValues(q.Name()).Add(absFloat(delta))
			log.Info().Str("queue", q.Name()).Int64("delta", delta).Msg("repaired notification length")
		}

		requeued, err := s.requeueLost(ctx, q)
		if err != nil {
			log.Error().Err(err).Str("queue", q.Name()).Msg("timeout requeue failed")
			continue
		}
		if requeued > 0 {
			metrics.SweeperTasksRequeued.WithLabelValues(q.Name()).Add(float64(requeued))
			log.Info().Str("queue", q.Name()).Int("count", requeued).Msg("requeued lost tasks")
		}
	}
}

// requeueLost moves in-flight tasks whose dequeue age exceeds their timeout
// plus slack back onto the queue. The slack keeps tasks that might still be
// running inside their timeout out of reach; a task whose timeout exceeds
// the sweep window may still be requeued while running, which is why tasks
// are expected to be idempotent.
func (s *Sweeper) requeueLost(ctx context.Context, q *queue.Queue) (int, error) {
	now := time.Now()
	entries, err := q.DequeuedBefore(ctx, now.Add(-s.slack))
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, entry := range entries {
		t, err := task.Deserialize(entry.Raw)
		if err != nil {
			logger.WithComponent("sweeper").Warn().
				Str("queue", q.Name()).
				Msg("dropping undeserializable in-flight entry")
			if err := q.ReleaseRaw(ctx, entry.Raw); err != nil {
				return requeued, err
			}
			continue
		}

		timeout := t.Timeout
		if timeout <= 0 {
			timeout = s.defaultTimeout
		}
		if now.Sub(entry.DequeuedAt) <= timeout+s.slack {
			continue
		}

		moved, err := q.Requeue(ctx, t)
		if err != nil {
			return requeued, err
		}
		if moved {
			requeued++
			logger.WithComponent("sweeper").Info().
				Str("queue", q.Name()).
				Uint64("task_id", t.ID).
				Msg("recovered lost task")
		}
	}

	return requeued, nil
}

func absFloat(n int64) float64 {
	if n < 0 {
		return float64(-n)
	}
	return float64(n)
}
