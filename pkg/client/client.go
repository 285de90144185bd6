package client

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/keakon/delayed/internal/metrics"
	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/task"
)

// Task is the unit of work submitted to a queue.
type Task = task.Task

// NewTask creates a task for a registered function with positional
// arguments; chain WithKWArgs and WithTimeout to refine it.
func NewTask(funcName string, args ...any) *Task {
	return task.New(funcName, args...)
}

// Client is the producer-side handle on one queue. It talks to the data
// store directly; no broker process sits in between.
type Client struct {
	rdb   *redis.Client
	queue *queue.Queue
	opts  *options
}

// New connects to Redis and binds a client to the named queue.
func New(redisAddr, queueName string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: o.password,
		DB:       o.db,
		PoolSize: o.poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), o.dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:   rdb,
		queue: queue.New(rdb, queueName),
		opts:  o,
	}, nil
}

// Enqueue submits a call to a named function with positional arguments and
// returns the task with its assigned id.
func (c *Client) Enqueue(ctx context.Context, funcName string, args ...any) (*task.Task, error) {
	t := task.New(funcName, args...)
	if c.opts.defaultTimeout > 0 {
		t.Timeout = c.opts.defaultTimeout
	}
	if err := c.EnqueueTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// EnqueueTask submits a prepared task, honoring any timeout or keyword
// arguments already set on it.
func (c *Client) EnqueueTask(ctx context.Context, t *task.Task) error {
	if err := c.queue.Enqueue(ctx, t); err != nil {
		return err
	}
	metrics.TasksEnqueued.WithLabelValues(c.queue.Name()).Inc()
	return nil
}

// QueueLen returns the number of tasks waiting in the queue.
func (c *Client) QueueLen(ctx context.Context) (int64, error) {
	return c.queue.Len(ctx)
}

// InFlight returns the number of dequeued, unreleased tasks.
func (c *Client) InFlight(ctx context.Context) (int64, error) {
	return c.queue.DequeuedLen(ctx)
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
