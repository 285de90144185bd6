// Package queue implements the enqueue/dequeue/release/requeue protocol over
// five Redis keys per queue name:
//
//	<name>          list       serialized tasks, RPUSH on enqueue, LPOP on dequeue
//	<name>_noti     list       one sentinel per queued task, blocking wake-up channel
//	<name>_id       string     atomic task id counter
//	<name>_enqueued sorted set serialized task -> enqueue timestamp
//	<name>_dequeued sorted set serialized task -> dequeue timestamp
//
// The serialized task blob is the sorted-set member, so an id in _dequeued is
// always enough to reconstruct the full task at requeue time. Enqueue's
// writes are a single pipelined round-trip (preceded by an INCR when the task
// has no id yet); dequeue, requeue and the sweeper's repairs run
// as server-side scripts, so a killed worker leaves the keys in one of the
// partial states the sweeper recognizes.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keakon/delayed/internal/config"
	"github.com/keakon/delayed/internal/task"
)

const notiSentinel = "1"

// Queue is a named task queue backed by a shared Redis client.
type Queue struct {
	client      *redis.Client
	name        string
	notiKey     string
	idKey       string
	enqueuedKey string
	dequeuedKey string
}

// New creates a queue over an existing Redis client.
func New(client *redis.Client, name string) *Queue {
	return &Queue{
		client:      client,
		name:        name,
		notiKey:     name + "_noti",
		idKey:       name + "_id",
		enqueuedKey: name + "_enqueued",
		dequeuedKey: name + "_dequeued",
	}
}

// NewClient creates a Redis client from config and verifies the connection.
func NewClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Client returns the underlying Redis client for direct access.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Enqueue assigns the task an id if it has none, then appends it to the
// queue, appends a wake-up sentinel, and records the enqueue timestamp, all
// in one pipelined round-trip. The writes are not transactional; the sweeper
// restores consistency if they are interrupted.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	if t.ID == 0 {
		id, err := q.client.Incr(ctx, q.idKey).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate task id: %w", err)
		}
		t.ID = uint64(id)
	}

	data, err := t.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	now := float64(time.Now().Unix())
	pipe := q.client.Pipeline()
	pipe.RPush(ctx, q.name, data)
	pipe.RPush(ctx, q.notiKey, notiSentinel)
	pipe.ZAdd(ctx, q.enqueuedKey, redis.Z{Score: now, Member: string(data)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

// Dequeue blocks up to wait for a wake-up sentinel, then atomically pops the
// queue head, moving its record from _enqueued to _dequeued. Returns nil
// without error when the wait expires, and also when the sentinel outran the
// queue (a valid transient caused by the sweeper's notification refill).
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*task.Task, error) {
	if _, err := q.client.BLPop(ctx, wait, q.notiKey).Result(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to wait for task: %w", err)
	}

	now := float64(time.Now().Unix())
	raw, err := dequeueScript.Run(ctx, q.client,
		[]string{q.name, q.enqueuedKey, q.dequeuedKey}, now).Text()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}

	t, err := task.Deserialize([]byte(raw))
	if err != nil {
		// The blob is already parked in _dequeued; hand its bytes back so
		// the caller can release it instead of leaking it to the sweeper.
		return nil, &BadTaskError{Raw: []byte(raw), Err: err}
	}

	return t, nil
}

// BadTaskError reports a dequeued blob that could not be deserialized. Raw
// carries the bytes so the caller can still release the slot.
type BadTaskError struct {
	Raw []byte
	Err error
}

func (e *BadTaskError) Error() string {
	return fmt.Sprintf("dequeued undeserializable task: %v", e.Err)
}

func (e *BadTaskError) Unwrap() error {
	return e.Err
}

// Release removes the task from the in-flight set. Releasing a task that was
// already released is a no-op, so both the child and the monitor may call it.
func (q *Queue) Release(ctx context.Context, t *task.Task) error {
	raw, err := t.Raw()
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}
	return q.ReleaseRaw(ctx, raw)
}

// ReleaseRaw releases by serialized form, for blobs that never deserialized.
func (q *Queue) ReleaseRaw(ctx context.Context, raw []byte) error {
	if err := q.client.ZRem(ctx, q.dequeuedKey, string(raw)).Err(); err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	return nil
}

// Requeue atomically moves an in-flight task back to the queue: removes it
// from _dequeued and, only if it was still there, appends it to the queue
// and _noti and re-adds it to _enqueued with a fresh timestamp. Returns
// whether the task was moved. Used by the sweeper.
func (q *Queue) Requeue(ctx context.Context, t *task.Task) (bool, error) {
	raw, err := t.Raw()
	if err != nil {
		return false, fmt.Errorf("failed to serialize task: %w", err)
	}

	now := float64(time.Now().Unix())
	moved, err := requeueScript.Run(ctx, q.client,
		[]string{q.dequeuedKey, q.name, q.notiKey, q.enqueuedKey},
		now, string(raw)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to requeue task: %w", err)
	}

	return moved == 1, nil
}

// Len returns the number of tasks waiting in the queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// NotiLen returns the number of pending wake-up sentinels.
func (q *Queue) NotiLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.notiKey).Result()
}

// DequeuedLen returns the number of in-flight tasks.
func (q *Queue) DequeuedLen(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dequeuedKey).Result()
}

// RefillNotifications repairs len(_noti) to match len(<name>), appending
// missing sentinels or popping spurious ones. Returns the applied delta.
func (q *Queue) RefillNotifications(ctx context.Context) (int64, error) {
	delta, err := refillScript.Run(ctx, q.client, []string{q.name, q.notiKey}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to refill notifications: %w", err)
	}
	return delta, nil
}

// DequeuedEntry is one in-flight task as recorded in _dequeued.
type DequeuedEntry struct {
	Raw        []byte
	DequeuedAt time.Time
}

// DequeuedBefore returns the in-flight entries dequeued at or before cutoff.
func (q *Queue) DequeuedBefore(ctx context.Context, cutoff time.Time) ([]DequeuedEntry, error) {
	zs, err := q.client.ZRangeByScoreWithScores(ctx, q.dequeuedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan in-flight tasks: %w", err)
	}

	entries := make([]DequeuedEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, DequeuedEntry{
			Raw:        []byte(member),
			DequeuedAt: time.Unix(int64(z.Score), 0),
		})
	}

	return entries, nil
}
