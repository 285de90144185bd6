//go:build integration
// +build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keakon/delayed/internal/config"
	"github.com/keakon/delayed/internal/logger"
	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/sweeper"
	"github.com/keakon/delayed/internal/task"
)

func init() {
	logger.Init("error", false)
}

// setupQueue connects to a real Redis (DB 15) and wipes the test queue keys.
func setupQueue(t *testing.T) (*redis.Client, *queue.Queue) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	keys := []string{"itest", "itest_noti", "itest_id", "itest_enqueued", "itest_dequeued"}
	require.NoError(t, client.Del(ctx, keys...).Err())
	t.Cleanup(func() {
		client.Del(context.Background(), keys...)
		client.Close()
	})

	return client, queue.New(client, "itest")
}

func newSweeper(client *redis.Client, slack time.Duration) *sweeper.Sweeper {
	return sweeper.New(client, &config.SweeperConfig{
		Queues:         []string{"itest"},
		Interval:       time.Second,
		Slack:          slack,
		DefaultTimeout: 5 * time.Second,
	})
}

// ageInFlight backdates every in-flight record, standing in for a monitor
// that dequeued and then crashed long ago.
func ageInFlight(t *testing.T, client *redis.Client, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	members, err := client.ZRange(ctx, "itest_dequeued", 0, -1).Result()
	require.NoError(t, err)
	score := float64(time.Now().Add(-age).Unix())
	for _, m := range members {
		require.NoError(t, client.ZAdd(ctx, "itest_dequeued", redis.Z{Score: score, Member: m}).Err())
	}
}

func TestLifecycle_EnqueueDequeueRelease(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	in := task.New("demo.add", 1, 2).WithTimeout(10 * time.Second)
	require.NoError(t, q.Enqueue(ctx, in))
	assert.Equal(t, uint64(1), in.ID)

	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, "demo.add", out.Func)

	require.NoError(t, q.Release(ctx, out))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	inflight, err := q.DequeuedLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)
}

func TestLifecycle_BlockingDequeueWakesOnEnqueue(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	resultCh := make(chan *task.Task, 1)
	go func() {
		out, err := q.Dequeue(ctx, 5*time.Second)
		if err == nil {
			resultCh <- out
		}
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))

	select {
	case out := <-resultCh:
		require.NotNil(t, out)
		assert.Equal(t, uint64(1), out.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked dequeue was not woken by enqueue")
	}
}

func TestLifecycle_CrashRecovery(t *testing.T) {
	client, q := setupQueue(t)
	ctx := context.Background()

	// A monitor dequeues and "crashes": the task sits in _dequeued only.
	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop").WithTimeout(2*time.Second)))
	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, out)
	ageInFlight(t, client, time.Minute)

	sw := newSweeper(client, time.Second)
	sw.Sweep(ctx)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	noti, err := q.NotiLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), noti)

	inflight, err := q.DequeuedLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)

	// The recovered task is executable again.
	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, out.ID, again.ID)
}

func TestLifecycle_LostNotificationRepaired(t *testing.T) {
	client, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))

	// A worker died between the two dequeue steps: sentinel gone, task not.
	require.NoError(t, client.LPop(ctx, "itest_noti").Err())

	sw := newSweeper(client, time.Second)
	sw.Sweep(ctx)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	noti, err2 := q.NotiLen(ctx)
	require.NoError(t, err2)
	assert.Equal(t, n, noti)
	assert.Equal(t, int64(1), n)
}

func TestLifecycle_TwoConsumersOneTask(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))

	type result struct {
		task *task.Task
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			out, err := q.Dequeue(ctx, time.Second)
			results <- result{task: out, err: err}
		}()
	}

	var got []*task.Task
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.task != nil {
			got = append(got, r.task)
		}
	}

	// Exactly one consumer wins; the other observes the empty-queue
	// transient or times out waiting.
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].ID)
}

func TestLifecycle_SweeperLeavesFreshWorkAlone(t *testing.T) {
	client, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop").WithTimeout(time.Minute)))
	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, out)

	sw := newSweeper(client, time.Second)
	sw.Sweep(ctx)

	inflight, err := q.DequeuedLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
