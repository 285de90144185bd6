package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keakon/delayed/internal/task"
)

func setupQueue(t *testing.T) (*miniredis.Miniredis, *Queue) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, New(client, "default")
}

func TestEnqueue_AssignsMonotonicIDs(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		tk := task.New("demo.noop")
		require.NoError(t, q.Enqueue(ctx, tk))
		assert.Equal(t, uint64(i), tk.ID)
	}
}

func TestEnqueue_PopulatesAllKeys(t *testing.T) {
	s, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.add", 1, 2)))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.NotiLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	enqueued, err := q.Client().ZCard(ctx, q.enqueuedKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), enqueued)

	counter, err := q.Client().Get(ctx, q.idKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "1", counter)
	assert.True(t, s.Exists("default_enqueued"))
}

func TestEnqueue_KeepsExistingID(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	tk := task.New("demo.noop")
	tk.ID = 42
	require.NoError(t, q.Enqueue(ctx, tk))
	assert.Equal(t, uint64(42), tk.ID)
}

func TestDequeue_ReturnsEqualTask(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	in := task.New("demo.add", 1, 2).WithTimeout(10 * time.Second)
	require.NoError(t, q.Enqueue(ctx, in))

	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, "demo.add", out.Func)
	assert.Equal(t, 10*time.Second, out.Timeout)
}

func TestDequeue_MovesTaskInFlight(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))

	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, out)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	inflight, err := q.DequeuedLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	enqueued, err := q.Client().ZCard(ctx, q.enqueuedKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), enqueued)
}

func TestDequeue_TimesOutEmpty(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	start := time.Now()
	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestDequeue_SentinelOutranQueue(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	// A spurious sentinel with no matching queue entry is a valid transient
	// caused by the sweeper's refill; dequeue reports no task.
	require.NoError(t, q.Client().RPush(ctx, q.notiKey, notiSentinel).Err())

	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDequeue_BadBlobStillReleasable(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Client().RPush(ctx, q.name, "not json").Err())
	require.NoError(t, q.Client().RPush(ctx, q.notiKey, notiSentinel).Err())

	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	assert.Nil(t, out)

	var bad *BadTaskError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, []byte("not json"), bad.Raw)

	inflight, err := q.DequeuedLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, q.ReleaseRaw(ctx, bad.Raw))
	inflight, err = q.DequeuedLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)
}

func TestRelease_Idempotent(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))
	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, out)

	require.NoError(t, q.Release(ctx, out))
	require.NoError(t, q.Release(ctx, out))

	inflight, err := q.DequeuedLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)
}

func TestEnqueueReleaseAll_LeavesOnlyCounter(t *testing.T) {
	s, q := setupQueue(t)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))
	}
	for i := 0; i < n; i++ {
		out, err := q.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, out)
		require.NoError(t, q.Release(ctx, out))
	}

	assert.False(t, s.Exists("default"))
	assert.False(t, s.Exists("default_noti"))
	assert.False(t, s.Exists("default_enqueued"))
	assert.False(t, s.Exists("default_dequeued"))

	counter, err := q.Client().Get(ctx, q.idKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "5", counter)
}

func TestRequeue_MovesTaskBack(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))
	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, out)

	moved, err := q.Requeue(ctx, out)
	require.NoError(t, err)
	assert.True(t, moved)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.NotiLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	inflight, err := q.DequeuedLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)

	// The task is dequeueable again.
	again, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, out.ID, again.ID)
}

func TestRequeue_NoOpWhenAlreadyReleased(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))
	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NoError(t, q.Release(ctx, out))

	moved, err := q.Requeue(ctx, out)
	require.NoError(t, err)
	assert.False(t, moved)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDequeuedBefore(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))
	out, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, out)

	entries, err := q.DequeuedBefore(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := out.Raw()
	require.NoError(t, err)
	assert.Equal(t, raw, entries[0].Raw)

	entries, err = q.DequeuedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTwoConsumers_OneTask(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task.New("demo.noop")))
	// Give the second consumer a spurious sentinel so both wake up.
	require.NoError(t, q.Client().RPush(ctx, q.notiKey, notiSentinel).Err())

	first, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	assert.NotNil(t, first)
	assert.Nil(t, second)
}
