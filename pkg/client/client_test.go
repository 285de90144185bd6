package client

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keakon/delayed/internal/task"
)

func setupClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := New(s.Addr(), "default", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_BadAddr(t *testing.T) {
	_, err := New("127.0.0.1:1", "default", WithDialTimeout(200*time.Millisecond))
	assert.Error(t, err)
}

func TestEnqueue(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()

	tk, err := c.Enqueue(ctx, "demo.add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tk.ID)

	n, err := c.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	inflight, err := c.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)
}

func TestEnqueue_DefaultTimeout(t *testing.T) {
	c := setupClient(t, WithDefaultTimeout(30*time.Second))
	ctx := context.Background()

	tk, err := c.Enqueue(ctx, "demo.noop")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, tk.Timeout)
}

func TestEnqueueTask_KeepsOwnTimeout(t *testing.T) {
	c := setupClient(t, WithDefaultTimeout(30*time.Second))
	ctx := context.Background()

	tk := task.New("demo.noop").WithTimeout(time.Minute)
	require.NoError(t, c.EnqueueTask(ctx, tk))
	assert.Equal(t, time.Minute, tk.Timeout)
}
