package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keakon/delayed/internal/logger"
)

const (
	workerKeyPrefix     = "worker:"
	workerSetKey        = "workers:active"
	heartbeatKeySuffix  = ":heartbeat"
	workerInfoKeySuffix = ":info"
)

// WorkerInfo describes a running monitor for the admin surface. Liveness is
// purely informational: crash recovery is the sweeper's job, driven by the
// queue keys alone.
type WorkerInfo struct {
	ID            string    `json:"id"`
	PID           int       `json:"pid"`
	Mode          string    `json:"mode"`
	Queue         string    `json:"queue"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Heartbeat registers a monitor in Redis and refreshes its TTL'd liveness
// keys until stopped.
type Heartbeat struct {
	client   *redis.Client
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	info     WorkerInfo
}

// NewHeartbeat creates a heartbeat for one monitor instance.
func NewHeartbeat(client *redis.Client, workerID, mode, queueName string, interval, timeout time.Duration) *Heartbeat {
	return &Heartbeat{
		client:   client,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		info: WorkerInfo{
			ID:    workerID,
			PID:   os.Getpid(),
			Mode:  mode,
			Queue: queueName,
		},
	}
}

// Start registers the worker and begins the heartbeat loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.info.StartedAt = time.Now().UTC()
	h.register(ctx)

	h.wg.Add(1)
	go h.heartbeatLoop(ctx)

	logger.WithWorker(h.info.ID).Info().
		Dur("interval", h.interval).
		Msg("heartbeat started")
}

// Stop stops the loop and deregisters the worker.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.deregister(ctx)

	logger.WithWorker(h.info.ID).Info().Msg("heartbeat stopped")
}

func (h *Heartbeat) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sendHeartbeat(ctx)
		}
	}
}

func (h *Heartbeat) sendHeartbeat(ctx context.Context) {
	now := time.Now().UTC()

	if err := h.client.Set(ctx, h.heartbeatKey(), now.Unix(), h.timeout).Err(); err != nil {
		logger.WithWorker(h.info.ID).Error().Err(err).Msg("failed to send heartbeat")
		return
	}

	h.info.LastHeartbeat = now
	infoData, _ := json.Marshal(h.info)
	if err := h.client.Set(ctx, h.infoKey(), infoData, h.timeout*2).Err(); err != nil {
		logger.WithWorker(h.info.ID).Error().Err(err).Msg("failed to update worker info")
	}

	h.client.SAdd(ctx, workerSetKey, h.info.ID)
}

func (h *Heartbeat) register(ctx context.Context) {
	h.client.SAdd(ctx, workerSetKey, h.info.ID)
	infoData, _ := json.Marshal(h.info)
	h.client.Set(ctx, h.infoKey(), infoData, h.timeout*2)
}

func (h *Heartbeat) deregister(ctx context.Context) {
	h.client.SRem(ctx, workerSetKey, h.info.ID)
	h.client.Del(ctx, h.heartbeatKey(), h.infoKey())
}

func (h *Heartbeat) heartbeatKey() string {
	return fmt.Sprintf("%s%s%s", workerKeyPrefix, h.info.ID, heartbeatKeySuffix)
}

func (h *Heartbeat) infoKey() string {
	return fmt.Sprintf("%s%s%s", workerKeyPrefix, h.info.ID, workerInfoKeySuffix)
}

// GetActiveWorkers returns every monitor with a live info record.
func GetActiveWorkers(ctx context.Context, client *redis.Client) ([]WorkerInfo, error) {
	workerIDs, err := client.SMembers(ctx, workerSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active workers: %w", err)
	}

	workers := make([]WorkerInfo, 0, len(workerIDs))
	for _, id := range workerIDs {
		infoKey := fmt.Sprintf("%s%s%s", workerKeyPrefix, id, workerInfoKeySuffix)
		data, err := client.Get(ctx, infoKey).Bytes()
		if err == redis.Nil {
			// Info expired, the worker is gone.
			client.SRem(ctx, workerSetKey, id)
			continue
		}
		if err != nil {
			continue
		}

		var info WorkerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}

		workers = append(workers, info)
	}

	return workers, nil
}

// IsWorkerAlive checks whether a monitor's heartbeat key still exists.
func IsWorkerAlive(ctx context.Context, client *redis.Client, workerID string) (bool, error) {
	heartbeatKey := fmt.Sprintf("%s%s%s", workerKeyPrefix, workerID, heartbeatKeySuffix)
	exists, err := client.Exists(ctx, heartbeatKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check worker heartbeat: %w", err)
	}
	return exists > 0, nil
}
