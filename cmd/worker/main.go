package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keakon/delayed/internal/api"
	"github.com/keakon/delayed/internal/config"
	"github.com/keakon/delayed/internal/logger"
	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/task"
	"github.com/keakon/delayed/internal/worker"
)

func main() {
	childMode := flag.Bool("child", false, "run as a child task runner (spawned by a monitor)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	if *childMode {
		runChild(cfg)
		return
	}
	runMonitor(cfg)
}

// runChild is the entry point of the process a monitor spawns. It reads task
// frames from stdin and writes result frames to stdout until the monitor
// closes the pipe.
func runChild(cfg *config.Config) {
	log := logger.WithComponent("child")

	client, err := queue.NewClient(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer client.Close()

	q := queue.New(client, cfg.Worker.Queue)
	child := worker.NewChild(q, registerHandlers(), os.Stdin, os.Stdout)

	if err := child.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("Child runner failed")
		os.Exit(1)
	}
}

func runMonitor(cfg *config.Config) {
	log := logger.Get()
	log.Info().Str("mode", cfg.Worker.Mode).Str("queue", cfg.Worker.Queue).Msg("Starting worker...")

	client, err := queue.NewClient(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer client.Close()

	q := queue.New(client, cfg.Worker.Queue)

	opts := worker.OptionsFromConfig(&cfg.Worker)
	opts.OnSuccess = func(t *task.Task, result []byte) {
		logger.WithTask(t.ID).Info().Str("func", t.Func).RawJSON("result", nonEmpty(result)).Msg("Task succeeded")
	}
	opts.OnError = func(t *task.Task, sig os.Signal, errInfo *worker.ErrorInfo) {
		ev := logger.WithTask(t.ID).Error().Str("func", t.Func)
		if sig != nil {
			ev = ev.Str("signal", sig.String())
		}
		if errInfo != nil {
			ev = ev.Str("error", errInfo.Message)
		}
		ev.Msg("Task failed")
	}

	var (
		id  string
		run func(ctx context.Context) error
	)
	switch cfg.Worker.Mode {
	case "fork":
		m, err := worker.NewForkMonitor(q, opts)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create monitor")
		}
		id, run = m.ID(), m.Run
	case "prefork":
		m, err := worker.NewPreforkMonitor(q, opts)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create monitor")
		}
		id, run = m.ID(), m.Run
	default:
		log.Fatal().Str("mode", cfg.Worker.Mode).Msg("Unknown worker mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heartbeat := worker.NewHeartbeat(client, id, cfg.Worker.Mode, cfg.Worker.Queue,
		cfg.Worker.HeartbeatInterval, cfg.Worker.HeartbeatTimeout)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// Admin surface: health, metrics, queue depths, live monitors.
	adminSrv := api.NewServer(cfg, client, []*queue.Queue{q})
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down worker...")
		cancel()
		select {
		case <-done:
		case <-time.After(cfg.Worker.ShutdownTimeout):
			log.Warn().Msg("Worker shutdown timed out")
		}
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Monitor exited with error")
		}
	}

	log.Info().Msg("Worker stopped")
}

// registerHandlers declares the functions this worker can execute. Producers
// refer to them by name.
func registerHandlers() *task.Registry {
	reg := task.NewRegistry()

	reg.Register("demo.echo", func(ctx context.Context, t *task.Task) (any, error) {
		return map[string]any{"args": t.Args, "kwargs": t.KWArgs}, nil
	})

	reg.Register("demo.add", func(ctx context.Context, t *task.Task) (any, error) {
		sum := 0.0
		for _, arg := range t.Args {
			n, ok := arg.(float64)
			if !ok {
				return nil, fmt.Errorf("non-numeric argument: %v", arg)
			}
			sum += n
		}
		return sum, nil
	})

	reg.Register("demo.sleep", func(ctx context.Context, t *task.Task) (any, error) {
		if len(t.Args) == 0 {
			return nil, fmt.Errorf("missing duration argument")
		}
		ms, ok := t.Args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("non-numeric duration: %v", t.Args[0])
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return map[string]any{"slept_ms": ms}, nil
	})

	reg.Register("demo.fail", func(ctx context.Context, t *task.Task) (any, error) {
		return nil, fmt.Errorf("deliberate failure")
	})

	return reg
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
