// Command loomd runs the Loom daemon: the agent HTTP surface, the cron
// scheduler, and the webhook dispatch worker in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/loomhq/loom/connector"
	"github.com/loomhq/loom/controller"
	"github.com/loomhq/loom/executor"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/pipeline"
	"github.com/loomhq/loom/providers/factory"
	"github.com/loomhq/loom/queue"
	"github.com/loomhq/loom/queue/redisstreams"
	"github.com/loomhq/loom/scheduler"
	"github.com/loomhq/loom/server"
	"github.com/loomhq/loom/store/sqlite"
	"github.com/loomhq/loom/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	oracle, err := verify.NewCommandOracle(cfg.CheckerCommand, verify.WithDir(cfg.WorkDir))
	if err != nil {
		return err
	}
	runner, err := executor.NewProcessRunner(cfg.RunnerCommand,
		executor.WithDir(cfg.WorkDir),
		executor.WithTimeout(cfg.ExecTimeout))
	if err != nil {
		return err
	}
	pl, err := pipeline.New(oracle, runner, pipeline.WithSnippetLines(cfg.SnippetLines))
	if err != nil {
		return err
	}

	connectors := connector.NewRegistry()

	var agent server.Agent
	provider, err := factory.Resolve(cfg)
	switch {
	case errors.Is(err, factory.ErrNoCredential):
		log.Warn("no model provider credential configured; running in scheduler-only mode")
	case err != nil:
		return err
	default:
		ctrl, err := controller.New(provider, st, pl,
			controller.WithMaxSteps(cfg.MaxSteps),
			controller.WithConnectors(connectors))
		if err != nil {
			return err
		}
		agent = ctrl
		log.Info("model provider ready", zap.String("provider", provider.Name()))
	}

	q, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	fireRunner := scheduler.NewRunner(st, runner, log)
	sched := scheduler.New(st, fireRunner,
		scheduler.WithInterval(cfg.TickInterval),
		scheduler.WithLogger(log))
	sched.Start()
	defer sched.Stop()

	worker := scheduler.NewWorker(q, scheduler.NewDispatcher(st, fireRunner, log), log)
	worker.Start()
	defer worker.Stop()

	srv := server.New(server.Config{
		Addr:   cfg.Addr,
		Agent:  agent,
		Store:  st,
		Queue:  q,
		Runner: fireRunner,
		Logger: log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("loomd listening", zap.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildQueue(cfg config.Config) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendMemory, "":
		return queue.NewMemoryQueue(), nil
	case config.QueueBackendRedis:
		return redisstreams.New(cfg.RedisAddr)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
