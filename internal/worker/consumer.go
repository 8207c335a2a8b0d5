package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hibiken/asynq"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/retry"
)

// Consumer runs the queue worker pool. Each concurrency slot processes one
// work unit pipeline at a time; units parked on recognition do not hold a
// slot.
type Consumer struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	executor *Executor
	logger   hclog.Logger
}

// NewConsumer builds the worker pool around the Redis queue.
func NewConsumer(redisCfg config.RedisConfig, queueCfg config.QueueConfig, executor *Executor, logger hclog.Logger) *Consumer {
	log := logger.Named("consumer")
	policy := retry.DefaultPolicy()

	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		},
		asynq.Config{
			Concurrency: queueCfg.Concurrency,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return policy.Delay(n + 1)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error("task failed", "type", task.Type(), "error", err)
			}),
			Logger: newAsynqLogger(log),
		},
	)

	mux := asynq.NewServeMux()
	consumer := &Consumer{
		server:   server,
		mux:      mux,
		executor: executor,
		logger:   log,
	}
	mux.HandleFunc(TaskTypeProcess, consumer.handleProcess)
	return consumer
}

// Start launches the worker pool in the background.
func (c *Consumer) Start() error {
	c.logger.Info("queue consumer starting")
	return c.server.Start(c.mux)
}

// Shutdown drains in-flight tasks and stops the pool.
func (c *Consumer) Shutdown() {
	c.logger.Info("queue consumer stopping")
	c.server.Shutdown()
}

func (c *Consumer) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload ProcessTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("malformed process task payload: %w", asynq.SkipRetry)
	}
	if payload.WorkUnitID == "" {
		return fmt.Errorf("process task missing work_unit_id: %w", asynq.SkipRetry)
	}
	return c.executor.Process(ctx, payload.WorkUnitID)
}

// asynqLogger adapts hclog to the asynq logging interface.
type asynqLogger struct {
	log hclog.Logger
}

func newAsynqLogger(log hclog.Logger) *asynqLogger {
	return &asynqLogger{log: log.Named("asynq")}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
