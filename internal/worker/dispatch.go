package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hibiken/asynq"

	"github.com/clipforge/clipforge/internal/config"
)

// TaskTypeProcess is the queue task type for one full pipeline run.
const TaskTypeProcess = "clipforge:process"

// ProcessTaskPayload is the queue message body; everything else lives on the
// durable work unit row.
type ProcessTaskPayload struct {
	WorkUnitID string `json:"work_unit_id"`
}

// Dispatcher hands work unit ids to the worker pool.
type Dispatcher interface {
	DispatchProcess(ctx context.Context, workUnitID string) error
}

// QueueDispatcher enqueues process tasks onto the Redis-backed queue.
type QueueDispatcher struct {
	client   *asynq.Client
	maxRetry int
	logger   hclog.Logger
}

// NewQueueDispatcher connects a task producer to Redis.
func NewQueueDispatcher(redisCfg config.RedisConfig, queueCfg config.QueueConfig, logger hclog.Logger) *QueueDispatcher {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	return &QueueDispatcher{
		client:   client,
		maxRetry: queueCfg.MaxAttempts - 1,
		logger:   logger.Named("dispatcher"),
	}
}

// DispatchProcess enqueues one pipeline run. The task id is the work unit id,
// so a duplicate dispatch while the task is still queued collapses into the
// existing one.
func (d *QueueDispatcher) DispatchProcess(ctx context.Context, workUnitID string) error {
	payload, err := json.Marshal(ProcessTaskPayload{WorkUnitID: workUnitID})
	if err != nil {
		return fmt.Errorf("marshal process task: %w", err)
	}

	task := asynq.NewTask(TaskTypeProcess, payload)
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.TaskID(workUnitID),
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(4*time.Hour),
	)
	if stderrors.Is(err, asynq.ErrTaskIDConflict) {
		d.logger.Debug("process task already queued", "work_unit_id", workUnitID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}

	d.logger.Info("process task enqueued",
		"work_unit_id", workUnitID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// Close releases the queue connection.
func (d *QueueDispatcher) Close() error {
	return d.client.Close()
}
