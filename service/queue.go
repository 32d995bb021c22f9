package service

import (
	"encoding/json"
	"fmt"
	"time"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/logger"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	TypeExecuteRun = "run:execute"
)

type RunPayload struct {
	RunID string `json:"run_id"`
}

// Enqueuer 把 run 交给后台执行
type Enqueuer interface {
	EnqueueRun(runID string) error
}

func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
}

// Queue 基于 asynq 的 run 队列
type Queue struct {
	client *asynq.Client
	log    *logrus.Logger
}

func NewQueue(opt asynq.RedisClientOpt) *Queue {
	return &Queue{client: asynq.NewClient(opt), log: logger.Get("queue")}
}

func NewRunTask(runID string) (*asynq.Task, error) {
	payload, err := json.Marshal(RunPayload{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(TypeExecuteRun, payload,
		asynq.MaxRetry(3),             // 只有存储失败会走到重试
		asynq.Timeout(2*time.Hour),    // 一次 run 包含多次视频生成，超时放宽
		asynq.Retention(24*time.Hour), // 任务结果在 Redis 保留时间
	), nil
}

// EnqueueRun 新建或 resume 的 run 入队
func (q *Queue) EnqueueRun(runID string) error {
	task, err := NewRunTask(runID)
	if err != nil {
		return err
	}
	info, err := q.client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.log.WithFields(logrus.Fields{"run_id": runID, "task_id": info.ID}).Info("run 已入队")
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
