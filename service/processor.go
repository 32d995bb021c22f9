package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"StoryToVideo-pipeline/checkpoint"
	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/pipeline"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Executor 由 pipeline.Controller 实现
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// Processor 消费 run 队列
type Processor struct {
	exec Executor
	log  *logrus.Logger
}

func NewProcessor(exec Executor) *Processor {
	return &Processor{exec: exec, log: logger.Get("queue")}
}

// Start 启动 asynq 消费者，返回的 server 由调用方在退出时 Shutdown
func (p *Processor) Start(opt asynq.RedisClientOpt, concurrency int) (*asynq.Server, error) {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExecuteRun, p.HandleRunTask)

	p.log.WithField("concurrency", concurrency).Info("启动 run 消费者")
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("could not start processor: %w", err)
	}
	return srv, nil
}

// HandleRunTask 只有存储失败返回可重试错误，其余结果已落在 run 状态里
func (p *Processor) HandleRunTask(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	return p.process(ctx, payload.RunID)
}

func (p *Processor) process(ctx context.Context, runID string) error {
	log := p.log.WithField("run_id", runID)
	err := p.exec.Execute(ctx, runID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		log.Info("run 已在执行，忽略重复投递")
		return nil
	case errors.Is(err, pipeline.ErrCancelled):
		log.Info("run 已取消")
		return nil
	case errors.Is(err, pipeline.ErrRunNotFound):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case checkpoint.IsStorageFailure(err):
		log.WithError(err).Warn("存储失败，等待重试")
		return err
	default:
		log.WithError(err).Error("run 执行失败")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}

// LocalQueue 未配置 Redis 时在进程内执行 run
type LocalQueue struct {
	proc *Processor
	sem  chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewLocalQueue(exec Executor, concurrency int) *LocalQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		proc:   NewProcessor(exec),
		sem:    make(chan struct{}, concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (q *LocalQueue) EnqueueRun(runID string) error {
	if q.ctx.Err() != nil {
		return errors.New("local queue is closed")
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case q.sem <- struct{}{}:
		case <-q.ctx.Done():
			return
		}
		defer func() { <-q.sem }()
		_ = q.proc.process(q.ctx, runID)
	}()
	return nil
}

// Close 取消所有执行中的 run 并等待退出
func (q *LocalQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
