// Package pipeline runs a brief through the fixed stage sequence, persisting a
// checkpoint per stage so that a crashed or cancelled run resumes where it stopped.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"StoryToVideo-pipeline/checkpoint"
	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	PolicyFail = "fail"
	PolicyFlag = "flag"
)

// StageHandler 执行一个阶段，返回值序列化后成为该阶段的 checkpoint payload
type StageHandler func(ctx context.Context, sc *StageContext) (any, error)

type Controller struct {
	deps     Deps
	cfg      config.PipelineConfig
	handlers map[Stage]StageHandler
	cancels  *cancelRegistry
	sleep    func(ctx context.Context, d time.Duration) error
	log      *logrus.Logger
}

type Option func(*Controller)

// WithHandler 替换某个阶段的实现
func WithHandler(stage Stage, h StageHandler) Option {
	return func(c *Controller) { c.handlers[stage] = h }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

func NewController(cfg config.PipelineConfig, deps Deps, opts ...Option) *Controller {
	if cfg.ExhaustedPolicy == "" {
		cfg.ExhaustedPolicy = PolicyFlag
	}
	c := &Controller{
		deps:    deps,
		cfg:     cfg,
		cancels: newCancelRegistry(),
		sleep:   retry.Sleep,
		log:     logger.Get("pipeline"),
	}
	c.handlers = map[Stage]StageHandler{
		StageScript:          c.runScript,
		StageStoryboard:      c.runStoryboard,
		StageCharacterPrep:   c.runCharacterPrep,
		StageSceneGeneration: c.runSceneGeneration,
		StageVoice:           c.runVoice,
		StageAudioMix:        c.runAudioMix,
		StageAssembly:        c.runAssembly,
		StageExport:          c.runExport,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit 校验 brief 并创建 pending 状态的 run，执行由调用方异步触发
func (c *Controller) Submit(ctx context.Context, brief models.ConceptBrief) (*models.Run, error) {
	brief.Normalize()
	if err := brief.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBrief, err)
	}
	run := &models.Run{
		ID:     uuid.NewString(),
		Brief:  brief,
		Status: models.RunStatusPending,
	}
	if err := c.deps.Runs.CreateRun(ctx, run); err != nil {
		return nil, &checkpoint.StorageFailure{Op: "create run", RunID: run.ID, Err: err}
	}
	c.log.WithFields(logrus.Fields{"run_id": run.ID, "title": brief.Title}).Info("run 已创建")
	return run, nil
}

// Resume 检查 run 是否可以继续执行；可以则把状态置回 pending
func (c *Controller) Resume(ctx context.Context, runID string) (*models.Run, error) {
	run, err := c.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return run, ErrFinished
	}
	if c.cancels.running(runID) {
		return run, ErrAlreadyRunning
	}
	run.Status = models.RunStatusPending
	run.Error = ""
	run.FinishedAt = nil
	if err := c.saveRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Execute 从第一个未完成的阶段开始执行 run。已完成的阶段直接复用 checkpoint payload。
func (c *Controller) Execute(ctx context.Context, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// 先登记再读 run：之后的 Cancel 走取消信号，之前的 Cancel 已落在 run 状态上
	exec := c.cancels.register(runID, cancel)
	if exec == nil {
		return ErrAlreadyRunning
	}
	defer c.cancels.unregister(runID, exec)

	run, err := c.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		c.log.WithField("run_id", runID).Info("run 已结束，跳过执行")
		return nil
	}
	if run.Status == models.RunStatusCancelled {
		c.log.WithField("run_id", runID).Info("run 已取消，跳过执行")
		return ErrCancelled
	}

	log := c.log.WithField("run_id", runID)
	now := time.Now()
	run.Status = models.RunStatusRunning
	run.Error = ""
	run.FinishedAt = nil
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	if err := c.saveRun(ctx, run); err != nil {
		return c.stop(ctx, run, err)
	}

	sc := &StageContext{Run: run, outputs: make(map[Stage]json.RawMessage)}
	for _, st := range Stages {
		cp, ok, err := c.deps.Checkpoints.Load(ctx, runID, string(st))
		if err != nil {
			return c.stop(ctx, run, err)
		}
		if ok && cp.Status == models.CheckpointCompleted {
			sc.outputs[st] = json.RawMessage(cp.Payload)
			if err := restoreRun(run, st, sc.outputs[st]); err != nil {
				return c.stop(ctx, run, err)
			}
			run.Progress = st.Progress()
			continue
		}

		run.CurrentStage = string(st)
		if err := c.saveRun(ctx, run); err != nil {
			return c.stop(ctx, run, err)
		}
		log.WithField("stage", st).Info("开始执行阶段")
		if err := c.runStage(ctx, sc, st); err != nil {
			return c.stop(ctx, run, err)
		}
		run.Progress = st.Progress()
		if err := c.saveRun(ctx, run); err != nil {
			return c.stop(ctx, run, err)
		}
		log.WithFields(logrus.Fields{"stage": st, "progress": run.Progress}).Info("阶段完成")
	}

	finished := time.Now()
	run.Status = models.RunStatusCompleted
	if len(run.Warnings) > 0 {
		run.Status = models.RunStatusCompletedWithWarnings
	}
	run.Progress = 100
	run.FinishedAt = &finished
	if err := c.saveRun(context.WithoutCancel(ctx), run); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"status": run.Status, "video": run.FinalVideo}).Info("run 执行完成")
	return nil
}

// runStage 执行单个阶段；recoverable 失败整体重试，最多 StageRetries 次
func (c *Controller) runStage(ctx context.Context, sc *StageContext, st Stage) error {
	handler, ok := c.handlers[st]
	if !ok {
		return Fatal(fmt.Errorf("no handler for stage %s", st))
	}
	runID := sc.Run.ID
	log := c.log.WithFields(logrus.Fields{"run_id": runID, "stage": st})

	for try := 0; ; try++ {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		cp, ok, err := c.deps.Checkpoints.Load(ctx, runID, string(st))
		if err != nil {
			return err
		}
		if !ok {
			cp = models.Checkpoint{RunID: runID, Stage: string(st), Ordinal: st.Ordinal()}
		}
		partial := json.RawMessage(cp.Payload)
		cp.Status = models.CheckpointInProgress
		cp.Attempts++
		cp.Error = ""
		cp.Payload = nil // 保留已有的 partial payload
		if err := c.deps.Checkpoints.Save(ctx, cp); err != nil {
			return err
		}

		sc.Stage = st
		sc.Partial = partial
		sc.attempts = cp.Attempts
		out, herr := c.invoke(ctx, handler, sc)
		if herr == nil {
			payload, err := json.Marshal(out)
			if err != nil {
				return &StageError{Stage: st, Kind: KindFatal, Err: fmt.Errorf("encode payload: %w", err)}
			}
			cp.Status = models.CheckpointCompleted
			cp.Payload = payload
			if err := c.deps.Checkpoints.Save(ctx, cp); err != nil {
				return err
			}
			sc.outputs[st] = payload
			return nil
		}

		if checkpoint.IsStorageFailure(herr) {
			return herr
		}
		if errors.Is(herr, ErrCancelled) || ctx.Err() != nil {
			return ErrCancelled
		}
		se := classify(st, herr)
		if se.Kind == KindFatal || try >= c.cfg.StageRetries {
			cp.Status = models.CheckpointFailed
			cp.Error = se.Err.Error()
			cp.Payload = nil
			if err := c.deps.Checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
				return err
			}
			se.Kind = KindFatal
			return se
		}
		log.WithError(herr).WithField("attempt", cp.Attempts).Warn("阶段失败，稍后重试")
		if err := c.sleep(ctx, c.cfg.StageRetryDelay); err != nil {
			return ErrCancelled
		}
	}
}

func (c *Controller) invoke(ctx context.Context, h StageHandler, sc *StageContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Recoverable(fmt.Errorf("stage %s panicked: %v", sc.Stage, r))
		}
	}()
	return h(ctx, sc)
}

// stop 根据错误类型决定 run 的最终状态
func (c *Controller) stop(ctx context.Context, run *models.Run, err error) error {
	log := c.log.WithFields(logrus.Fields{"run_id": run.ID, "stage": run.CurrentStage})
	switch {
	case ctx.Err() != nil || errors.Is(err, ErrCancelled):
		run.Status = models.RunStatusCancelled
		if serr := c.saveRun(context.WithoutCancel(ctx), run); serr != nil {
			log.WithError(serr).Error("保存取消状态失败")
			return serr
		}
		log.Info("run 已取消")
		return ErrCancelled
	case checkpoint.IsStorageFailure(err):
		// 存储不可用时不改 run 状态，等待存储恢复后 resume
		log.WithError(err).Error("存储失败，停止执行")
		return err
	default:
		now := time.Now()
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		run.FinishedAt = &now
		if serr := c.saveRun(context.WithoutCancel(ctx), run); serr != nil {
			log.WithError(serr).Error("保存失败状态失败")
			return serr
		}
		log.WithError(err).Error("run 执行失败")
		return err
	}
}

func (c *Controller) saveRun(ctx context.Context, run *models.Run) error {
	if err := c.deps.Runs.SaveRun(ctx, run); err != nil {
		if checkpoint.IsStorageFailure(err) {
			return err
		}
		return &checkpoint.StorageFailure{Op: "save run", RunID: run.ID, Err: err}
	}
	return nil
}

// Cancel 取消 run。正在执行的 run 由执行协程负责落状态。
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	if c.cancels.cancel(runID) != nil {
		c.log.WithField("run_id", runID).Info("已发送取消信号")
		return nil
	}
	run, err := c.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return ErrFinished
	}
	if run.Status == models.RunStatusCancelled {
		return nil
	}
	run.Status = models.RunStatusCancelled
	return c.saveRun(ctx, run)
}

// RunView run 及其各阶段 checkpoint 的快照
type RunView struct {
	Run         *models.Run         `json:"run"`
	Checkpoints []models.Checkpoint `json:"checkpoints"`
	Scenes      []SceneScore        `json:"scenes"`
	Running     bool                `json:"running"`
}

// SceneScore 单个场景的一致性结果
type SceneScore struct {
	Index  int      `json:"index"`
	Status string   `json:"status"`
	Score  *float64 `json:"score,omitempty"`
}

func decodeScenes(payload []byte) ([]models.Scene, error) {
	if len(payload) == 0 {
		return []models.Scene{}, nil
	}
	var table models.SceneTable
	if err := json.Unmarshal(payload, &table); err != nil {
		return nil, fmt.Errorf("decode scene table: %w", err)
	}
	return table.Scenes, nil
}

func (c *Controller) Status(ctx context.Context, runID string) (*RunView, error) {
	run, err := c.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	cps, err := c.deps.Checkpoints.ListStages(ctx, runID)
	if err != nil {
		return nil, err
	}
	scores := []SceneScore{}
	for _, cp := range cps {
		if cp.Stage != string(StageSceneGeneration) {
			continue
		}
		scenes, err := decodeScenes(cp.Payload)
		if err != nil {
			return nil, err
		}
		for _, s := range scenes {
			scores = append(scores, SceneScore{Index: s.Index, Status: s.Status, Score: s.Score})
		}
	}
	return &RunView{Run: run, Checkpoints: cps, Scenes: scores, Running: c.cancels.running(runID)}, nil
}

// Scenes 返回 scene_generation 的场景表（完成或进行中）
func (c *Controller) Scenes(ctx context.Context, runID string) ([]models.Scene, error) {
	if _, err := c.deps.Runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	cp, ok, err := c.deps.Checkpoints.Load(ctx, runID, string(StageSceneGeneration))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []models.Scene{}, nil
	}
	return decodeScenes(cp.Payload)
}

// Delete 取消并删除 run 及其全部 checkpoint；正在执行的 run 会先等待其退出
func (c *Controller) Delete(ctx context.Context, runID string) error {
	if done := c.cancels.cancel(runID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if _, err := c.deps.Runs.GetRun(ctx, runID); err != nil {
		return err
	}
	if err := c.deps.Checkpoints.DeleteRun(ctx, runID); err != nil {
		return err
	}
	if err := c.deps.Runs.DeleteRun(ctx, runID); err != nil {
		return err
	}
	c.log.WithField("run_id", runID).Info("run 已删除")
	return nil
}
