// Package dispatcher fans scene generation out to providers, validates each artifact
// for character consistency and regenerates rejected scenes up to an attempt bound.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/consistency"
	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/provider"
	"StoryToVideo-pipeline/retry"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Concurrency         int
	MaxAttempts         int
	Threshold           float64
	ProviderFailureRate float64
	ProviderMinCalls    int
	PollInterval        time.Duration
	// CallTimeout bounds one attempt (submit, poll, fetch, validate) after the run is cancelled.
	CallTimeout time.Duration
	Strategy    PromptStrategy
	Retry       retry.Policy
}

func OptionsFromConfig(d config.DispatcherConfig, r config.RetryConfig) (Options, error) {
	strategy, err := StrategyByName(d.PromptStrategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Concurrency:         d.Concurrency,
		MaxAttempts:         d.MaxAttempts,
		Threshold:           d.Threshold,
		ProviderFailureRate: d.ProviderFailureRate,
		ProviderMinCalls:    d.ProviderMinCalls,
		PollInterval:        d.PollInterval,
		CallTimeout:         d.CallTimeout,
		Strategy:            strategy,
		Retry: retry.Policy{
			MaxAttempts: r.MaxAttempts,
			BaseDelay:   r.BaseDelay,
			Multiplier:  r.Multiplier,
			Jitter:      r.Jitter,
		},
	}, nil
}

type Dispatcher struct {
	providers []provider.Adapter
	extractor consistency.Extractor
	validator consistency.Validator
	opts      Options
	log       *logrus.Logger
}

func New(providers []provider.Adapter, extractor consistency.Extractor, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 20 * time.Minute
	}
	if opts.Strategy == nil {
		opts.Strategy = EmphasizeConsistency{}
	}
	if opts.ProviderMinCalls <= 0 {
		opts.ProviderMinCalls = 1
	}
	if opts.ProviderFailureRate <= 0 {
		opts.ProviderFailureRate = 1
	}
	return &Dispatcher{
		providers: providers,
		extractor: extractor,
		validator: consistency.Validator{Threshold: opts.Threshold},
		opts:      opts,
		log:       logger.Get("dispatcher"),
	}
}

type Request struct {
	RunID      string
	Scenes     []models.Scene
	Characters map[string]models.Character
	// AspectRatio / Resolution / Style 透传给 provider
	AspectRatio string
	Resolution  string
	Style       string
	// Flush 每次场景状态变化后由唯一的收集 goroutine 调用
	Flush func(ctx context.Context, scenes []models.Scene) error
}

// ErrMissingReference 场景引用的角色没有参考 embedding（未注册或未准备）
var ErrMissingReference = errors.New("character has no reference embedding")

type ExhaustedScene struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type Result struct {
	Scenes    []models.Scene
	Exhausted []ExhaustedScene
	// Cancelled 表示 run 被取消时仍有场景未到终态
	Cancelled bool
}

// Dispatch drives every unsettled scene to accepted or exhausted. It returns early,
// with Cancelled set, when ctx is cancelled, and with an error when Flush fails.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if len(d.providers) == 0 {
		return Result{}, errors.New("no providers configured")
	}

	for _, sc := range req.Scenes {
		if sc.Settled() {
			continue
		}
		if _, _, err := references(sc, req.Characters); err != nil {
			return Result{}, fmt.Errorf("scene %d: %w", sc.Index, err)
		}
	}

	scenes := models.CloneScenes(req.Scenes)
	sort.SliceStable(scenes, func(i, j int) bool { return scenes[i].Index < scenes[j].Index })
	pos := make(map[int]int, len(scenes))
	for i := range scenes {
		d.resume(&scenes[i])
		pos[scenes[i].Index] = i
	}
	work := models.CloneScenes(scenes)

	sel := newSelector(d.providers, d.opts.ProviderFailureRate, d.opts.ProviderMinCalls)
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	// 收集 goroutine 独占 scenes 表
	updates := make(chan models.Scene)
	collectorDone := make(chan struct{})
	var flushErr error
	go func() {
		defer close(collectorDone)
		for s := range updates {
			scenes[pos[s.Index]] = s
			if flushErr != nil || req.Flush == nil {
				continue
			}
			if err := req.Flush(context.WithoutCancel(ctx), models.CloneScenes(scenes)); err != nil {
				flushErr = err
				stop()
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for _, s := range work {
		if s.Settled() {
			continue
		}
		s := s
		g.Go(func() error {
			d.runScene(stopCtx, ctx, req, sel, s, updates)
			return nil
		})
	}
	_ = g.Wait()
	close(updates)
	<-collectorDone

	res := Result{Scenes: scenes}
	for _, s := range scenes {
		if s.Status == models.SceneStatusExhausted {
			res.Exhausted = append(res.Exhausted, ExhaustedScene{Index: s.Index, Reason: s.Reason})
		}
		if !s.Settled() && ctx.Err() != nil {
			res.Cancelled = true
		}
	}
	if flushErr != nil {
		return res, flushErr
	}
	return res, nil
}

// resume 把上次中断时的瞬时状态恢复为可调度状态
func (d *Dispatcher) resume(s *models.Scene) {
	if s.BasePrompt == "" {
		s.BasePrompt = s.Prompt
	}
	switch s.Status {
	case "", models.SceneStatusDispatched, models.SceneStatusAwaitingValidation:
		s.Status = models.SceneStatusQueued
	case models.SceneStatusRejected:
		if s.Attempts >= d.opts.MaxAttempts {
			s.Status = models.SceneStatusExhausted
			return
		}
		score := 0.0
		if s.Score != nil {
			score = *s.Score
		}
		s.Prompt = d.opts.Strategy.Next(*s, score)
		s.Status = models.SceneStatusQueued
	}
}

func (d *Dispatcher) runScene(stopCtx, runCtx context.Context, req Request, sel *selector, s models.Scene, updates chan<- models.Scene) {
	log := d.log.WithFields(logrus.Fields{"run_id": req.RunID, "scene": s.Index})
	emit := func() {
		s.UpdatedAt = time.Now()
		updates <- s.Clone()
	}
	exhaust := func(reason string) {
		s.Status = models.SceneStatusExhausted
		s.Reason = reason
		log.WithField("attempts", s.Attempts).Warnf("scene exhausted: %s", reason)
		emit()
	}

	// Dispatch 已校验过参考 embedding
	refs, refImages, _ := references(s, req.Characters)

	lastFailed := ""
	for {
		if s.Settled() {
			return
		}
		if stopCtx.Err() != nil {
			return
		}
		if s.Attempts >= d.opts.MaxAttempts {
			if s.Reason == "" {
				s.Reason = "attempt limit reached"
			}
			exhaust(s.Reason)
			return
		}
		p := sel.pick(lastFailed)
		if p == nil {
			exhaust("no healthy provider available")
			return
		}

		s.Attempts++
		s.Status = models.SceneStatusDispatched
		s.Provider = p.Name()
		emit()

		alog := log.WithFields(logrus.Fields{"provider": p.Name(), "attempt": s.Attempts})
		alog.Info("scene dispatched")

		// 已发出的尝试不受 run 取消影响，只受 CallTimeout 约束
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), d.opts.CallTimeout)
		spec := provider.SceneSpec{
			RunID:           req.RunID,
			SceneIndex:      s.Index,
			Prompt:          s.Prompt,
			CharacterIDs:    s.CharacterIDs,
			ReferenceImages: refImages,
			DurationSeconds: s.DurationSeconds,
			AspectRatio:     req.AspectRatio,
			Resolution:      req.Resolution,
			Style:           req.Style,
			Attempt:         s.Attempts,
		}
		artifact, err := retry.Do(callCtx, d.opts.Retry, func(ctx context.Context) (string, error) {
			return provider.Generate(ctx, p, spec, d.opts.PollInterval)
		})
		sel.record(p.Name(), err == nil)
		if err != nil {
			cancel()
			alog.WithError(err).Warn("provider attempt failed")
			if sel.excluded(p.Name()) {
				alog.Warn("provider excluded for the rest of the run")
			}
			s.History = append(s.History, models.SceneAttempt{Attempt: s.Attempts, Provider: p.Name(), Error: err.Error()})
			s.Reason = fmt.Sprintf("provider %s: %v", p.Name(), err)
			lastFailed = p.Name()
			if s.Attempts >= d.opts.MaxAttempts {
				exhaust(s.Reason)
				return
			}
			s.Status = models.SceneStatusQueued
			emit()
			continue
		}
		lastFailed = ""

		s.Artifact = artifact
		s.Status = models.SceneStatusAwaitingValidation
		emit()

		score, err := d.score(callCtx, refs, artifact)
		cancel()
		if err != nil {
			alog.WithError(err).Warn("embedding extraction failed")
			s.History = append(s.History, models.SceneAttempt{Attempt: s.Attempts, Provider: p.Name(), Artifact: artifact, Error: err.Error()})
			s.Reason = fmt.Sprintf("validation: %v", err)
			if s.Attempts >= d.opts.MaxAttempts {
				exhaust(s.Reason)
				return
			}
			s.Status = models.SceneStatusQueued
			emit()
			continue
		}

		sc := score
		s.Score = &sc
		s.History = append(s.History, models.SceneAttempt{Attempt: s.Attempts, Provider: p.Name(), Artifact: artifact, Score: &sc})

		if d.validator.Accept(score) {
			s.Status = models.SceneStatusAccepted
			s.Reason = ""
			alog.WithField("score", score).Info("scene accepted")
			emit()
			return
		}

		s.Status = models.SceneStatusRejected
		s.Reason = fmt.Sprintf("consistency score %.3f below threshold %.2f", score, d.validator.Threshold)
		alog.WithField("score", score).Info("scene rejected")
		emit()
		if s.Attempts >= d.opts.MaxAttempts {
			exhaust(s.Reason)
			return
		}
		s.Prompt = d.opts.Strategy.Next(s, score)
		s.Status = models.SceneStatusQueued
		emit()
	}
}

func (d *Dispatcher) score(ctx context.Context, refs [][]float64, artifact string) (float64, error) {
	if len(refs) == 0 {
		return 1, nil
	}
	emb, err := retry.Do(ctx, d.opts.Retry, func(ctx context.Context) ([]float64, error) {
		return d.extractor.Extract(ctx, artifact)
	})
	if err != nil {
		return 0, err
	}
	return consistency.SceneScore(refs, emb), nil
}

func references(s models.Scene, chars map[string]models.Character) ([][]float64, []string, error) {
	var refs [][]float64
	var images []string
	for _, id := range s.CharacterIDs {
		c, ok := chars[id]
		if !ok || len(c.Embedding) == 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingReference, id)
		}
		refs = append(refs, c.Embedding)
		images = append(images, c.ReferenceImages...)
	}
	return refs, images, nil
}
