package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"StoryToVideo-pipeline/checkpoint"
	"StoryToVideo-pipeline/collab"
	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/consistency"
	"StoryToVideo-pipeline/dispatcher"
	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/pipeline"
	"StoryToVideo-pipeline/provider"
	"StoryToVideo-pipeline/routers"
	"StoryToVideo-pipeline/routers/api"
	"StoryToVideo-pipeline/service"
	"StoryToVideo-pipeline/storage"
	"StoryToVideo-pipeline/worker"
)

type media interface {
	pipeline.VoiceSynthesizer
	pipeline.AudioMixer
	pipeline.Assembler
	pipeline.Exporter
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	config.InitConfig(*configPath)
	cfg := config.AppConfig
	if err := logger.Init(cfg.Log); err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	appLog := logger.Get("app")
	appLog.Infof("Server starting on port %s", cfg.Server.Port)

	models.InitDB()
	db := models.GormDB

	var store storage.ArtifactStore
	if cfg.MinIO.Endpoint != "" {
		s, err := storage.NewMinIO(cfg.MinIO)
		if err != nil {
			appLog.Fatalf("MinIO 初始化失败: %v", err)
		}
		store = s
		appLog.Info("MinIO initialized")
	}

	var extractor consistency.Extractor = consistency.StaticExtractor{}
	if cfg.AI.EmbeddingAPI != "" {
		extractor = consistency.NewHTTPExtractor(cfg.AI.EmbeddingAPI)
	} else {
		appLog.Warn("未配置 embedding 服务，一致性校验恒通过")
	}

	dopts, err := dispatcher.OptionsFromConfig(cfg.Dispatcher, cfg.Retry)
	if err != nil {
		appLog.Fatalf("dispatcher 配置错误: %v", err)
	}
	adapters, err := provider.FromConfig(cfg.Providers, cfg.Dispatcher, store)
	if err != nil {
		appLog.Fatalf("provider 配置错误: %v", err)
	}
	chars := consistency.NewRegistry(consistency.NewGormCharacterStore(db), extractor, dopts.Retry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer, closeWriter, err := collab.NewScriptWriter(ctx, cfg.AI)
	if err != nil {
		appLog.Fatalf("脚本生成器初始化失败: %v", err)
	}
	defer closeWriter()

	var m media = collab.DryRunMedia{}
	if cfg.Worker.Addr != "" {
		m = collab.NewWorkerMedia(worker.NewClient(cfg.Worker.Addr, "", cfg.Dispatcher.PollInterval, cfg.Dispatcher.CallTimeout), store)
	} else {
		appLog.Warn("未配置 worker 地址，配音/混音/拼接/导出使用占位产物")
	}

	ctrl := pipeline.NewController(cfg.Pipeline, pipeline.Deps{
		Runs:        pipeline.NewGormRunStore(db),
		Checkpoints: checkpoint.NewGormStore(db),
		Characters:  chars,
		Script:      writer,
		Storyboard:  collab.RuleStoryboarder{},
		Dispatcher:  dispatcher.New(adapters, extractor, dopts),
		Voice:       m,
		Mixer:       m,
		Assembler:   m,
		Exporter:    m,
	})

	var queue service.Enqueuer
	if cfg.Redis.Addr != "" {
		q := service.NewQueue(service.RedisOpt(cfg))
		defer q.Close()
		srv, err := service.NewProcessor(ctrl).Start(service.RedisOpt(cfg), cfg.Pipeline.Concurrency)
		if err != nil {
			appLog.Fatalf("队列消费者启动失败: %v", err)
		}
		defer srv.Shutdown()
		queue = q
		appLog.Info("Queue initialized")
	} else {
		lq := service.NewLocalQueue(ctrl, cfg.Pipeline.Concurrency)
		defer lq.Close()
		queue = lq
		appLog.Warn("未配置 Redis，run 在进程内执行")
	}

	httpSrv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: routers.InitRouter(api.NewHandler(ctrl, queue, chars)),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatalf("HTTP 服务启动失败: %v", err)
		}
	}()

	<-ctx.Done()
	appLog.Info("收到退出信号，正在关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("HTTP 服务关闭失败")
	}
}
