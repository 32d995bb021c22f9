package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"SERVER_PORT"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver" env:"DB_DRIVER"` // mysql | sqlite
		DSN    string `yaml:"dsn" env:"DB_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
	} `yaml:"redis"`
	Worker struct {
		Addr string `yaml:"addr" env:"WORKER_ADDR"`
	} `yaml:"worker"`
	MinIO MinIOConfig `yaml:"minio"`
	AI    AIConfig    `yaml:"ai"`

	// Providers 视频生成后端，按配置顺序参与轮询
	Providers []ProviderConfig `yaml:"providers"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Retry      RetryConfig      `yaml:"retry"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Log        LogConfig        `yaml:"log"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"MINIO_USE_SSL"`
}

type AIConfig struct {
	EmbeddingAPI string `yaml:"embedding_api" env:"EMBEDDING_API"`
	GeminiAPIKey string `yaml:"gemini_api_key" env:"GOOGLE_API_KEY"`
	GeminiModel  string `yaml:"gemini_model" env:"GEMINI_MODEL"`
}

type ProviderConfig struct {
	Name     string  `yaml:"name"`
	Kind     string  `yaml:"kind"` // worker | mock
	Endpoint string  `yaml:"endpoint"`
	APIKey   string  `yaml:"api_key"`
	RPS      float64 `yaml:"rps"`
}

type DispatcherConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	MaxAttempts         int           `yaml:"max_attempts"`
	Threshold           float64       `yaml:"threshold"`
	ProviderFailureRate float64       `yaml:"provider_failure_rate"`
	ProviderMinCalls    int           `yaml:"provider_min_calls"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	PromptStrategy      string        `yaml:"prompt_strategy"` // reuse | emphasize
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      time.Duration `yaml:"jitter"`
}

type PipelineConfig struct {
	StageRetries    int           `yaml:"stage_retries"`
	StageRetryDelay time.Duration `yaml:"stage_retry_delay"`
	ExhaustedPolicy string        `yaml:"exhausted_policy"` // fail | flag
	ExportFormats   []string      `yaml:"export_formats"`
	Concurrency     int           `yaml:"concurrency"` // 同时执行的 run 数
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"` // text | json
	Output     string `yaml:"output" env:"LOG_OUTPUT"` // stdout | file | both
	Dir        string `yaml:"dir" env:"LOG_DIR"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

var AppConfig *Config

// Defaults 返回所有可选字段都已填充的配置
func Defaults() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	d := &c.Dispatcher
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.Threshold <= 0 {
		d.Threshold = 0.95
	}
	if d.ProviderFailureRate <= 0 {
		d.ProviderFailureRate = 0.5
	}
	if d.ProviderMinCalls <= 0 {
		d.ProviderMinCalls = 4
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 3 * time.Second
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = 20 * time.Minute
	}
	if d.PromptStrategy == "" {
		d.PromptStrategy = "emphasize"
	}
	r := &c.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = 2 * time.Second
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2
	}
	if r.Jitter < 0 {
		r.Jitter = 0
	}
	p := &c.Pipeline
	if p.StageRetries < 0 {
		p.StageRetries = 0
	}
	if p.StageRetryDelay <= 0 {
		p.StageRetryDelay = 5 * time.Second
	}
	if p.ExhaustedPolicy == "" {
		p.ExhaustedPolicy = "flag"
	}
	if len(p.ExportFormats) == 0 {
		p.ExportFormats = []string{"standard_mp4"}
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 2
	}
	l := &c.Log
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
	if l.Dir == "" {
		l.Dir = "logs"
	}
	if l.MaxSize <= 0 {
		l.MaxSize = 100
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = 5
	}
	if l.MaxAge <= 0 {
		l.MaxAge = 30
	}
}

func (c *Config) Validate() error {
	switch c.Pipeline.ExhaustedPolicy {
	case "fail", "flag":
	default:
		return fmt.Errorf("pipeline.exhausted_policy must be fail or flag, got %q", c.Pipeline.ExhaustedPolicy)
	}
	if c.Dispatcher.Threshold > 1 {
		return fmt.Errorf("dispatcher.threshold must be in (0,1], got %v", c.Dispatcher.Threshold)
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.Kind == "worker" && p.Endpoint == "" {
			return fmt.Errorf("provider %s: endpoint is required for worker kind", p.Name)
		}
	}
	return nil
}

// Load 读取 yaml 配置，再用 .env / 环境变量覆盖敏感字段
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	_ = godotenv.Load()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func InitConfig(path string) {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	AppConfig = cfg
}
