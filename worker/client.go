// Package worker talks to GPU worker nodes over the job protocol:
// POST /v1/generate, GET /v1/jobs/{id}, DELETE /v1/jobs/{id}.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/retry"

	"github.com/sirupsen/logrus"
)

// Job types understood by the worker
const (
	JobSceneVideo = "generate_scene_video"
	JobVoice      = "synthesize_voice"
	JobAudioMix   = "mix_audio"
	JobAssemble   = "assemble_video"
	JobExport     = "export_video"
)

const (
	maxPollErrors  = 5
	maxErrBodySize = 2000
)

// Job 状态归一化后的三种
const (
	StatePending = "pending"
	StateDone    = "done"
	StateFailed  = "failed"
)

type Request struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Result 仅保留最小资源定位信息
type Result struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	ResourceURL  string `json:"resource_url"`
}

type Job struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error"`
	Result   Result `json:"result"`
}

// State 把 worker 的多种状态写法归一
func (j *Job) State() string {
	switch j.Status {
	case "finished", "success", "completed", "succeeded":
		return StateDone
	case "failed", "error":
		return StateFailed
	default:
		return StatePending
	}
}

// StatusError 非 2xx 响应
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker %s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Classify 408/425/429/5xx 为临时错误，其余 4xx 为永久错误
func Classify(code int) func(error) error {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return retry.Retryable
	default:
		return retry.NonRetryable
	}
}

type Client struct {
	Endpoint     string
	APIKey       string
	HTTP         *http.Client
	PollInterval time.Duration
	// Timeout 单个 job 轮询的上限
	Timeout time.Duration
}

func NewClient(endpoint, apiKey string, pollInterval, timeout time.Duration) *Client {
	return &Client{
		Endpoint:     endpoint,
		APIKey:       apiKey,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		PollInterval: pollInterval,
		Timeout:      timeout,
	}
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("marshal request failed: %w", err))
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("create request failed: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Retryable(fmt.Errorf("worker %s %s: %w", method, url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
		se := &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: string(b)}
		return Classify(resp.StatusCode)(se)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Retryable(fmt.Errorf("decode response failed: %w", err))
	}
	return nil
}

// Submit 发送 POST /v1/generate，返回 job id
func (c *Client) Submit(ctx context.Context, r Request) (string, error) {
	var resp map[string]interface{}
	if err := c.do(ctx, http.MethodPost, c.Endpoint+"/v1/generate", r, &resp); err != nil {
		return "", err
	}
	// 优先返回根节点的 id
	if id, ok := resp["id"].(string); ok && id != "" {
		return id, nil
	}
	if id, ok := resp["job_id"].(string); ok && id != "" {
		return id, nil
	}
	return "", retry.NonRetryable(errors.New("response missing 'id'"))
}

// Get 查询 GET /v1/jobs/{id}
func (c *Client) Get(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodGet, c.Endpoint+"/v1/jobs/"+jobID, nil, &j); err != nil {
		return nil, err
	}
	if j.ID == "" {
		j.ID = jobID
	}
	return &j, nil
}

// Cancel DELETE /v1/jobs/{id}
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("empty job id")
	}
	return c.do(ctx, http.MethodDelete, c.Endpoint+"/v1/jobs/"+jobID, nil, nil)
}

// Wait 轮询直到 job 完成；ctx 取消时通知 worker 取消该 job
func (c *Client) Wait(ctx context.Context, jobID string) (*Result, error) {
	log := logger.Get("worker")

	interval := c.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	var timeout <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pollErrors := 0
	for {
		select {
		case <-timeout:
			c.cancelDetached(jobID)
			return nil, retry.Retryable(fmt.Errorf("polling job %s timeout after %s", jobID, c.Timeout))
		case <-ctx.Done():
			c.cancelDetached(jobID)
			return nil, ctx.Err()
		case <-ticker.C:
			job, err := c.Get(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				pollErrors++
				if retry.IsRetryable(err) && pollErrors < maxPollErrors {
					log.WithError(err).WithField("job_id", jobID).Warn("轮询网络错误(重试中)")
					continue
				}
				return nil, err
			}
			pollErrors = 0
			switch job.State() {
			case StateDone:
				return &job.Result, nil
			case StateFailed:
				return nil, retry.Retryable(fmt.Errorf("worker reported failure for job %s: %s", jobID, job.Error))
			}
		}
	}
}

// Run 提交并等待结果
func (c *Client) Run(ctx context.Context, r Request) (*Result, error) {
	jobID, err := c.Submit(ctx, r)
	if err != nil {
		return nil, err
	}
	logger.Get("worker").WithFields(logrus.Fields{"job_id": jobID, "type": r.Type, "run_id": r.RunID}).Info("任务已提交，开始轮询结果")
	return c.Wait(ctx, jobID)
}

func (c *Client) cancelDetached(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Cancel(ctx, jobID); err != nil {
		logger.Get("worker").WithError(err).WithField("job_id", jobID).Warn("取消 worker job 失败")
	}
}
