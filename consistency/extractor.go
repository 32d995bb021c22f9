package consistency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"StoryToVideo-pipeline/retry"
	"StoryToVideo-pipeline/worker"
)

// Extractor 计算图像/视频帧的 embedding
type Extractor interface {
	Extract(ctx context.Context, uri string) ([]float64, error)
}

type ExtractorFunc func(ctx context.Context, uri string) ([]float64, error)

func (f ExtractorFunc) Extract(ctx context.Context, uri string) ([]float64, error) {
	return f(ctx, uri)
}

// HTTPExtractor POST {endpoint}/v1/embeddings {"uri": ...} -> {"embedding": [...]}
type HTTPExtractor struct {
	Endpoint string
	HTTP     *http.Client
}

func NewHTTPExtractor(endpoint string) *HTTPExtractor {
	return &HTTPExtractor{Endpoint: endpoint, HTTP: &http.Client{Timeout: 2 * time.Minute}}
}

func (e *HTTPExtractor) Extract(ctx context.Context, uri string) ([]float64, error) {
	body, _ := json.Marshal(map[string]string{"uri": uri})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Retryable(fmt.Errorf("embedding request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, worker.Classify(resp.StatusCode)(fmt.Errorf("embedding status %d: %s", resp.StatusCode, b))
	}
	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, retry.Retryable(fmt.Errorf("decode embedding: %w", err))
	}
	if len(out.Embedding) == 0 {
		return nil, retry.NonRetryable(errors.New("empty embedding"))
	}
	return out.Embedding, nil
}

// StaticExtractor 未配置 embedding 服务时使用：所有输入得到同一向量，校验恒通过
type StaticExtractor struct{}

func (StaticExtractor) Extract(context.Context, string) ([]float64, error) {
	return []float64{1}, nil
}
