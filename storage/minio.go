package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/retry"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore 把 provider 返回的临时资源转存到自有存储
type ArtifactStore interface {
	Rehost(ctx context.Context, sourceURL, objectName string) (string, error)
}

type MinIOStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	http   *http.Client
}

// NewMinIO 初始化连接，在 main.go 中调用
func NewMinIO(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	logger.Get("app").Info("MinIO 连接成功")
	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		expiry: 72 * time.Hour,
		http:   &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建 Bucket 失败: %w", err)
	}
	logger.Get("app").Infof("Bucket '%s' 已创建", s.bucket)
	return nil
}

// Upload 从 io.Reader 上传，返回预签名 URL；size 为 -1 表示未知大小
func (s *MinIOStore) Upload(ctx context.Context, reader io.Reader, objectName string, size int64) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", retry.Retryable(err)
	}

	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: ContentType(objectName),
	})
	if err != nil {
		return "", retry.Retryable(fmt.Errorf("上传到 MinIO 失败: %w", err))
	}

	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.expiry, make(url.Values))
	if err != nil {
		return "", retry.Retryable(fmt.Errorf("生成签名 URL 失败: %w", err))
	}
	logger.Get("app").Debugf("文件已上传: %s", objectName)
	return presigned.String(), nil
}

// Rehost 下载 sourceURL 并上传到 objectName
func (s *MinIOStore) Rehost(ctx context.Context, sourceURL, objectName string) (string, error) {
	if sourceURL == "" {
		return "", retry.NonRetryable(fmt.Errorf("resourceUrl is empty"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", retry.NonRetryable(err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", retry.Retryable(fmt.Errorf("download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download %s status: %d", sourceURL, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", retry.Retryable(err)
		}
		return "", retry.NonRetryable(err)
	}
	if filepath.Ext(objectName) == "" {
		objectName += extFromContentType(resp.Header.Get("Content-Type"))
	}
	return s.Upload(ctx, resp.Body, objectName, resp.ContentLength)
}

// ContentType 根据文件扩展名确定
func ContentType(objectName string) string {
	switch strings.ToLower(filepath.Ext(objectName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

func extFromContentType(ct string) string {
	switch {
	case strings.HasPrefix(ct, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(ct, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(ct, "audio/wav"), strings.HasPrefix(ct, "audio/x-wav"):
		return ".wav"
	case strings.HasPrefix(ct, "image/png"):
		return ".png"
	case strings.HasPrefix(ct, "image/jpeg"):
		return ".jpg"
	}
	return ""
}
