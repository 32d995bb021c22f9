package provider

import (
	"fmt"
	"time"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/storage"
	"StoryToVideo-pipeline/worker"
)

// FromConfig 按配置顺序构建 adapter，未配置任何 provider 时退回 mock
func FromConfig(providers []config.ProviderConfig, d config.DispatcherConfig, store storage.ArtifactStore) ([]Adapter, error) {
	if len(providers) == 0 {
		logger.Get("provider").Warn("no providers configured, falling back to mock provider")
		return []Adapter{NewMockAdapter("mock")}, nil
	}

	seen := make(map[string]bool, len(providers))
	out := make([]Adapter, 0, len(providers))
	for _, p := range providers {
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Kind {
		case "worker", "":
			client := worker.NewClient(p.Endpoint, p.APIKey, d.PollInterval, d.CallTimeout)
			// 生成较慢，单请求超时放宽
			client.HTTP.Timeout = 2 * time.Minute
			out = append(out, NewWorkerAdapter(p.Name, client, p.RPS, store))
		case "mock":
			out = append(out, NewMockAdapter(p.Name))
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
	}
	return out, nil
}
