package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter 本地调试用，任务立即完成。Fail 可注入失败。
type MockAdapter struct {
	name string

	mu    sync.Mutex
	calls int
	// Fail 返回非 nil 时 Submit 失败
	Fail func(spec SceneSpec, call int) error
}

func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name}
}

func (m *MockAdapter) Name() string { return m.name }

func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAdapter) Submit(ctx context.Context, spec SceneSpec) (JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return JobHandle{}, err
	}
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if m.Fail != nil {
		if err := m.Fail(spec, call); err != nil {
			return JobHandle{}, err
		}
	}
	return JobHandle{
		Provider: m.name,
		JobID:    fmt.Sprintf("%s-%d", m.name, call),
		Key:      fmt.Sprintf("mock://%s/%s/%d/%d", m.name, spec.RunID, spec.SceneIndex, spec.Attempt),
	}, nil
}

func (m *MockAdapter) Poll(context.Context, JobHandle) (JobStatus, error) {
	return JobStatus{State: JobDone}, nil
}

func (m *MockAdapter) Fetch(_ context.Context, h JobHandle) (string, error) {
	return h.Key, nil
}
