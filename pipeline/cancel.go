package pipeline

import (
	"context"
	"sync"
)

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// cancelRegistry 正在执行的 run -> cancelFunc
type cancelRegistry struct {
	sync.RWMutex
	m map[string]*execution
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{m: make(map[string]*execution)}
}

// register 返回 nil 表示该 run 已在执行
func (r *cancelRegistry) register(runID string, cancel context.CancelFunc) *execution {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.m[runID]; ok {
		return nil
	}
	e := &execution{cancel: cancel, done: make(chan struct{})}
	r.m[runID] = e
	return e
}

func (r *cancelRegistry) unregister(runID string, e *execution) {
	r.Lock()
	defer r.Unlock()
	if r.m[runID] == e {
		delete(r.m, runID)
	}
	close(e.done)
}

// cancel 发出取消信号，返回执行结束的通知 channel；未在执行时返回 nil
func (r *cancelRegistry) cancel(runID string) <-chan struct{} {
	r.RLock()
	defer r.RUnlock()
	if e, ok := r.m[runID]; ok {
		e.cancel()
		return e.done
	}
	return nil
}

func (r *cancelRegistry) running(runID string) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.m[runID]
	return ok
}
