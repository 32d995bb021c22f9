package dispatcher

import (
	"sync"

	"StoryToVideo-pipeline/provider"
)

type providerStats struct {
	calls    int
	failures int
	excluded bool
}

// selector 在健康 provider 之间轮询；失败率超限的 provider 在本次 run 内被排除
type selector struct {
	mu          sync.Mutex
	providers   []provider.Adapter
	stats       map[string]*providerStats
	next        int
	failureRate float64
	minCalls    int
}

func newSelector(providers []provider.Adapter, failureRate float64, minCalls int) *selector {
	s := &selector{
		providers:   providers,
		stats:       make(map[string]*providerStats, len(providers)),
		failureRate: failureRate,
		minCalls:    minCalls,
	}
	for _, p := range providers {
		s.stats[p.Name()] = &providerStats{}
	}
	return s
}

// pick 返回下一个 provider；avoid 仅在还有其他健康 provider 时被跳过
func (s *selector) pick(avoid string) provider.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy := make([]provider.Adapter, 0, len(s.providers))
	for _, p := range s.providers {
		if !s.stats[p.Name()].excluded {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	candidates := healthy
	if avoid != "" && len(healthy) > 1 {
		candidates = make([]provider.Adapter, 0, len(healthy))
		for _, p := range healthy {
			if p.Name() != avoid {
				candidates = append(candidates, p)
			}
		}
	}
	p := candidates[s.next%len(candidates)]
	s.next++
	return p
}

func (s *selector) record(name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[name]
	st.calls++
	if !ok {
		st.failures++
	}
	if st.calls >= s.minCalls && float64(st.failures)/float64(st.calls) > s.failureRate {
		st.excluded = true
	}
}

func (s *selector) excluded(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[name].excluded
}
