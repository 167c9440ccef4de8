package ports

import (
	"context"
	"sync"

	"github.com/cuemby/shardsched/pkg/types"
)

// StaticAttributeLoader is an in-process AttributeLoader double backed by a
// fixed map, for `schedulerd run --standalone` and for tests that want
// direct control over host attributes without wiring a real attribute
// source.
type StaticAttributeLoader struct {
	mu    sync.RWMutex
	hosts map[string]types.HostAttributes
}

// NewStaticAttributeLoader returns a loader seeded with hosts.
func NewStaticAttributeLoader(hosts ...types.HostAttributes) *StaticAttributeLoader {
	l := &StaticAttributeLoader{hosts: make(map[string]types.HostAttributes, len(hosts))}
	for _, h := range hosts {
		l.hosts[h.Host] = h
	}
	return l
}

// Set adds or replaces the attributes for a single host.
func (l *StaticAttributeLoader) Set(attrs types.HostAttributes) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hosts[attrs.Host] = attrs
}

func (l *StaticAttributeLoader) Load(ctx context.Context, host string) (types.HostAttributes, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.hosts[host]
	return a, ok, nil
}

func (l *StaticAttributeLoader) LoadAll(ctx context.Context) ([]types.HostAttributes, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.HostAttributes, 0, len(l.hosts))
	for _, a := range l.hosts {
		out = append(out, a)
	}
	return out, nil
}
