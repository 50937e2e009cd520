package workload

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Client for tests and clusterless setups
// (workload.kind "none"). With AutoReady set, ensured deployments report
// ready immediately, letting the reconciler progress without real pods.
type Memory struct {
	AutoReady bool

	mu    sync.Mutex
	items map[string]*memoryItem
}

type memoryItem struct {
	labels    map[string]string
	replicas  int
	ready     int
	createdAt time.Time
}

// NewMemory returns an empty in-memory client.
func NewMemory(autoReady bool) *Memory {
	return &Memory{AutoReady: autoReady, items: make(map[string]*memoryItem)}
}

func (m *Memory) EnsureDeployment(_ context.Context, spec DeploymentSpec) error {
	labels := map[string]string{AppLabelKey: AppLabelValue}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[spec.Name]
	if !ok {
		item = &memoryItem{createdAt: time.Now()}
		m.items[spec.Name] = item
	}
	item.labels = labels
	item.replicas = spec.Replicas
	if m.AutoReady {
		item.ready = spec.Replicas
	}
	return nil
}

func (m *Memory) ScaleDeployment(_ context.Context, name string, replicas int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[name]
	if !ok {
		return fmt.Errorf("scale deployment %s: %w", name, ErrNotFound)
	}
	item.replicas = replicas
	if m.AutoReady || replicas < item.ready {
		item.ready = replicas
	}
	return nil
}

func (m *Memory) DeleteDeployment(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[name]; !ok {
		return fmt.Errorf("delete deployment %s: %w", name, ErrNotFound)
	}
	delete(m.items, name)
	return nil
}

func (m *Memory) GetDeployment(_ context.Context, name string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[name]
	if !ok {
		return nil, fmt.Errorf("get deployment %s: %w", name, ErrNotFound)
	}
	s := item.status(name)
	return &s, nil
}

func (m *Memory) ListDeployments(_ context.Context, labelSelector string) ([]Status, error) {
	want, err := parseSelector(labelSelector)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Status
	for name, item := range m.items {
		if matches(item.labels, want) {
			out = append(out, item.status(name))
		}
	}
	return out, nil
}

// SetReady adjusts the observed ready count; tests drive provisioning
// transitions with it.
func (m *Memory) SetReady(name string, ready int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[name]; ok {
		item.ready = ready
	}
}

// SetCreatedAt backdates a deployment; tests age orphans with it.
func (m *Memory) SetCreatedAt(name string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[name]; ok {
		item.createdAt = ts
	}
}

func (item *memoryItem) status(name string) Status {
	labels := make(map[string]string, len(item.labels))
	for k, v := range item.labels {
		labels[k] = v
	}
	return Status{
		Name:          name,
		Labels:        labels,
		Replicas:      item.replicas,
		ReadyReplicas: item.ready,
		CreatedAt:     item.createdAt,
	}
}

func parseSelector(selector string) (map[string]string, error) {
	want := make(map[string]string)
	if selector == "" {
		return want, nil
	}
	for _, pair := range strings.Split(selector, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid label selector %q", selector)
		}
		want[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return want, nil
}

func matches(labels, want map[string]string) bool {
	for k, v := range want {
		if labels[k] != v {
			return false
		}
	}
	return true
}
