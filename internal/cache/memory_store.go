package cache

import (
	"context"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内存储，进程退出即丢失。
func NewMemoryStorage() Storage {
	return &memoryStore{
		partitions: make(map[string]*memoryPartition),
	}
}

type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
	order      []string
}

type memoryPartition struct {
	name    string
	mu      sync.RWMutex
	entries map[Key]*Response
}

func (m *memoryStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	part, ok := m.partitions[name]
	if !ok {
		part = &memoryPartition{name: name, entries: make(map[Key]*Response)}
		m.partitions[name] = part
		m.order = append(m.order, name)
	}
	return part, nil
}

func (m *memoryStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[name]; !ok {
		return false, nil
	}
	delete(m.partitions, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *memoryStore) Match(ctx context.Context, key Key) (*Response, error) {
	return matchAll(ctx, m, key)
}

func (m *memoryStore) Close() error {
	return nil
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	resp, ok := p.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key Key, resp *Response) error {
	return p.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (p *memoryPartition) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := validateEntry(entry.Key, entry.Response); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range entries {
		stored := entry.Response.Clone()
		if stored.StoredAt.IsZero() {
			stored.StoredAt = now
		}
		p.entries[entry.Key] = stored
	}
	return nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]Key, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	return keys, nil
}
