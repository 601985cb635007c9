package store

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryRepository is a process-local Repository with the same semantics as
// the Redis implementation, including atomic field operations. It backs
// single-process deployments and the test suites. TTLs are recorded but
// only enforced lazily on read.
type MemoryRepository struct {
	mu      sync.Mutex
	values  map[string][]byte
	hashes  map[string]map[string]string
	expires map[string]time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		values:  make(map[string][]byte),
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Time),
	}
}

func (m *MemoryRepository) expired(key string) bool {
	if deadline, ok := m.expires[key]; ok && time.Now().After(deadline) {
		delete(m.values, key)
		delete(m.hashes, key)
		delete(m.expires, key)
		return true
	}
	return false
}

func (m *MemoryRepository) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, ErrNotFound
	}
	val, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (m *MemoryRepository) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	delete(m.expires, key)
	return nil
}

func (m *MemoryRepository) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	m.expires[key] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.expires, key)
	return nil
}

func (m *MemoryRepository) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryRepository) GetField(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", ErrNotFound
	}
	val, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (m *MemoryRepository) SetField(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	m.hashes[key][field] = value
	return nil
}

func (m *MemoryRepository) SetFieldNX(ctx context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	if _, exists := m.hashes[key][field]; exists {
		return false, nil
	}
	m.hashes[key][field] = value
	return true, nil
}

func (m *MemoryRepository) IncrementField(ctx context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	current, _ := strconv.ParseInt(m.hashes[key][field], 10, 64)
	current += delta
	m.hashes[key][field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *MemoryRepository) GetAllFields(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, ErrNotFound
	}
	fields, ok := m.hashes[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryRepository) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for key := range m.values {
		seen[key] = struct{}{}
	}
	for key := range m.hashes {
		seen[key] = struct{}{}
	}
	var matched []string
	for key := range seen {
		if m.expired(key) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}
