package mocks

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MockRedisClient provides the hash operations used by the pending cache.
type MockRedisClient struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string

	// Error injection
	HSetError    error
	HGetAllError error
	DelError     error
	PingError    error

	// Call tracking
	DelCalls int
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		hashes: make(map[string]map[string]string),
	}
}

// HSet stores field/value pairs passed as alternating arguments.
func (m *MockRedisClient) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	if m.HSetError != nil {
		cmd.SetErr(m.HSetError)
		return cmd
	}
	if len(values)%2 != 0 {
		cmd.SetErr(fmt.Errorf("ERR wrong number of arguments for 'hset' command"))
		return cmd
	}

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	var added int64
	for i := 0; i < len(values); i += 2 {
		field := fmt.Sprint(values[i])
		if _, exists := h[field]; !exists {
			added++
		}
		h[field] = fmt.Sprint(values[i+1])
	}
	cmd.SetVal(added)
	return cmd
}

func (m *MockRedisClient) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cmd := redis.NewMapStringStringCmd(ctx)
	if m.HGetAllError != nil {
		cmd.SetErr(m.HGetAllError)
		return cmd
	}
	val := maps.Clone(m.hashes[key])
	if val == nil {
		val = make(map[string]string)
	}
	cmd.SetVal(val)
	return cmd
}

// Del deletes keys.
func (m *MockRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DelCalls++
	cmd := redis.NewIntCmd(ctx)
	if m.DelError != nil {
		cmd.SetErr(m.DelError)
		return cmd
	}

	var deleted int64
	for _, key := range keys {
		if _, ok := m.hashes[key]; ok {
			delete(m.hashes, key)
			deleted++
		}
	}
	cmd.SetVal(deleted)
	return cmd
}

// Ping checks connection.
func (m *MockRedisClient) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if m.PingError != nil {
		cmd.SetErr(m.PingError)
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

// SetField directly sets a hash field (for test setup).
func (m *MockRedisClient) SetField(key, field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	m.hashes[key][field] = value
}

// Fields returns a copy of a hash (for test assertions).
func (m *MockRedisClient) Fields(key string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.hashes[key])
}

// Reset clears all data and injected errors.
func (m *MockRedisClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hashes = make(map[string]map[string]string)
	m.HSetError = nil
	m.HGetAllError = nil
	m.DelError = nil
	m.PingError = nil
	m.DelCalls = 0
}
