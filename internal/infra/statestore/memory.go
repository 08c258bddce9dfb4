package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/storage/memory/v2"
)

// Memory keeps state in process. The sync token does not survive a restart.
type Memory struct {
	mu      sync.Mutex
	storage *memory.Storage
}

func NewMemory() *Memory {
	return &Memory{storage: memory.New(memory.Config{GCInterval: time.Minute})}
}

func (m *Memory) SyncToken(ctx context.Context) (string, error) {
	val, err := m.storage.Get(syncTokenKey)
	return string(val), err
}

func (m *Memory) SetSyncToken(ctx context.Context, token string) error {
	return m.storage.Set(syncTokenKey, []byte(token), 0)
}

func (m *Memory) Allow(ctx context.Context, sender string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	key := cooldownKey(sender)

	m.mu.Lock()
	defer m.mu.Unlock()
	val, err := m.storage.Get(key)
	if err != nil {
		return false, err
	}
	if val != nil {
		return false, nil
	}
	return true, m.storage.Set(key, []byte{1}, ttl)
}

func (m *Memory) Close() error {
	return m.storage.Close()
}
