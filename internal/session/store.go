// ABOUTME: Session store interface and the session info persisted per shard.
// ABOUTME: Instantiated once per process and injected into the controller; never global.

package session

import (
	"context"
	"sync"
)

// Info is the resumable state of one shard's gateway session.
type Info struct {
	SessionID  string `cbor:"session_id" json:"session_id"`
	Sequence   int64  `cbor:"sequence" json:"sequence"`
	ShardID    int    `cbor:"shard_id" json:"shard_id"`
	ShardCount int    `cbor:"shard_count" json:"shard_count"`
	ResumeURL  string `cbor:"resume_url,omitempty" json:"resume_url,omitempty"`
}

// Store persists session info keyed by shard id. Get returns nil, nil
// when no session is stored.
type Store interface {
	Get(ctx context.Context, shardID int) (*Info, error)
	Set(ctx context.Context, shardID int, info *Info) error
	Delete(ctx context.Context, shardID int) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int]Info
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int]Info)}
}

// Get returns a copy of the stored info.
func (m *MemoryStore) Get(ctx context.Context, shardID int) (*Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.sessions[shardID]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// Set stores a copy of info. A nil info deletes the entry.
func (m *MemoryStore) Set(ctx context.Context, shardID int, info *Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info == nil {
		delete(m.sessions, shardID)
		return nil
	}
	m.sessions[shardID] = *info
	return nil
}

// Delete removes the entry for shardID.
func (m *MemoryStore) Delete(ctx context.Context, shardID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, shardID)
	return nil
}
