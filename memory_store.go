package chunkstore

import (
	"context"
	"sync"
)

// MemoryStore implements Store using in-memory storage.
// Useful for testing and ephemeral sessions that never reload.
type MemoryStore struct {
	mu     sync.RWMutex
	slots  map[string][]byte
	chunks map[int]*ChunkData
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:  make(map[string][]byte),
		chunks: make(map[int]*ChunkData),
	}
}

func (m *MemoryStore) Init(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.slots = make(map[string][]byte)
	m.chunks = make(map[int]*ChunkData)
	return nil
}

func (m *MemoryStore) SaveMetadata(ctx context.Context, meta *DatasetMetadata) error {
	payload, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.slots[slotCurrent] = payload
	return nil
}

func (m *MemoryStore) GetMetadata(ctx context.Context) (*DatasetMetadata, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	payload, ok := m.slots[slotCurrent]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeMetadata(payload)
}

func (m *MemoryStore) SaveMetadataHash(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.slots[slotHash] = []byte(hash)
	return nil
}

func (m *MemoryStore) GetMetadataHash(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	payload, ok := m.slots[slotHash]
	if !ok {
		return "", ErrNotFound
	}
	return string(payload), nil
}

func (m *MemoryStore) SaveChunk(ctx context.Context, id int, data *ChunkData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.chunks[id] = data
	return nil
}

func (m *MemoryStore) GetChunk(ctx context.Context, id int) (*ChunkData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.chunks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *MemoryStore) HasChunk(ctx context.Context, id int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.chunks[id]
	return ok, nil
}

func (m *MemoryStore) CountChunks(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.chunks), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// saveSalt and getSalt keep the key-derivation salt alongside the slots.
func (m *MemoryStore) saveSalt(ctx context.Context, salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.slots[slotSalt] = salt
	return nil
}

func (m *MemoryStore) getSalt(ctx context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	salt, ok := m.slots[slotSalt]
	if !ok {
		return nil, ErrNotFound
	}
	return salt, nil
}
