package chunkstore

import (
	"sync"
	"sync/atomic"
)

// ResidentCache is the in-memory tier of loaded chunks. It is a cache of
// persisted chunks, never authoritative: it can be dropped and repopulated
// from the store at any time. There is no eviction; total resident size is
// bounded by the dataset, and a session discards the whole cache on clear.
type ResidentCache struct {
	mu     sync.RWMutex
	chunks map[int]*ChunkData

	hits   atomic.Int64
	misses atomic.Int64
}

// ResidentStats reports hit/miss counters for the resident tier.
type ResidentStats struct {
	Chunks int
	Hits   int64
	Misses int64
}

// NewResidentCache creates an empty resident tier.
func NewResidentCache() *ResidentCache {
	return &ResidentCache{chunks: make(map[int]*ChunkData)}
}

// Get returns the resident chunk for id, if any.
func (r *ResidentCache) Get(id int) (*ChunkData, bool) {
	r.mu.RLock()
	data, ok := r.chunks[id]
	r.mu.RUnlock()

	if ok {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	return data, ok
}

// Put promotes a chunk into the resident tier.
func (r *ResidentCache) Put(id int, data *ChunkData) {
	r.mu.Lock()
	r.chunks[id] = data
	r.mu.Unlock()
}

// Has reports whether a chunk is resident, without touching the counters.
func (r *ResidentCache) Has(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chunks[id]
	return ok
}

// Len returns the number of resident chunks.
func (r *ResidentCache) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// Clear drops every resident chunk.
func (r *ResidentCache) Clear() {
	r.mu.Lock()
	r.chunks = make(map[int]*ChunkData)
	r.mu.Unlock()
}

// Stats returns the current counters.
func (r *ResidentCache) Stats() ResidentStats {
	r.mu.RLock()
	n := len(r.chunks)
	r.mu.RUnlock()

	return ResidentStats{
		Chunks: n,
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
	}
}
