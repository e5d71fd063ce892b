package chunkstore

import "context"

// Metadata slot names. The store keeps exactly one current dataset descriptor
// and its content hash under fixed slots, independent of chunk identity.
const (
	slotCurrent = "current"
	slotHash    = "hash"
	slotSalt    = "salt" // key-derivation salt when encryption uses a password
)

// Store is the persistence contract shared by the ingest pipeline and the
// range reader. All operations are context-aware and safe for concurrent use;
// writes to different chunk ids must not corrupt each other or the metadata
// slots. Implementations initialize lazily: every operation is safe to call
// before an explicit Init.
type Store interface {
	// Init idempotently prepares persistent storage.
	Init(ctx context.Context) error

	// ClearAll atomically empties both the metadata slots and the chunk
	// collection. It must never leave chunks referencing cleared metadata or
	// vice versa.
	ClearAll(ctx context.Context) error

	// SaveMetadata stores the single current dataset descriptor.
	SaveMetadata(ctx context.Context, meta *DatasetMetadata) error

	// GetMetadata retrieves the current descriptor, or ErrNotFound.
	GetMetadata(ctx context.Context) (*DatasetMetadata, error)

	// SaveMetadataHash stores the dataset content hash used for cache
	// invalidation, under its own slot.
	SaveMetadataHash(ctx context.Context, hash string) error

	// GetMetadataHash retrieves the stored content hash, or ErrNotFound.
	GetMetadataHash(ctx context.Context) (string, error)

	// SaveChunk upserts a chunk by id, overwriting any existing entry.
	SaveChunk(ctx context.Context, id int, data *ChunkData) error

	// GetChunk is a point lookup by chunk id, or ErrNotFound.
	GetChunk(ctx context.Context, id int) (*ChunkData, error)

	// HasChunk checks existence without deserializing the payload.
	HasChunk(ctx context.Context, id int) (bool, error)

	// CountChunks returns the total persisted chunk count, used for
	// cache-completeness checks.
	CountChunks(ctx context.Context) (int, error)

	// Close releases any resources.
	Close() error
}

// Ensure interfaces are implemented
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*S3Store)(nil)
)
