package chunkstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Cache is the session handle over one chunked dataset: the persistent store,
// the in-memory resident tier, and the ingest pipeline. The resident tier is
// owned by the session and discarded with it; the store is the only
// authoritative copy.
type Cache struct {
	config   Config
	store    Store
	codec    *chunkCodec
	resident *ResidentCache
	ingestor *Ingestor
	logger   *slog.Logger

	mu     sync.RWMutex
	meta   *DatasetMetadata
	closed bool
}

// saltStore is implemented by stores that can persist the key-derivation
// salt across dataset invalidations.
type saltStore interface {
	saveSalt(ctx context.Context, salt []byte) error
	getSalt(ctx context.Context) ([]byte, error)
}

// Open prepares a dataset session. The persistent store is initialized
// eagerly so a broken storage environment fails here, not on first ingest;
// metadata persisted by an earlier session is loaded so range reads work
// without re-ingesting.
func Open(path string, cfg Config) (*Cache, error) {
	cfg.normalize()
	if cfg.Path == "" {
		cfg.Path = path
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = cfg.Path
	}
	if cfg.Backend == nil && cfg.S3 == nil && cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	codec := newChunkCodec(!cfg.DisableCompression, nil)

	var store Store
	switch {
	case cfg.Backend != nil:
		store = cfg.Backend
	case cfg.S3 != nil:
		s3Store, err := NewS3Store(*cfg.S3, codec)
		if err != nil {
			return nil, err
		}
		store = s3Store
	default:
		store = NewSQLiteStore(cfg.SQLite, codec)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	if err := setupEncryption(ctx, store, codec, cfg.Encryption); err != nil {
		store.Close()
		return nil, err
	}

	c := &Cache{
		config:   cfg,
		store:    store,
		codec:    codec,
		resident: NewResidentCache(),
		logger:   slog.Default(),
	}
	c.ingestor = NewIngestor(store, c.resident, cfg.Ingest)

	// A prior session's dataset stays readable without re-ingest.
	meta, err := store.GetMetadata(ctx)
	if err == nil {
		c.meta = meta
	} else if !IsNotFound(err) {
		store.Close()
		return nil, fmt.Errorf("load persisted metadata: %w", err)
	}

	return c, nil
}

// setupEncryption wires the configured encryptor into the chunk codec. A
// password-derived key needs its salt persisted so a reopened store can
// rebuild the same key; the salt survives ClearAll.
func setupEncryption(ctx context.Context, store Store, codec *chunkCodec, cfg *EncryptionConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if len(cfg.Key) > 0 {
		enc, err := NewEncryptor(*cfg)
		if err != nil {
			return err
		}
		codec.encryptor = enc
		return nil
	}

	slots, ok := store.(saltStore)
	if !ok {
		return fmt.Errorf("store cannot persist a key-derivation salt; use a raw 32-byte key")
	}

	salt, err := slots.getSalt(ctx)
	if err == nil {
		enc, err := NewEncryptorWithSalt(cfg.KeyPassword, salt)
		if err != nil {
			return err
		}
		codec.encryptor = enc
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	enc, err := NewEncryptor(*cfg)
	if err != nil {
		return err
	}
	if err := slots.saveSalt(ctx, enc.Salt()); err != nil {
		return fmt.Errorf("persist key salt: %w", err)
	}
	codec.encryptor = enc
	return nil
}

// Ingest loads an uploaded dataset (see Ingestor.Ingest) and adopts its
// metadata for subsequent range reads.
func (c *Cache) Ingest(ctx context.Context, files []InputFile, progress ProgressFunc) (*DatasetMetadata, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	c.mu.RUnlock()

	meta, err := c.ingestor.Ingest(ctx, files, progress)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.meta = meta
	c.mu.Unlock()
	return meta, nil
}

// ReadRange returns the merged series for indices in [start, end).
func (c *Cache) ReadRange(ctx context.Context, start, end int) (*ChunkData, error) {
	c.mu.RLock()
	meta := c.meta
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if meta == nil {
		return nil, ErrNoDataset
	}

	return NewRangeReader(c.store, c.resident, meta).ReadRange(ctx, start, end)
}

// Metadata returns the current dataset descriptor, if one is loaded.
func (c *Cache) Metadata() (*DatasetMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta, c.meta != nil
}

// ClearAll drops the persisted dataset and the resident tier.
func (c *Cache) ClearAll(ctx context.Context) error {
	if err := c.store.ClearAll(ctx); err != nil {
		return err
	}
	c.resident.Clear()

	c.mu.Lock()
	c.meta = nil
	c.mu.Unlock()
	return nil
}

// Store exposes the underlying persistence contract for consumers that need
// direct slot or chunk access.
func (c *Cache) Store() Store {
	return c.store
}

// ResidentStats reports hit/miss counters for the in-memory tier.
func (c *Cache) ResidentStats() ResidentStats {
	return c.resident.Stats()
}

// Close releases the session and its store.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.store.Close()
}
