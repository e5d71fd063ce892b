package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string `yaml:"path"`

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int `yaml:"cache_size"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections
	MaxConnections int `yaml:"max_connections"`
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteStore implements Store using SQLite. Chunk payloads and metadata
// slots live in two tables so ClearAll can empty both in one transaction.
type SQLiteStore struct {
	config SQLiteStoreConfig
	codec  *chunkCodec

	mu     sync.RWMutex
	db     *sql.DB
	inited bool
	closed bool

	// Prepared statements for the hot paths
	upsertSlot  *sql.Stmt
	selectSlot  *sql.Stmt
	upsertChunk *sql.Stmt
	selectChunk *sql.Stmt
	existsChunk *sql.Stmt
	countChunks *sql.Stmt
}

// NewSQLiteStore creates a new SQLite-backed store. The database file is not
// touched until Init or the first operation.
func NewSQLiteStore(config SQLiteStoreConfig, codec *chunkCodec) *SQLiteStore {
	if config.Path == "" {
		config.Path = "chunkstore.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if codec == nil {
		codec = newChunkCodec(true, nil)
	}

	return &SQLiteStore{config: config, codec: codec}
}

// Init idempotently opens the database and prepares the schema. Every other
// operation calls it implicitly, so Init failures surface on first use too.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked(ctx)
}

func (s *SQLiteStore) initLocked(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.inited {
		return nil
	}

	dsn := fmt.Sprintf("%s?_pragma=cache_size(%d)&_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)",
		s.config.Path, s.config.CacheSize, s.config.JournalMode, s.config.Synchronous, s.config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: open database: %v", ErrStorageUnavailable, err)
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)

	schema := `
		CREATE TABLE IF NOT EXISTS dataset_meta (
			slot TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			chunk_id INTEGER PRIMARY KEY,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("%w: create schema: %v", ErrStorageUnavailable, err)
	}

	if err := s.prepareStatementsLocked(db); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.db = db
	s.inited = true
	return nil
}

func (s *SQLiteStore) prepareStatementsLocked(db *sql.DB) error {
	var err error

	s.upsertSlot, err = db.Prepare(`
		INSERT OR REPLACE INTO dataset_meta (slot, data, updated_at)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare slot upsert: %w", err)
	}

	s.selectSlot, err = db.Prepare(`SELECT data FROM dataset_meta WHERE slot = ?`)
	if err != nil {
		return fmt.Errorf("prepare slot select: %w", err)
	}

	s.upsertChunk, err = db.Prepare(`
		INSERT OR REPLACE INTO chunks (chunk_id, data, size, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk upsert: %w", err)
	}

	s.selectChunk, err = db.Prepare(`SELECT data FROM chunks WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare chunk select: %w", err)
	}

	s.existsChunk, err = db.Prepare(`SELECT 1 FROM chunks WHERE chunk_id = ? LIMIT 1`)
	if err != nil {
		return fmt.Errorf("prepare chunk exists: %w", err)
	}

	s.countChunks, err = db.Prepare(`SELECT COUNT(*) FROM chunks`)
	if err != nil {
		return fmt.Errorf("prepare chunk count: %w", err)
	}

	return nil
}

// ensure makes the store usable and returns with the read lock held, so the
// prepared statements cannot be closed under a running operation. The caller
// must release via s.mu.RUnlock.
func (s *SQLiteStore) ensure(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	if s.inited {
		return nil
	}
	s.mu.RUnlock()

	if err := s.Init(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

// ClearAll empties metadata slots and chunks in one transaction.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	// The salt slot survives: it belongs to the store's encryption setup,
	// not to the dataset being invalidated.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_meta WHERE slot != ?`, slotSalt); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) saveSlot(ctx context.Context, slot string, data []byte) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	defer s.mu.RUnlock()
	if _, err := s.upsertSlot.ExecContext(ctx, slot, data, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("save slot %s: %w", slot, err)
	}
	return nil
}

func (s *SQLiteStore) getSlot(ctx context.Context, slot string) ([]byte, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	var data []byte
	err := s.selectSlot.QueryRowContext(ctx, slot).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read slot %s: %w", slot, err)
	}
	return data, nil
}

// SaveMetadata stores the current dataset descriptor.
func (s *SQLiteStore) SaveMetadata(ctx context.Context, meta *DatasetMetadata) error {
	payload, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	return s.saveSlot(ctx, slotCurrent, payload)
}

// GetMetadata retrieves the current dataset descriptor.
func (s *SQLiteStore) GetMetadata(ctx context.Context) (*DatasetMetadata, error) {
	payload, err := s.getSlot(ctx, slotCurrent)
	if err != nil {
		return nil, err
	}
	return decodeMetadata(payload)
}

// SaveMetadataHash stores the dataset content hash.
func (s *SQLiteStore) SaveMetadataHash(ctx context.Context, hash string) error {
	return s.saveSlot(ctx, slotHash, []byte(hash))
}

// GetMetadataHash retrieves the stored content hash.
func (s *SQLiteStore) GetMetadataHash(ctx context.Context) (string, error) {
	payload, err := s.getSlot(ctx, slotHash)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// SaveChunk upserts a chunk payload by id.
func (s *SQLiteStore) SaveChunk(ctx context.Context, id int, data *ChunkData) error {
	payload, err := s.codec.Encode(data)
	if err != nil {
		return err
	}
	if err := s.ensure(ctx); err != nil {
		return err
	}
	defer s.mu.RUnlock()
	if _, err := s.upsertChunk.ExecContext(ctx, id, payload, len(payload), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("save chunk %d: %w", id, err)
	}
	return nil
}

// GetChunk is a point lookup by chunk id.
func (s *SQLiteStore) GetChunk(ctx context.Context, id int) (*ChunkData, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	var payload []byte
	err := s.selectChunk.QueryRowContext(ctx, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", id, err)
	}
	return s.codec.Decode(payload)
}

// HasChunk checks existence without touching the payload.
func (s *SQLiteStore) HasChunk(ctx context.Context, id int) (bool, error) {
	if err := s.ensure(ctx); err != nil {
		return false, err
	}
	defer s.mu.RUnlock()
	var one int
	err := s.existsChunk.QueryRowContext(ctx, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check chunk %d: %w", id, err)
	}
	return true, nil
}

// CountChunks returns the persisted chunk count.
func (s *SQLiteStore) CountChunks(ctx context.Context) (int, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	var count int
	if err := s.countChunks.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// Close releases the database and prepared statements.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if !s.inited {
		return nil
	}

	for _, stmt := range []*sql.Stmt{s.upsertSlot, s.selectSlot, s.upsertChunk, s.selectChunk, s.existsChunk, s.countChunks} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// saveSalt and getSalt persist the key-derivation salt under its own slot.
func (s *SQLiteStore) saveSalt(ctx context.Context, salt []byte) error {
	return s.saveSlot(ctx, slotSalt, salt)
}

func (s *SQLiteStore) getSalt(ctx context.Context) ([]byte, error) {
	return s.getSlot(ctx, slotSalt)
}
