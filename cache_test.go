package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// writeDataset renders a dataset's files into dir for directory-based ingest.
func writeDataset(t *testing.T, dir string, meta *DatasetMetadata) {
	t.Helper()

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prices"+MetadataFileSuffix), rawMeta, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	for _, info := range meta.Chunks {
		raw, err := json.Marshal(testChunk(meta, info.ID))
		if err != nil {
			t.Fatalf("marshal chunk %d: %v", info.ID, err)
		}
		if err := os.WriteFile(filepath.Join(dir, info.SourceFile), raw, 0o644); err != nil {
			t.Fatalf("write chunk %d: %v", info.ID, err)
		}
	}
}

func TestCacheIngestAndRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta := testMeta(100, 250, "btc", "eth")
	writeDataset(t, dir, meta)

	cache, err := Open(filepath.Join(dir, "chunks.db"), Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	if _, ok := cache.Metadata(); ok {
		t.Error("fresh cache reported a dataset")
	}
	if _, err := cache.ReadRange(ctx, 0, 10); !errors.Is(err, ErrNoDataset) {
		t.Fatalf("expected ErrNoDataset before ingest, got %v", err)
	}

	files, err := DirInputs(dir)
	if err != nil {
		t.Fatalf("dir inputs: %v", err)
	}
	got, err := cache.Ingest(ctx, files, nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !reflect.DeepEqual(got, meta) {
		t.Error("ingested metadata mismatch")
	}

	result, err := cache.ReadRange(ctx, 50, 150)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	checkRange(t, result, meta, 50, 150)

	stats := cache.ResidentStats()
	if stats.Chunks == 0 {
		t.Error("no chunks resident after a read")
	}
}

func TestCacheReopenWithoutReingest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chunks.db")
	meta := testMeta(100, 250, "btc")
	writeDataset(t, dir, meta)

	cache, err := Open(dbPath, Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	files, err := DirInputs(dir)
	if err != nil {
		t.Fatalf("dir inputs: %v", err)
	}
	if _, err := cache.Ingest(ctx, files, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A new session over the same file serves reads immediately.
	reopened, err := Open(dbPath, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	loaded, ok := reopened.Metadata()
	if !ok {
		t.Fatal("reopened cache lost the dataset")
	}
	if !reflect.DeepEqual(loaded, meta) {
		t.Error("reopened metadata mismatch")
	}

	result, err := reopened.ReadRange(ctx, 200, 250)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	checkRange(t, result, meta, 200, 250)
}

func TestCacheClearAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta := testMeta(100, 200, "btc")
	writeDataset(t, dir, meta)

	cache, err := Open(filepath.Join(dir, "chunks.db"), Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	files, _ := DirInputs(dir)
	if _, err := cache.Ingest(ctx, files, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := cache.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := cache.Metadata(); ok {
		t.Error("metadata survived clear")
	}
	if _, err := cache.ReadRange(ctx, 0, 10); !errors.Is(err, ErrNoDataset) {
		t.Errorf("expected ErrNoDataset after clear, got %v", err)
	}
	if cache.ResidentStats().Chunks != 0 {
		t.Error("resident tier survived clear")
	}
	count, err := cache.Store().CountChunks(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("persisted chunks survived clear: %d", count)
	}
}

func TestCacheMemoryBackend(t *testing.T) {
	ctx := context.Background()
	meta := testMeta(100, 200, "btc")

	cache, err := Open("", Config{Backend: NewMemoryStore()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	if _, err := cache.Ingest(ctx, testFiles(t, meta), nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	result, err := cache.ReadRange(ctx, 0, 200)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	checkRange(t, result, meta, 0, 200)
}

func TestCacheEncryptedRawKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chunks.db")
	meta := testMeta(100, 200, "btc")
	writeDataset(t, dir, meta)

	key := make([]byte, EncryptionKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	cfg := Config{Encryption: &EncryptionConfig{Enabled: true, Key: key}}

	cache, err := Open(dbPath, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	files, _ := DirInputs(dir)
	if _, err := cache.Ingest(ctx, files, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	cache.Close()

	// Without the key the persisted chunks are unreadable.
	plain, err := Open(dbPath, Config{})
	if err != nil {
		t.Fatalf("open without key: %v", err)
	}
	if _, err := plain.Store().GetChunk(ctx, 1); err == nil {
		t.Error("expected encrypted chunk to be unreadable without the key")
	}
	plain.Close()

	reopened, err := Open(dbPath, cfg)
	if err != nil {
		t.Fatalf("reopen with key: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.ReadRange(ctx, 0, 200)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	checkRange(t, result, meta, 0, 200)
}

func TestCacheEncryptedPasswordSaltPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chunks.db")
	meta := testMeta(100, 200, "btc")
	writeDataset(t, dir, meta)

	cfg := Config{Encryption: &EncryptionConfig{Enabled: true, KeyPassword: "secret"}}

	cache, err := Open(dbPath, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	files, _ := DirInputs(dir)
	if _, err := cache.Ingest(ctx, files, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	cache.Close()

	// The persisted salt lets a new session derive the same key from the
	// password alone.
	reopened, err := Open(dbPath, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.ReadRange(ctx, 0, 200)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	checkRange(t, result, meta, 0, 200)
}

func TestCacheEncryptedSaltSurvivesReingest(t *testing.T) {
	// Re-ingest clears the dataset but must keep the key salt, or the second
	// dataset would be written under a different derived key than reads use.
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chunks.db")
	meta := testMeta(100, 200, "btc")
	writeDataset(t, dir, meta)

	cfg := Config{Encryption: &EncryptionConfig{Enabled: true, KeyPassword: "secret"}}
	cache, err := Open(dbPath, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	files, _ := DirInputs(dir)
	if _, err := cache.Ingest(ctx, files, nil); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// A changed descriptor forces a rebuild through ClearAll.
	meta2 := testMeta(100, 300, "btc")
	dir2 := t.TempDir()
	writeDataset(t, dir2, meta2)
	files2, _ := DirInputs(dir2)
	if _, err := cache.Ingest(ctx, files2, nil); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	cache.Close()

	reopened, err := Open(dbPath, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.ReadRange(ctx, 0, 300)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	checkRange(t, result, meta2, 0, 300)
}

func TestCacheClosed(t *testing.T) {
	cache, err := Open("", Config{Backend: NewMemoryStore()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := cache.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := cache.ReadRange(context.Background(), 0, 10); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := cache.Ingest(context.Background(), nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte(`
path: /tmp/chunks.db
sqlite:
  cache_size: 4000
  journal_mode: WAL
ingest:
  batch_size: 8
disable_compression: true
encryption:
  enabled: true
  key_password: secret
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != "/tmp/chunks.db" {
		t.Errorf("path = %q", cfg.Path)
	}
	if cfg.SQLite.Path != "/tmp/chunks.db" {
		t.Errorf("sqlite path not normalized: %q", cfg.SQLite.Path)
	}
	if cfg.SQLite.CacheSize != 4000 {
		t.Errorf("cache_size = %d", cfg.SQLite.CacheSize)
	}
	if cfg.Ingest.BatchSize != 8 {
		t.Errorf("batch_size = %d", cfg.Ingest.BatchSize)
	}
	if !cfg.DisableCompression {
		t.Error("disable_compression not set")
	}
	if cfg.Encryption == nil || !cfg.Encryption.Enabled || cfg.Encryption.KeyPassword != "secret" {
		t.Errorf("encryption = %+v", cfg.Encryption)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
