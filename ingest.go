package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Input file naming patterns.
const (
	// MetadataFileSuffix marks the dataset descriptor among the uploads.
	MetadataFileSuffix = ".chunked.visualize.json"

	// chunkFileToken must appear in a chunk file's name.
	chunkFileToken = "chunk_"
)

// chunkIDPattern extracts the embedded chunk id from a filename when no exact
// source-file match exists.
var chunkIDPattern = regexp.MustCompile(`chunk_(\d+)`)

// InputFile is one uploaded file handed to the ingest pipeline.
type InputFile interface {
	// Name returns the base filename, used for metadata/chunk matching.
	Name() string

	// Open returns the file content for reading.
	Open() (io.ReadCloser, error)
}

// fileInput adapts a path on disk to InputFile.
type fileInput struct {
	path string
}

// NewFileInput wraps a filesystem path as an ingest input.
func NewFileInput(path string) InputFile {
	return &fileInput{path: path}
}

func (f *fileInput) Name() string {
	return filepath.Base(f.path)
}

func (f *fileInput) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// DirInputs lists every .json file in dir as ingest inputs, the shape a
// file-selection collaborator would hand over.
func DirInputs(dir string) ([]InputFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}

	var files []InputFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, NewFileInput(filepath.Join(dir, entry.Name())))
	}
	return files, nil
}

// ProgressFunc receives ingest progress: a 0-100 percentage and a
// human-readable status line. Called after each persisted batch.
type ProgressFunc func(percent int, status string)

// IngestConfig configures the ingest pipeline.
type IngestConfig struct {
	// BatchSize is the number of chunk files read and persisted concurrently
	// per batch. Batches run sequentially. Default: 5.
	BatchSize int `yaml:"batch_size"`
}

// Ingestor loads an uploaded dataset into the store. A single Ingestor allows
// one ingest at a time; a second concurrent call fails with
// ErrIngestInProgress instead of interleaving writes.
type Ingestor struct {
	store    Store
	resident *ResidentCache
	config   IngestConfig
	logger   *slog.Logger

	inFlight atomic.Bool
}

// NewIngestor creates an ingest pipeline over the given store and resident
// tier.
func NewIngestor(store Store, resident *ResidentCache, config IngestConfig) *Ingestor {
	if config.BatchSize <= 0 {
		config.BatchSize = 5
	}
	return &Ingestor{
		store:    store,
		resident: resident,
		config:   config,
		logger:   slog.Default(),
	}
}

// Ingest identifies the metadata file among the uploads, decides between
// cache reuse and a rebuild, and on rebuild persists chunks in concurrent
// batches. After a successful return the first chunk is resident, so an
// initial default view range is servable without another round trip.
//
// On failure the remaining batches are abandoned and the error is surfaced;
// chunks persisted earlier in the same attempt are not rolled back.
func (ing *Ingestor) Ingest(ctx context.Context, files []InputFile, progress ProgressFunc) (*DatasetMetadata, error) {
	if !ing.inFlight.CompareAndSwap(false, true) {
		return nil, ErrIngestInProgress
	}
	defer ing.inFlight.Store(false)

	if progress == nil {
		progress = func(int, string) {}
	}

	metaFile, chunkFiles := splitUploads(files)
	if metaFile == nil {
		return nil, ErrMissingMetadataFile
	}

	rawMeta, err := readInput(metaFile)
	if err != nil {
		return nil, fmt.Errorf("read metadata file %s: %w", metaFile.Name(), err)
	}

	meta := &DatasetMetadata{}
	if err := json.Unmarshal(rawMeta, meta); err != nil {
		return nil, fmt.Errorf("%w: metadata file %s: %v", ErrMalformedJSON, metaFile.Name(), err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata in %s: %w", metaFile.Name(), err)
	}

	hash := hashBytes(rawMeta)

	hit, err := ing.cacheHit(ctx, hash, len(meta.Chunks))
	if err != nil {
		return nil, err
	}
	if hit {
		ing.logger.Info("dataset already cached, reusing persisted chunks", "hash", hash, "chunks", len(meta.Chunks))
		if err := ing.promoteFirstChunk(ctx, meta); err != nil {
			return nil, err
		}
		progress(100, "Dataset already cached")
		return meta, nil
	}

	ing.logger.Info("ingesting new dataset",
		"hash", hash, "coins", len(meta.Coins), "chunks", len(meta.Chunks), "points", meta.TotalPoints)

	if err := ing.store.ClearAll(ctx); err != nil {
		return nil, fmt.Errorf("clear previous dataset: %w", err)
	}
	ing.resident.Clear()

	if err := ing.store.SaveMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("persist metadata: %w", err)
	}
	if err := ing.store.SaveMetadataHash(ctx, hash); err != nil {
		return nil, fmt.Errorf("persist metadata hash: %w", err)
	}

	if err := ing.ingestChunks(ctx, meta, chunkFiles, progress); err != nil {
		return nil, err
	}

	if err := ing.promoteFirstChunk(ctx, meta); err != nil {
		return nil, err
	}

	progress(100, "Ingest complete")
	return meta, nil
}

// cacheHit reports whether the persisted dataset can be reused: the stored
// hash equals the upload's, the descriptor slot is populated, and every chunk
// is present.
func (ing *Ingestor) cacheHit(ctx context.Context, hash string, wantChunks int) (bool, error) {
	stored, err := ing.store.GetMetadataHash(ctx)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if stored != hash {
		return false, nil
	}

	if _, err := ing.store.GetMetadata(ctx); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	count, err := ing.store.CountChunks(ctx)
	if err != nil {
		return false, err
	}
	return count == wantChunks, nil
}

// ingestChunks persists chunk files in fixed-size batches: reads within a
// batch run concurrently, batches run sequentially, and progress is reported
// after each settled batch.
func (ing *Ingestor) ingestChunks(ctx context.Context, meta *DatasetMetadata, uploads map[string]InputFile, progress ProgressFunc) error {
	total := len(meta.Chunks)

	for batchStart := 0; batchStart < total; batchStart += ing.config.BatchSize {
		batchEnd := batchStart + ing.config.BatchSize
		if batchEnd > total {
			batchEnd = total
		}

		errs := make([]error, batchEnd-batchStart)
		var wg sync.WaitGroup

		for i := batchStart; i < batchEnd; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i-batchStart] = ing.ingestOne(ctx, meta.Chunks[i], uploads)
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				return err
			}
		}

		percent := int(math.Round(float64(batchEnd) / float64(total) * 100))
		progress(percent, fmt.Sprintf("Loaded %d of %d chunks", batchEnd, total))
	}

	return nil
}

// ingestOne matches, reads, parses and persists a single chunk.
func (ing *Ingestor) ingestOne(ctx context.Context, info ChunkInfo, uploads map[string]InputFile) error {
	file := matchChunkFile(info, uploads)
	if file == nil {
		return &MissingChunkFileError{ChunkID: info.ID, SourceFile: info.SourceFile}
	}

	raw, err := readInput(file)
	if err != nil {
		return fmt.Errorf("read chunk file %s: %w", file.Name(), err)
	}

	data := &ChunkData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("%w: chunk file %s: %v", ErrMalformedJSON, file.Name(), err)
	}

	if err := ing.store.SaveChunk(ctx, info.ID, data); err != nil {
		return fmt.Errorf("persist chunk %d: %w", info.ID, err)
	}
	return nil
}

// promoteFirstChunk loads chunk 0 into the resident tier to unblock the
// initial view. Required behavior, not an optimization: consumers expect data
// for the default range immediately after ingest returns.
func (ing *Ingestor) promoteFirstChunk(ctx context.Context, meta *DatasetMetadata) error {
	if len(meta.Chunks) == 0 || ing.resident.Has(0) {
		return nil
	}
	data, err := ing.store.GetChunk(ctx, 0)
	if err != nil {
		return fmt.Errorf("load first chunk: %w", err)
	}
	ing.resident.Put(0, data)
	return nil
}

// splitUploads separates the metadata file from candidate chunk files.
func splitUploads(files []InputFile) (InputFile, map[string]InputFile) {
	var metaFile InputFile
	chunkFiles := make(map[string]InputFile, len(files))

	for _, file := range files {
		name := file.Name()
		switch {
		case strings.HasSuffix(name, MetadataFileSuffix):
			if metaFile == nil {
				metaFile = file
			}
		case strings.Contains(name, chunkFileToken) && strings.HasSuffix(name, ".json"):
			chunkFiles[name] = file
		}
	}
	return metaFile, chunkFiles
}

// matchChunkFile finds the upload supplying a chunk: exact source-file name
// first, then any upload whose name embeds the chunk's id.
func matchChunkFile(info ChunkInfo, uploads map[string]InputFile) InputFile {
	if file, ok := uploads[info.SourceFile]; ok {
		return file
	}
	for name, file := range uploads {
		m := chunkIDPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if id, err := strconv.Atoi(m[1]); err == nil && id == info.ID {
			return file
		}
	}
	return nil
}

func readInput(file InputFile) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// hashBytes returns the dataset identity: hex SHA-256 of the metadata file's
// raw bytes. Two uploads with identical metadata bytes are the same dataset
// even if chunk files were re-selected.
func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
