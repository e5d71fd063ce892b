package chunkstore

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the chunkstore package.
var (
	// ErrNotFound is returned when a chunk or metadata slot is absent.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrStorageUnavailable is returned when the persistent store cannot be
	// initialized. Everything depending on the store fails fast with it.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrMissingMetadataFile is returned when no uploaded file matches the
	// metadata naming pattern. Nothing is written before this check.
	ErrMissingMetadataFile = errors.New("no metadata file in upload")

	// ErrMalformedJSON is returned (wrapped with file detail) when a metadata
	// or chunk file body fails to parse.
	ErrMalformedJSON = errors.New("malformed JSON")

	// ErrIngestInProgress is returned when an ingest is invoked while another
	// one is still running.
	ErrIngestInProgress = errors.New("ingest already in progress")

	// ErrNoDataset is returned by range reads before any dataset is ingested.
	ErrNoDataset = errors.New("no dataset loaded")
)

// MissingChunkFileError reports a chunk referenced by the dataset metadata for
// which no uploaded file could be matched.
type MissingChunkFileError struct {
	ChunkID    int
	SourceFile string
}

func (e *MissingChunkFileError) Error() string {
	return fmt.Sprintf("no upload matches chunk %d (want %q)", e.ChunkID, e.SourceFile)
}

// IsNotFound reports whether err indicates an absent chunk or metadata slot.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
