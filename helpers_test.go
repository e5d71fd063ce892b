package chunkstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
)

// memInput is an in-memory upload for ingest tests.
type memInput struct {
	name string
	data []byte
}

func (m *memInput) Name() string { return m.name }

func (m *memInput) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

// testMeta builds a valid descriptor partitioning [0, totalPoints) into
// chunkSize-sized windows, with chunk files named chunk_<id>.json.
func testMeta(chunkSize, totalPoints int, coins ...string) *DatasetMetadata {
	meta := &DatasetMetadata{
		Coins:         coins,
		ScalingFactor: 1000,
		TotalPoints:   totalPoints,
		ChunkSize:     chunkSize,
	}
	for start := 0; start < totalPoints; start += chunkSize {
		end := start + chunkSize
		if end > totalPoints {
			end = totalPoints
		}
		id := len(meta.Chunks)
		meta.Chunks = append(meta.Chunks, ChunkInfo{
			ID:         id,
			StartIndex: start,
			EndIndex:   end,
			SourceFile: fmt.Sprintf("chunk_%d.json", id),
		})
	}
	return meta
}

// testChunk fills a chunk with deterministic values derived from the global
// point index i: spread=i, movingAverages=i, normalizedPrices=2i,
// cumulativeMeans=3i. Each series transform differs so cross-wired series
// show up in assertions.
func testChunk(meta *DatasetMetadata, id int) *ChunkData {
	info := meta.Chunks[id]
	data := NewChunkData(meta.Coins)

	for _, coin := range meta.Coins {
		series := CurrencyData{}
		for i := info.StartIndex; i < info.EndIndex; i++ {
			series.MovingAverages = append(series.MovingAverages, float64(i))
			series.NormalizedPrices = append(series.NormalizedPrices, float64(2*i))
			series.CumulativeMeans = append(series.CumulativeMeans, float64(3*i))
		}
		data.PerCoin[coin] = series
	}
	for i := info.StartIndex; i < info.EndIndex; i++ {
		data.Spread = append(data.Spread, float64(i))
	}
	return data
}

// testFiles renders a dataset as uploads: one metadata file plus one chunk
// file per ChunkInfo.
func testFiles(t *testing.T, meta *DatasetMetadata) []InputFile {
	t.Helper()

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}

	files := []InputFile{
		&memInput{name: "prices.chunked.visualize.json", data: rawMeta},
	}
	for _, info := range meta.Chunks {
		raw, err := json.Marshal(testChunk(meta, info.ID))
		if err != nil {
			t.Fatalf("marshal chunk %d: %v", info.ID, err)
		}
		files = append(files, &memInput{name: info.SourceFile, data: raw})
	}
	return files
}

// seedStore persists a dataset directly, bypassing the pipeline.
func seedStore(t *testing.T, store Store, meta *DatasetMetadata) {
	t.Helper()
	ctx := context.Background()

	if err := store.SaveMetadata(ctx, meta); err != nil {
		t.Fatalf("save metadata: %v", err)
	}
	for _, info := range meta.Chunks {
		if err := store.SaveChunk(ctx, info.ID, testChunk(meta, info.ID)); err != nil {
			t.Fatalf("save chunk %d: %v", info.ID, err)
		}
	}
}

// countingStore wraps a Store and counts chunk reads and writes.
type countingStore struct {
	Store
	saves atomic.Int64
	gets  atomic.Int64
}

func (c *countingStore) SaveChunk(ctx context.Context, id int, data *ChunkData) error {
	c.saves.Add(1)
	return c.Store.SaveChunk(ctx, id, data)
}

func (c *countingStore) GetChunk(ctx context.Context, id int) (*ChunkData, error) {
	c.gets.Add(1)
	return c.Store.GetChunk(ctx, id)
}
