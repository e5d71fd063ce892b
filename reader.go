package chunkstore

import (
	"context"
	"log/slog"
	"sync"
)

// RangeReader serves arbitrary sub-range reads over the chunked dataset,
// stitching per-chunk slices into one contiguous result per series. Chunks
// are taken from the resident tier when present; misses are fetched from the
// store concurrently and promoted write-through (no eviction).
type RangeReader struct {
	store    Store
	resident *ResidentCache
	meta     *DatasetMetadata
	logger   *slog.Logger
}

// NewRangeReader creates a reader over one dataset session.
func NewRangeReader(store Store, resident *ResidentCache, meta *DatasetMetadata) *RangeReader {
	return &RangeReader{
		store:    store,
		resident: resident,
		meta:     meta,
		logger:   slog.Default(),
	}
}

// ReadRange returns the merged series values for indices in [start, end).
// Out-of-bounds input is clamped rather than rejected, since view-range
// adjustments overshoot during interactive panning. Chunks missing from both
// tiers are skipped: the result degrades to shorter series instead of
// failing the read.
func (r *RangeReader) ReadRange(ctx context.Context, start, end int) (*ChunkData, error) {
	meta := r.meta
	if meta == nil {
		return nil, ErrNoDataset
	}

	if start < 0 {
		start = 0
	}
	if end > meta.TotalPoints {
		end = meta.TotalPoints
	}

	result := NewChunkData(meta.Coins)
	if start >= end || len(meta.Chunks) == 0 {
		return result, nil
	}

	startChunk := meta.ChunkIndexFor(start)
	endChunk := meta.ChunkIndexFor(end - 1)
	if endChunk > len(meta.Chunks)-1 {
		endChunk = len(meta.Chunks) - 1
	}

	chunks := r.collect(ctx, startChunk, endChunk)

	for i, data := range chunks {
		if data == nil {
			continue
		}
		info := meta.Chunks[startChunk+i]

		localStart := start - info.StartIndex
		if localStart < 0 {
			localStart = 0
		}
		localEnd := end - info.StartIndex
		if localEnd > data.Len() {
			localEnd = data.Len()
		}
		if localStart >= localEnd {
			continue
		}

		appendSlice(result, data, localStart, localEnd)
	}

	return result, nil
}

// collect returns the chunk payloads for ids [startChunk, endChunk], in
// ascending id order. Resident chunks are used directly; the rest are fetched
// concurrently and promoted. A nil slot marks a chunk unavailable in both
// tiers. Assembly order is fixed by slot position, so fetch completion order
// does not matter.
func (r *RangeReader) collect(ctx context.Context, startChunk, endChunk int) []*ChunkData {
	chunks := make([]*ChunkData, endChunk-startChunk+1)

	var wg sync.WaitGroup
	for id := startChunk; id <= endChunk; id++ {
		slot := id - startChunk

		if data, ok := r.resident.Get(id); ok {
			chunks[slot] = data
			continue
		}

		wg.Add(1)
		go func(id, slot int) {
			defer wg.Done()

			data, err := r.store.GetChunk(ctx, id)
			if err != nil {
				if !IsNotFound(err) {
					r.logger.Debug("chunk fetch failed, skipping", "chunk", id, "err", err)
				}
				return
			}
			r.resident.Put(id, data)
			chunks[slot] = data
		}(id, slot)
	}
	wg.Wait()

	return chunks
}

// appendSlice appends src[localStart:localEnd] of every series to dst.
func appendSlice(dst, src *ChunkData, localStart, localEnd int) {
	for coin, series := range src.PerCoin {
		acc := dst.PerCoin[coin]
		acc.MovingAverages = append(acc.MovingAverages, clampSlice(series.MovingAverages, localStart, localEnd)...)
		acc.NormalizedPrices = append(acc.NormalizedPrices, clampSlice(series.NormalizedPrices, localStart, localEnd)...)
		acc.CumulativeMeans = append(acc.CumulativeMeans, clampSlice(series.CumulativeMeans, localStart, localEnd)...)
		dst.PerCoin[coin] = acc
	}
	dst.Spread = append(dst.Spread, clampSlice(src.Spread, localStart, localEnd)...)
}

// clampSlice bounds [start, end) to the series length. Arrays within one
// chunk are expected to be equal length, but a short series must not panic a
// read.
func clampSlice(s []float64, start, end int) []float64 {
	if start > len(s) {
		start = len(s)
	}
	if end > len(s) {
		end = len(s)
	}
	if start >= end {
		return nil
	}
	return s[start:end]
}
