package chunkstore

import (
	"encoding/json"
	"fmt"
)

// SpreadKey is the reserved key under which the average moving-average spread
// series travels inside chunk file JSON, next to the per-coin entries.
const SpreadKey = "avgMaSpread"

// DatasetMetadata describes one chunked dataset: which coins it tracks and how
// the time axis is partitioned into chunks.
type DatasetMetadata struct {
	Coins         []string    `json:"coins"`
	ScalingFactor float64     `json:"scalingFactor"`
	TotalPoints   int         `json:"totalPoints"`
	ChunkSize     int         `json:"chunkSize"`
	Chunks        []ChunkInfo `json:"chunks"`
}

// ChunkInfo locates one chunk on the time axis and names the upload that
// supplies its payload.
type ChunkInfo struct {
	ID         int    `json:"id"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
	SourceFile string `json:"sourceFileRef"`
}

// Len returns the number of points covered by the chunk.
func (c ChunkInfo) Len() int {
	return c.EndIndex - c.StartIndex
}

// Validate checks the structural invariants of the metadata: coins are unique,
// chunk ids are dense, and the chunks partition [0, TotalPoints) into
// contiguous ChunkSize-sized windows (the last window may be shorter).
func (m *DatasetMetadata) Validate() error {
	if m.ChunkSize <= 0 {
		return fmt.Errorf("chunkSize must be positive, got %d", m.ChunkSize)
	}
	if m.TotalPoints < 0 {
		return fmt.Errorf("totalPoints must not be negative, got %d", m.TotalPoints)
	}

	seen := make(map[string]struct{}, len(m.Coins))
	for _, coin := range m.Coins {
		if coin == "" {
			return fmt.Errorf("empty coin identifier")
		}
		if _, dup := seen[coin]; dup {
			return fmt.Errorf("duplicate coin %q", coin)
		}
		seen[coin] = struct{}{}
	}

	next := 0
	for i, chunk := range m.Chunks {
		if chunk.ID != i {
			return fmt.Errorf("chunk %d has id %d, want %d", i, chunk.ID, i)
		}
		if chunk.StartIndex != next {
			return fmt.Errorf("chunk %d starts at %d, want %d", i, chunk.StartIndex, next)
		}
		if chunk.EndIndex <= chunk.StartIndex {
			return fmt.Errorf("chunk %d has empty range [%d, %d)", i, chunk.StartIndex, chunk.EndIndex)
		}
		if chunk.Len() > m.ChunkSize {
			return fmt.Errorf("chunk %d covers %d points, exceeds chunk size %d", i, chunk.Len(), m.ChunkSize)
		}
		if chunk.Len() < m.ChunkSize && i != len(m.Chunks)-1 {
			return fmt.Errorf("chunk %d is short but not the last chunk", i)
		}
		next = chunk.EndIndex
	}
	if next != m.TotalPoints {
		return fmt.Errorf("chunks cover [0, %d), want [0, %d)", next, m.TotalPoints)
	}

	return nil
}

// ChunkIndexFor returns the id of the chunk containing the given point index.
func (m *DatasetMetadata) ChunkIndexFor(index int) int {
	return index / m.ChunkSize
}

// CurrencyData holds the three parallel series tracked per coin, one value per
// time index within a chunk.
type CurrencyData struct {
	MovingAverages   []float64 `json:"movingAverages"`
	NormalizedPrices []float64 `json:"normalizedPrices"`
	CumulativeMeans  []float64 `json:"cumulativeMeans"`
}

// ChunkData is the decoded payload of one chunk: per-coin series plus the
// reserved spread series. The wire shape keys coins at the top level next to
// the reserved SpreadKey entry; in memory the two are kept apart so a coin can
// never collide with the reserved key.
type ChunkData struct {
	PerCoin map[string]CurrencyData
	Spread  []float64
}

// NewChunkData returns an empty ChunkData with slots for the given coins.
func NewChunkData(coins []string) *ChunkData {
	per := make(map[string]CurrencyData, len(coins))
	for _, coin := range coins {
		per[coin] = CurrencyData{}
	}
	return &ChunkData{PerCoin: per, Spread: nil}
}

// Len returns the number of points in the chunk, taken from the spread series.
func (d *ChunkData) Len() int {
	return len(d.Spread)
}

// MarshalJSON writes the flat wire shape with coins and the reserved spread
// key at the same level.
func (d *ChunkData) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(d.PerCoin)+1)
	for coin, series := range d.PerCoin {
		flat[coin] = series
	}
	flat[SpreadKey] = d.Spread
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat wire shape, splitting the reserved spread key
// off from the dynamic coin keys.
func (d *ChunkData) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	d.PerCoin = make(map[string]CurrencyData, len(flat))
	d.Spread = nil

	for key, raw := range flat {
		if key == SpreadKey {
			if err := json.Unmarshal(raw, &d.Spread); err != nil {
				return fmt.Errorf("decode %s: %w", SpreadKey, err)
			}
			continue
		}
		var series CurrencyData
		if err := json.Unmarshal(raw, &series); err != nil {
			return fmt.Errorf("decode coin %q: %w", key, err)
		}
		d.PerCoin[key] = series
	}

	return nil
}
