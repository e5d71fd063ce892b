package chunkstore

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestChunkDataUnmarshalSplitsReservedKey(t *testing.T) {
	raw := []byte(`{
		"btc": {"movingAverages": [1, 2], "normalizedPrices": [3, 4], "cumulativeMeans": [5, 6]},
		"eth": {"movingAverages": [7, 8], "normalizedPrices": [9, 10], "cumulativeMeans": [11, 12]},
		"avgMaSpread": [0.1, 0.2]
	}`)

	data := &ChunkData{}
	if err := json.Unmarshal(raw, data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(data.PerCoin) != 2 {
		t.Fatalf("expected 2 coins, got %d", len(data.PerCoin))
	}
	if _, ok := data.PerCoin[SpreadKey]; ok {
		t.Error("reserved spread key leaked into PerCoin")
	}
	if got := data.PerCoin["btc"].MovingAverages; !reflect.DeepEqual(got, []float64{1, 2}) {
		t.Errorf("btc movingAverages = %v", got)
	}
	if !reflect.DeepEqual(data.Spread, []float64{0.1, 0.2}) {
		t.Errorf("spread = %v", data.Spread)
	}
	if data.Len() != 2 {
		t.Errorf("len = %d, want 2", data.Len())
	}
}

func TestChunkDataMarshalRoundTrip(t *testing.T) {
	meta := testMeta(10, 10, "btc", "eth")
	original := testChunk(meta, 0)

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded := &ChunkData{}
	if err := json.Unmarshal(raw, decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded, original) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, original)
	}
}

func TestMetadataValidate(t *testing.T) {
	if err := testMeta(100, 250, "btc", "eth").Validate(); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*DatasetMetadata)
	}{
		{"zero chunk size", func(m *DatasetMetadata) { m.ChunkSize = 0 }},
		{"negative total", func(m *DatasetMetadata) { m.TotalPoints = -1 }},
		{"duplicate coin", func(m *DatasetMetadata) { m.Coins = []string{"btc", "btc"} }},
		{"empty coin", func(m *DatasetMetadata) { m.Coins = []string{""} }},
		{"non-dense ids", func(m *DatasetMetadata) { m.Chunks[1].ID = 5 }},
		{"gap between chunks", func(m *DatasetMetadata) { m.Chunks[1].StartIndex = 150 }},
		{"empty chunk range", func(m *DatasetMetadata) { m.Chunks[2].EndIndex = m.Chunks[2].StartIndex }},
		{"coverage short of total", func(m *DatasetMetadata) { m.TotalPoints = 300 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := testMeta(100, 250, "btc", "eth")
			tt.mutate(meta)
			if err := meta.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestChunkIndexFor(t *testing.T) {
	meta := testMeta(100, 250)
	for _, tt := range []struct{ index, want int }{
		{0, 0}, {99, 0}, {100, 1}, {199, 1}, {200, 2}, {249, 2},
	} {
		if got := meta.ChunkIndexFor(tt.index); got != tt.want {
			t.Errorf("ChunkIndexFor(%d) = %d, want %d", tt.index, got, tt.want)
		}
	}
}
