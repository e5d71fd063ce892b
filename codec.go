package chunkstore

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Codec flag bits recorded in the one-byte payload header.
const (
	codecFlagSnappy    byte = 1 << 0
	codecFlagEncrypted byte = 1 << 1
)

// chunkCodec turns ChunkData into the byte payload persisted by a Store and
// back. The payload is JSON, optionally snappy-compressed and encrypted at
// rest; the first byte records which transforms were applied so older
// payloads written with different settings still decode.
type chunkCodec struct {
	compress  bool
	encryptor *Encryptor
}

func newChunkCodec(compress bool, enc *Encryptor) *chunkCodec {
	return &chunkCodec{compress: compress, encryptor: enc}
}

// Encode serializes a chunk payload.
func (c *chunkCodec) Encode(data *ChunkData) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}

	var flags byte
	if c.compress {
		body = snappy.Encode(nil, body)
		flags |= codecFlagSnappy
	}
	if c.encryptor != nil {
		body, err = c.encryptor.Encrypt(body)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk: %w", err)
		}
		flags |= codecFlagEncrypted
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, flags)
	return append(out, body...), nil
}

// Decode deserializes a chunk payload.
func (c *chunkCodec) Decode(payload []byte) (*ChunkData, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty chunk payload")
	}

	flags, body := payload[0], payload[1:]

	if flags&codecFlagEncrypted != 0 {
		if c.encryptor == nil {
			return nil, fmt.Errorf("chunk payload is encrypted but no key is configured")
		}
		var err error
		body, err = c.encryptor.Decrypt(body)
		if err != nil {
			return nil, fmt.Errorf("decrypt chunk: %w", err)
		}
	}
	if flags&codecFlagSnappy != 0 {
		var err error
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("decompress chunk: %w", err)
		}
	}

	data := &ChunkData{}
	if err := json.Unmarshal(body, data); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return data, nil
}

// encodeMetadata and decodeMetadata handle the descriptor slot payload.
// Metadata is small and stays plain JSON regardless of chunk codec settings.
func encodeMetadata(meta *DatasetMetadata) ([]byte, error) {
	return json.Marshal(meta)
}

func decodeMetadata(payload []byte) (*DatasetMetadata, error) {
	meta := &DatasetMetadata{}
	if err := json.Unmarshal(payload, meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
