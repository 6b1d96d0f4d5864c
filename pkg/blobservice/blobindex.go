package blobservice

import (
	"fmt"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldBlobIndexChunks protowire.Number = 1
	fieldChunkDigest     protowire.Number = 1
	fieldChunkSize       protowire.Number = 2
)

// marshalBlobIndex produces the canonical wire encoding of a blob's
// ordered chunk list, stored at rest under the blobs/b3/XX/HEX key.
func marshalBlobIndex(chunks []ChunkEntry) []byte {
	var b []byte
	for _, c := range chunks {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldChunkDigest, protowire.BytesType)
		entry = protowire.AppendBytes(entry, c.Digest.Bytes())
		entry = protowire.AppendTag(entry, fieldChunkSize, protowire.VarintType)
		entry = protowire.AppendVarint(entry, c.Size)

		b = protowire.AppendTag(b, fieldBlobIndexChunks, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func unmarshalBlobIndex(raw []byte) ([]ChunkEntry, bool, error) {
	var chunks []ChunkEntry
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, false, fmt.Errorf("blobservice: invalid blob index encoding: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		if num != fieldBlobIndexChunks || typ != protowire.BytesType {
			// Skip unknown fields, for forward compatibility.
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, false, fmt.Errorf("blobservice: invalid blob index encoding: %w", protowire.ParseError(n))
			}
			raw = raw[n:]
			continue
		}

		entry, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, false, fmt.Errorf("blobservice: invalid blob index encoding: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		chunk, err := unmarshalChunkEntry(entry)
		if err != nil {
			return nil, false, err
		}
		chunks = append(chunks, chunk)
	}
	if chunks == nil {
		chunks = []ChunkEntry{}
	}
	return chunks, true, nil
}

func unmarshalChunkEntry(raw []byte) (ChunkEntry, error) {
	var entry ChunkEntry
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return entry, fmt.Errorf("blobservice: invalid chunk entry encoding: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fieldChunkDigest && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return entry, fmt.Errorf("blobservice: invalid chunk entry encoding: %w", protowire.ParseError(n))
			}
			raw = raw[n:]
			digest, err := castorev1.NewB3Digest(b)
			if err != nil {
				return entry, err
			}
			entry.Digest = digest
		case num == fieldChunkSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return entry, fmt.Errorf("blobservice: invalid chunk entry encoding: %w", protowire.ParseError(n))
			}
			raw = raw[n:]
			entry.Size = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return entry, fmt.Errorf("blobservice: invalid chunk entry encoding: %w", protowire.ParseError(n))
			}
			raw = raw[n:]
		}
	}
	return entry, nil
}
