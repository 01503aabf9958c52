// Package codec encodes and decodes tier-layer blobs. Every encoded blob
// starts with a one-byte compression tag so a reader can verify the payload
// against the compression recorded in the storage row.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/stackmemory/stackmemory/internal/types"
)

// Compression tag bytes. The tag is stored inside the blob itself, in
// addition to the compression_type column, so a row whose column and blob
// disagree is detectable as corruption.
const (
	tagNone byte = 0x00
	tagLZ4  byte = 0x01
	tagZSTD byte = 0x02
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// the package-level encoder/decoder are concurrency-safe via EncodeAll
	// and DecodeAll
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("codec: cannot init zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: cannot init zstd decoder: %v", err))
	}
}

func tagFor(c types.Compression) (byte, error) {
	switch c {
	case types.CompressionNone:
		return tagNone, nil
	case types.CompressionLZ4:
		return tagLZ4, nil
	case types.CompressionZSTD:
		return tagZSTD, nil
	}
	return 0, types.E(types.CodeInvalidArgument, "unknown compression %q", c)
}

// Encode compresses data with the given codec and prepends the tag byte
func Encode(data []byte, c types.Compression) ([]byte, error) {
	tag, err := tagFor(c)
	if err != nil {
		return nil, err
	}

	switch c {
	case types.CompressionNone:
		out := make([]byte, 1+len(data))
		out[0] = tag
		copy(out[1:], data)
		return out, nil

	case types.CompressionLZ4:
		var buf bytes.Buffer
		buf.WriteByte(tag)
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		return buf.Bytes(), nil

	default: // zstd
		out := make([]byte, 1, 1+len(data)/2)
		out[0] = tag
		return zstdEncoder.EncodeAll(data, out), nil
	}
}

// Decode verifies the tag byte against the expected compression and returns
// the decompressed payload. A tag/column mismatch or an undecodable payload
// is a CorruptRecord.
func Decode(blob []byte, expected types.Compression) ([]byte, error) {
	if len(blob) == 0 {
		return nil, types.E(types.CodeCorruptRecord, "empty blob")
	}
	want, err := tagFor(expected)
	if err != nil {
		return nil, err
	}
	if blob[0] != want {
		return nil, types.E(types.CodeCorruptRecord,
			"blob tag 0x%02x does not match recorded compression %q", blob[0], expected)
	}
	payload := blob[1:]

	switch expected {
	case types.CompressionNone:
		return payload, nil

	case types.CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(payload))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, types.E(types.CodeCorruptRecord, "lz4 payload is undecodable").WithCause(err)
		}
		return out, nil

	default: // zstd
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, types.E(types.CodeCorruptRecord, "zstd payload is undecodable").WithCause(err)
		}
		return out, nil
	}
}

// ForTier returns the compression a tier's snapshots are stored with.
// Young is uncompressed for fast reads, mature trades a little CPU for LZ4,
// old and archive take the full ZSTD ratio.
func ForTier(t types.Tier) types.Compression {
	switch t {
	case types.TierYoung:
		return types.CompressionNone
	case types.TierMature:
		return types.CompressionLZ4
	default:
		return types.CompressionZSTD
	}
}

// EncodeForTier is Encode with the tier's codec
func EncodeForTier(data []byte, t types.Tier) ([]byte, types.Compression, error) {
	c := ForTier(t)
	out, err := Encode(data, c)
	if err != nil {
		return nil, "", err
	}
	return out, c, nil
}
