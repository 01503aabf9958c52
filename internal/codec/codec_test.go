package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemory/stackmemory/internal/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("the same sentence again and again ", 64))

	for _, c := range []types.Compression{types.CompressionNone, types.CompressionLZ4, types.CompressionZSTD} {
		t.Run(string(c), func(t *testing.T) {
			blob, err := Encode(payload, c)
			require.NoError(t, err)

			got, err := Decode(blob, c)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got))

			if c != types.CompressionNone {
				assert.Less(t, len(blob), len(payload))
			}
		})
	}
}

func TestDecodeTagMismatch(t *testing.T) {
	blob, err := Encode([]byte("payload"), types.CompressionLZ4)
	require.NoError(t, err)

	_, err = Decode(blob, types.CompressionZSTD)
	assert.Equal(t, types.CodeCorruptRecord, types.CodeOf(err))

	_, err = Decode(nil, types.CompressionNone)
	assert.Equal(t, types.CodeCorruptRecord, types.CodeOf(err))
}

func TestDecodeTruncatedPayload(t *testing.T) {
	blob, err := Encode([]byte(strings.Repeat("x", 4096)), types.CompressionZSTD)
	require.NoError(t, err)

	_, err = Decode(blob[:len(blob)/2], types.CompressionZSTD)
	assert.Equal(t, types.CodeCorruptRecord, types.CodeOf(err))
}

func TestForTierPolicy(t *testing.T) {
	assert.Equal(t, types.CompressionNone, ForTier(types.TierYoung))
	assert.Equal(t, types.CompressionLZ4, ForTier(types.TierMature))
	assert.Equal(t, types.CompressionZSTD, ForTier(types.TierOld))
	assert.Equal(t, types.CompressionZSTD, ForTier(types.TierArchive))
}

func TestEncodeUnknownCompression(t *testing.T) {
	_, err := Encode([]byte("x"), types.Compression("brotli"))
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}
