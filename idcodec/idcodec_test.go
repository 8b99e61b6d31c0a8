package idcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seqs := []int64{0, 1, 2, 57, 58, 59, 1000, 123456789, 9999999999}
	for _, seq := range seqs {
		encoded := Encode(seq)
		assert.LessOrEqual(t, len(encoded), 10, "shortId must be <= 10 chars per spec")

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, seq, decoded, "round trip should recover original sequence for %d", seq)
	}
}

func TestEncodeMonotonic(t *testing.T) {
	prev := Encode(0)
	for seq := int64(1); seq < 5000; seq++ {
		cur := Encode(seq)
		assert.True(t, len(prev) < len(cur) || (len(prev) == len(cur) && prev < cur), "Encode(%d)=%q must sort after %q", seq, cur, prev)
		prev = cur
	}
}

func TestSuccessor(t *testing.T) {
	first := Encode(4)
	next, err := Successor(first)
	require.NoError(t, err)
	assert.Equal(t, Encode(5), next)
}

func TestDecodeInvalidCharacter(t *testing.T) {
	_, err := Decode("0OIl") // excluded ambiguous characters
	assert.Error(t, err)
}

func TestDecodeEmpty(t *testing.T) {
	_, err := Decode("")
	assert.Error(t, err)
}
