package codec

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBytes(t *testing.T) {
	inputs := [][]byte{
		{},
		{0},
		{1, 2, 3},
		{1, 2, 3, 0},
		{1, 2, 3, 4, 5, 6, 7, 8},
		{1, 2, 3, 4, 5, 6, 7, 8, 9},
		bytes.Repeat([]byte{0xff}, 20),
	}
	for _, in := range inputs {
		enc := EncodeBytes(nil, in)
		left, out, err := DecodeBytes(enc, nil)
		require.Nil(t, err)
		require.Len(t, left, 0)
		require.Equal(t, in, out)
	}
}

func TestEncodedOrdering(t *testing.T) {
	keys := [][]byte{
		{},
		{0},
		{0, 0},
		{1},
		{1, 0},
		{1, 0, 0, 0, 0, 0, 0, 0},
		{1, 0, 0, 0, 0, 0, 0, 0, 0},
		{1, 1},
		{2},
	}
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		encoded[i] = EncodeBytes(nil, k)
	}
	require.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))
}

func TestAppendTsDesc(t *testing.T) {
	base := EncodeBytes(nil, []byte("k"))
	older := AppendTsDesc(append([]byte{}, base...), 5)
	newer := AppendTsDesc(append([]byte{}, base...), 10)
	// Newer versions sort first.
	require.True(t, bytes.Compare(newer, older) < 0)
	require.Equal(t, uint64(5), DecodeTsDesc(older))
	require.Equal(t, uint64(10), DecodeTsDesc(newer))
}
