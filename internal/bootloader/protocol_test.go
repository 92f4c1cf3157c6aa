package bootloader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitChunksEvenDivision(t *testing.T) {
	data := make([]byte, 10)
	chunks := splitChunks(data, 5)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		require.Len(t, c, 5)
	}
}

func TestSplitChunksRemainder(t *testing.T) {
	data := make([]byte, 11)
	chunks := splitChunks(data, 5)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[2], 1)
}

func TestSplitChunksRespectsProgMultiMax(t *testing.T) {
	data := make([]byte, progMultiMax*2+10)
	chunks := splitChunks(data, progMultiMax)
	total := 0
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), progMultiMax)
		total += len(c)
	}
	require.Equal(t, len(data), total)
}

func TestSplitChunksEmptyInput(t *testing.T) {
	require.Empty(t, splitChunks(nil, 5))
}
