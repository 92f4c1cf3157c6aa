package firmware

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrcUpdateEmptyIsIdentity(t *testing.T) {
	require.Equal(t, uint32(0), crcUpdate(0, nil))
}

func TestCrcUpdateIsDeterministic(t *testing.T) {
	data := []byte("cubepilot-firmware")
	require.Equal(t, crcUpdate(0, data), crcUpdate(0, data))
}

func TestCRCImageNoPadding(t *testing.T) {
	b := &Bundle{Image: []byte{1, 2, 3, 4}}
	want := crcUpdate(0, b.Image)
	require.Equal(t, want, b.CRCImage(uint32(len(b.Image))))
}

func TestCRCImageWithPadding(t *testing.T) {
	b := &Bundle{Image: []byte{1, 2, 3, 4}}
	padded := b.CRCImage(uint32(len(b.Image)) + 8)

	manual := crcUpdate(0, b.Image)
	manual = crcUpdate(manual, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	manual = crcUpdate(manual, []byte{0xFF, 0xFF, 0xFF, 0xFF})

	require.Equal(t, manual, padded)
}

func TestCRCExtfTruncatesToRequestedSize(t *testing.T) {
	b := &Bundle{ExtfImage: []byte{1, 2, 3, 4, 5, 6}}
	full := b.CRCExtf(6)
	truncated := b.CRCExtf(3)
	want := crcUpdate(0, b.ExtfImage[:3])
	require.Equal(t, want, truncated)
	require.NotEqual(t, full, truncated)
}

func TestCRCExtfSizeBeyondBufferClamps(t *testing.T) {
	b := &Bundle{ExtfImage: []byte{1, 2, 3}}
	want := crcUpdate(0, b.ExtfImage)
	require.Equal(t, want, b.CRCExtf(100))
}
