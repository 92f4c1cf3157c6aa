package peerupdate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeNodeStatusSafeRejectsShortPayload(t *testing.T) {
	_, err := decodeNodeStatusSafe([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeNodeStatusSafeDecodesModeAndHealth(t *testing.T) {
	payload := []byte{0, 0, 0, 0, 0, 0, 0}
	payload[4] = 2<<3 | 1<<6 // mode=maintenance, health=1
	status, err := decodeNodeStatusSafe(payload)
	require.NoError(t, err)
	require.EqualValues(t, 2, status.Mode)
	require.EqualValues(t, 1, status.Health)
}
