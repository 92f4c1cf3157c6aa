package cube

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceKeyReplacesSlashes(t *testing.T) {
	require.Equal(t, "cube__dev_ttyACM0", deviceKey("/dev/ttyACM0"))
}

func TestClamp(t *testing.T) {
	require.Equal(t, 0.0, clamp(-5, 0, 100))
	require.Equal(t, 100.0, clamp(150, 0, 100))
	require.Equal(t, 42.0, clamp(42, 0, 100))
}
