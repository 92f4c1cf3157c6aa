package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	require.NoError(t, c.Validate())
	require.Equal(t, "firmware", c.FirmwareRoot)
	require.Equal(t, []int{2}, c.CANBusNumbers)
	require.EqualValues(t, 127, c.LocalNodeID)
}

func TestValidateRejectsEmptyFirmwareRoot(t *testing.T) {
	c := New()
	c.FirmwareRoot = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsEmptyCANBusList(t *testing.T) {
	c := New()
	c.CANBusNumbers = nil
	require.Error(t, c.Validate())
}

func TestValidateRejectsEmptyFlightStackBauds(t *testing.T) {
	c := New()
	c.FlightStackBauds = nil
	require.Error(t, c.Validate())
}

func TestNewReturnsIndependentBaudSlice(t *testing.T) {
	a := New()
	b := New()
	a.FlightStackBauds[0] = 9600
	require.NotEqual(t, 9600, b.FlightStackBauds[0])
}
