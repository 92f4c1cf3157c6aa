package can

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeStatusRoundTrip(t *testing.T) {
	want := NodeStatus{UptimeSec: 12345, Health: 1, Mode: ModeOperational, SubMode: 2, VendorSpecificStatusCode: 0xBEEF}
	encoded := encodeNodeStatus(want)
	require.Len(t, encoded, 7)

	got, err := decodeNodeStatus(encoded)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeNodeStatusRejectsShortPayload(t *testing.T) {
	_, err := decodeNodeStatus([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestGetNodeInfoResponseRoundTrip(t *testing.T) {
	want := GetNodeInfoResponse{
		Status:   NodeStatus{UptimeSec: 42, Mode: ModeOperational},
		Software: SoftwareVersion{Major: 1, Minor: 3, VCSCommit: 0xCAFEBABE},
		Hardware: HardwareVersion{Major: 2, Minor: 0, UniqueID: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
		Name:     "com.cubepilot.gps",
	}
	encoded := encodeGetNodeInfoResponse(want)
	got, err := decodeGetNodeInfoResponse(encoded)
	require.NoError(t, err)
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.Software, got.Software)
	require.Equal(t, want.Hardware, got.Hardware)
	require.Equal(t, want.Name, got.Name)
}

func TestFileReadRequestRoundTrip(t *testing.T) {
	want := FileReadRequest{Offset: 1 << 30, Path: "ABCDEFG"}
	encoded := EncodeFileReadRequest(want)
	got, err := DecodeFileReadRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFileReadResponseRoundTrip(t *testing.T) {
	want := FileReadResponse{Error: 0, Data: []byte{1, 2, 3, 4, 5}}
	encoded := EncodeFileReadResponse(want)
	got, err := DecodeFileReadResponse(encoded)
	require.NoError(t, err)
	require.Equal(t, want.Error, got.Error)
	require.Equal(t, want.Data, got.Data)
}

func TestSplitAndReassembleSingleFrame(t *testing.T) {
	payload := []byte{1, 2, 3}
	frames := splitTransfer(messageCANID(DefaultPriority, DataTypeNodeStatus, 5), payload, 7)
	require.Len(t, frames, 1)

	r := &reassembler{}
	got, done, err := r.feed(frames[0].Data)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, payload, got)
}

func TestSplitAndReassembleMultiFrame(t *testing.T) {
	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames := splitTransfer(messageCANID(DefaultPriority, DataTypeGetNodeInfo, 5), payload, 3)
	require.Greater(t, len(frames), 1)

	r := &reassembler{}
	var got []byte
	var done bool
	var err error
	for _, f := range frames {
		got, done, err = r.feed(f.Data)
		require.NoError(t, err)
	}
	require.True(t, done)
	require.Equal(t, payload, got)
}

func TestReassemblerDetectsCRCMismatch(t *testing.T) {
	payload := make([]byte, 30)
	frames := splitTransfer(messageCANID(DefaultPriority, DataTypeGetNodeInfo, 5), payload, 1)
	// Corrupt a payload byte in the first frame so the trailing CRC check
	// on reassembly fails.
	frames[0].Data[2] ^= 0xFF

	r := &reassembler{}
	var err error
	for _, f := range frames {
		_, _, err = r.feed(f.Data)
	}
	require.Error(t, err)
}

func TestCANIDRoundTripMessage(t *testing.T) {
	id := messageCANID(17, 341, 42)
	priority, isService, typeID, _, _, source := decodeCANID(id)
	require.EqualValues(t, 17, priority)
	require.False(t, isService)
	require.EqualValues(t, 341, typeID)
	require.EqualValues(t, 42, source)
}

func TestCANIDRoundTripService(t *testing.T) {
	id := serviceCANID(30, 1, true, 10, 20)
	priority, isService, typeID, isRequest, dest, source := decodeCANID(id)
	require.EqualValues(t, 30, priority)
	require.True(t, isService)
	require.EqualValues(t, 1, typeID)
	require.True(t, isRequest)
	require.EqualValues(t, 10, dest)
	require.EqualValues(t, 20, source)
}

func TestPathHashLength(t *testing.T) {
	h := PathHash("firmware/com.cubepilot.gps/firmware_1.2.bin")
	require.Len(t, h, 7)
	require.Equal(t, h, PathHash("firmware/com.cubepilot.gps/firmware_1.2.bin"))
}
