package can

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Standard DroneCAN/UAVCAN v0 data type IDs for the handful of messages and
// services this updater needs to speak. These are the public, stable
// standard data type IDs the dronecan DSDL defines; only their encode/decode
// is reimplemented here, not the rest of the dialect.
const (
	DataTypeNodeStatus              = 341   // message
	DataTypeGetNodeInfo             = 1     // service
	DataTypeRestartNode             = 5     // service
	DataTypeParamGetSet             = 11    // service
	DataTypeFileBeginFirmwareUpdate = 40    // service
	DataTypeFileRead                = 48    // service
	DataTypeDebugLogMessage         = 16383 // message
)

// FileReadChunkSize is the maximum number of data bytes this updater
// requests or serves per uavcan.protocol.file.Read exchange.
const FileReadChunkSize = 256

// RestartNode's well-known magic confirmation value.
const RestartMagicNumber uint64 = 0xACCE551B1E

// DefaultPriority is the CAN priority this updater uses for every request
// it issues (spec: "All request sends use CAN priority 30").
const DefaultPriority = 30

// NodeStatus modes (uavcan.protocol.NodeStatus.mode).
const (
	ModeOperational    = 0
	ModeInitialization = 1
	ModeMaintenance    = 2
	ModeSoftwareUpdate = 3
	ModeOffline        = 7
)

// Reserved node ids 1..20 are conventionally autopilots/allocators and are
// excluded from peer discovery per spec §4.6.
const maxReservedNodeID = 20

// --- CAN ID layout -------------------------------------------------------
//
// Message frames:   priority(5) | type_id(16) | service_flag(1)=0 | source(7)
// Service frames:   priority(5) | type_id(8) | request_flag(1) | dest(7) | service_flag(1)=1 | source(7)

func messageCANID(priority uint8, typeID uint16, source uint8) uint32 {
	return uint32(priority&0x1F)<<24 | uint32(typeID)<<8 | uint32(source&0x7F)
}

func serviceCANID(priority uint8, typeID uint8, isRequest bool, dest, source uint8) uint32 {
	id := uint32(priority&0x1F) << 24
	id |= uint32(typeID) << 16
	if isRequest {
		id |= 1 << 15
	}
	id |= uint32(dest&0x7F) << 8
	id |= 1 << 7
	id |= uint32(source & 0x7F)
	return id
}

func decodeCANID(id uint32) (priority uint8, isService bool, typeID uint16, isRequest bool, dest, source uint8) {
	priority = uint8((id >> 24) & 0x1F)
	isService = (id>>7)&1 == 1
	source = uint8(id & 0x7F)
	if isService {
		typeID = uint16((id >> 16) & 0xFF)
		isRequest = (id>>15)&1 == 1
		dest = uint8((id >> 8) & 0x7F)
		return
	}
	typeID = uint16((id >> 8) & 0xFFFF)
	return
}

// --- transfer framing -----------------------------------------------------
//
// Every frame's final byte is a tail byte: start-of-transfer(1) |
// end-of-transfer(1) | toggle(1) | transfer_id(5). Payloads that don't fit
// in 7 bytes are split across frames with a 2-byte CRC16 prefix on the
// first frame, the same shape real UAVCAN multi-frame transfers use,
// computed here over the payload alone (this updater's own encoder and
// decoder agree on that checksum; it is not the DSDL-signature-based CRC
// real interop tooling computes).
const maxSingleFramePayload = 7

func crc16(data []byte) uint16 {
	// CRC-16/CCITT-FALSE, the variant UAVCAN multi-frame transfers use.
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// splitTransfer frames payload into one or more CAN frames carrying id,
// tagged with transferID (0-31).
func splitTransfer(id uint32, payload []byte, transferID uint8) []Frame {
	tid := transferID & 0x1F

	if len(payload) <= maxSingleFramePayload {
		tail := byte(1<<7 | 1<<6 | tid)
		data := append(append([]byte{}, payload...), tail)
		return []Frame{{ID: id, Data: data}}
	}

	buf := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(buf, crc16(payload))
	copy(buf[2:], payload)

	var frames []Frame
	toggle := uint8(0)
	for i := 0; i < len(buf); i += maxSingleFramePayload {
		end := i + maxSingleFramePayload
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[i:end]
		start := i == 0
		last := end == len(buf)
		var tail byte
		if start {
			tail = 1 << 7
		}
		if last {
			tail |= 1 << 6
		}
		tail |= (toggle & 1) << 5
		tail |= tid
		data := append(append([]byte{}, chunk...), tail)
		frames = append(frames, Frame{ID: id, Data: data})
		toggle ^= 1
	}
	return frames
}

// reassembler accumulates multi-frame transfers per (source node, type id).
type reassembler struct {
	buf []byte
}

// feed appends a frame's payload to the in-progress transfer; it returns
// the completed payload and true once an end-of-transfer tail byte is
// seen.
func (r *reassembler) feed(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return nil, false, fmt.Errorf("can: empty frame payload")
	}
	tail := data[len(data)-1]
	body := data[:len(data)-1]
	start := tail&(1<<7) != 0
	end := tail&(1<<6) != 0

	if start {
		r.buf = r.buf[:0]
	}
	r.buf = append(r.buf, body...)

	if !end {
		return nil, false, nil
	}

	if start {
		// Single-frame transfer: no CRC prefix.
		out := append([]byte(nil), r.buf...)
		r.buf = r.buf[:0]
		return out, true, nil
	}

	if len(r.buf) < 2 {
		r.buf = r.buf[:0]
		return nil, false, fmt.Errorf("can: truncated multi-frame transfer")
	}
	want := binary.LittleEndian.Uint16(r.buf[:2])
	payload := append([]byte(nil), r.buf[2:]...)
	r.buf = r.buf[:0]
	if crc16(payload) != want {
		return nil, false, fmt.Errorf("can: multi-frame transfer CRC mismatch")
	}
	return payload, true, nil
}

// --- message/service payloads ---------------------------------------------

// NodeStatus is uavcan.protocol.NodeStatus.
type NodeStatus struct {
	UptimeSec                uint32
	Health                   uint8
	Mode                     uint8
	SubMode                  uint8
	VendorSpecificStatusCode uint16
}

func encodeNodeStatus(s NodeStatus) []byte {
	buf := make([]byte, 7)
	binary.LittleEndian.PutUint32(buf[0:4], s.UptimeSec)
	buf[4] = s.Health<<6 | s.Mode<<3 | s.SubMode
	binary.LittleEndian.PutUint16(buf[5:7], s.VendorSpecificStatusCode)
	return buf
}

func decodeNodeStatus(data []byte) (NodeStatus, error) {
	if len(data) < 7 {
		return NodeStatus{}, fmt.Errorf("can: short NodeStatus payload")
	}
	s := NodeStatus{}
	s.UptimeSec = binary.LittleEndian.Uint32(data[0:4])
	s.Health = (data[4] >> 6) & 0x3
	s.Mode = (data[4] >> 3) & 0x7
	s.SubMode = data[4] & 0x7
	s.VendorSpecificStatusCode = binary.LittleEndian.Uint16(data[5:7])
	return s, nil
}

// SoftwareVersion is uavcan.protocol.SoftwareVersion.
type SoftwareVersion struct {
	Major, Minor uint8
	VCSCommit    uint32
}

// HardwareVersion is uavcan.protocol.HardwareVersion (major, minor and
// unique_id; the CoA field is not used by this updater).
type HardwareVersion struct {
	Major, Minor uint8
	UniqueID     [16]byte
}

// GetNodeInfoResponse is uavcan.protocol.GetNodeInfo.Response.
type GetNodeInfoResponse struct {
	Status   NodeStatus
	Software SoftwareVersion
	Hardware HardwareVersion
	Name     string
}

func encodeGetNodeInfoResponse(r GetNodeInfoResponse) []byte {
	buf := make([]byte, 0, 7+6+18+len(r.Name))
	buf = append(buf, encodeNodeStatus(r.Status)...)
	sw := make([]byte, 6)
	sw[0] = r.Software.Major
	sw[1] = r.Software.Minor
	binary.LittleEndian.PutUint32(sw[2:6], r.Software.VCSCommit)
	buf = append(buf, sw...)
	hw := make([]byte, 18)
	hw[0] = r.Hardware.Major
	hw[1] = r.Hardware.Minor
	copy(hw[2:18], r.Hardware.UniqueID[:])
	buf = append(buf, hw...)
	buf = append(buf, []byte(r.Name)...)
	return buf
}

func decodeGetNodeInfoResponse(data []byte) (GetNodeInfoResponse, error) {
	if len(data) < 7+6+18 {
		return GetNodeInfoResponse{}, fmt.Errorf("can: short GetNodeInfo.Response payload")
	}
	var r GetNodeInfoResponse
	status, err := decodeNodeStatus(data[0:7])
	if err != nil {
		return GetNodeInfoResponse{}, err
	}
	r.Status = status
	r.Software.Major = data[7]
	r.Software.Minor = data[8]
	r.Software.VCSCommit = binary.LittleEndian.Uint32(data[9:13])
	r.Hardware.Major = data[13]
	r.Hardware.Minor = data[14]
	copy(r.Hardware.UniqueID[:], data[15:31])
	r.Name = string(data[31:])
	return r, nil
}

// RestartNodeRequest is uavcan.protocol.RestartNode.Request.
type RestartNodeRequest struct {
	MagicNumber uint64
}

func encodeRestartNodeRequest(r RestartNodeRequest) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.MagicNumber)
	return buf[:5] // magic_number is a 40-bit field
}

// ParamGetSetRequest is uavcan.protocol.param.GetSet.Request, restricted to
// the integer-value form this updater uses (FLASH_BOOTLOADER=1).
type ParamGetSetRequest struct {
	Name     string
	HasValue bool
	IntValue int64
}

func encodeParamGetSetRequest(r ParamGetSetRequest) []byte {
	buf := make([]byte, 0, 1+8+len(r.Name))
	tag := byte(0)
	var valBytes []byte
	if r.HasValue {
		tag = 1
		valBytes = make([]byte, 8)
		binary.LittleEndian.PutUint64(valBytes, uint64(r.IntValue))
	}
	buf = append(buf, tag)
	buf = append(buf, valBytes...)
	buf = append(buf, byte(len(r.Name)))
	buf = append(buf, []byte(r.Name)...)
	return buf
}

// BeginFirmwareUpdateRequest is uavcan.protocol.file.BeginFirmwareUpdate.Request.
type BeginFirmwareUpdateRequest struct {
	SourceNodeID uint8
	Path         string // file.Path.path
}

func encodeBeginFirmwareUpdateRequest(r BeginFirmwareUpdateRequest) []byte {
	buf := make([]byte, 0, 1+len(r.Path))
	buf = append(buf, r.SourceNodeID)
	buf = append(buf, []byte(r.Path)...)
	return buf
}

// BeginFirmwareUpdateResponse is uavcan.protocol.file.BeginFirmwareUpdate.Response.
type BeginFirmwareUpdateResponse struct {
	ErrorCode uint8
}

func decodeBeginFirmwareUpdateResponse(data []byte) (BeginFirmwareUpdateResponse, error) {
	if len(data) < 1 {
		return BeginFirmwareUpdateResponse{}, fmt.Errorf("can: short BeginFirmwareUpdate.Response payload")
	}
	return BeginFirmwareUpdateResponse{ErrorCode: data[0]}, nil
}

// LogMessage is uavcan.protocol.debug.LogMessage.
type LogMessage struct {
	Level  float32 // unused beyond presence; kept for completeness
	Source string
	Text   string
}

// DecodeLogMessage decodes a debug.LogMessage payload.
func DecodeLogMessage(data []byte) (LogMessage, error) {
	if len(data) < 1 {
		return LogMessage{}, fmt.Errorf("can: empty LogMessage payload")
	}
	sourceLen := int(data[0] & 0x1F)
	if len(data) < 1+sourceLen {
		return LogMessage{}, fmt.Errorf("can: truncated LogMessage payload")
	}
	source := string(data[1 : 1+sourceLen])
	text := string(data[1+sourceLen:])
	return LogMessage{Source: source, Text: text}, nil
}

// FileReadRequest is uavcan.protocol.file.Read.Request.
type FileReadRequest struct {
	Offset uint64 // 40-bit on the wire
	Path   string
}

// EncodeFileReadRequest encodes a file.Read request.
func EncodeFileReadRequest(r FileReadRequest) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.Offset)
	out := append([]byte{}, buf[:5]...)
	out = append(out, []byte(r.Path)...)
	return out
}

// DecodeFileReadRequest decodes a file.Read request.
func DecodeFileReadRequest(data []byte) (FileReadRequest, error) {
	if len(data) < 5 {
		return FileReadRequest{}, fmt.Errorf("can: short file.Read.Request payload")
	}
	var buf [8]byte
	copy(buf[:5], data[:5])
	return FileReadRequest{Offset: binary.LittleEndian.Uint64(buf[:]), Path: string(data[5:])}, nil
}

// FileReadResponse is uavcan.protocol.file.Read.Response.
type FileReadResponse struct {
	Error byte
	Data  []byte
}

// EncodeFileReadResponse encodes a file.Read response.
func EncodeFileReadResponse(r FileReadResponse) []byte {
	return append([]byte{r.Error}, r.Data...)
}

// DecodeFileReadResponse decodes a file.Read response.
func DecodeFileReadResponse(data []byte) (FileReadResponse, error) {
	if len(data) < 1 {
		return FileReadResponse{}, fmt.Errorf("can: short file.Read.Response payload")
	}
	return FileReadResponse{Error: data[0], Data: append([]byte(nil), data[1:]...)}, nil
}

// PathHash returns the 7-character base64 hash of a firmware path's CRC-32,
// the key the CAN file server indexes firmware files by (spec §4.7).
func PathHash(path string) string {
	sum := crc32.ChecksumIEEE([]byte(path))
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, sum)
	return base64URLEncode(b)[:7]
}

const base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

func base64URLEncode(data []byte) string {
	var out []byte
	for i := 0; i < len(data); i += 3 {
		var chunk [3]byte
		n := copy(chunk[:], data[i:])
		out = append(out,
			base64URLAlphabet[chunk[0]>>2],
			base64URLAlphabet[(chunk[0]&0x03)<<4|chunk[1]>>4],
		)
		if n > 1 {
			out = append(out, base64URLAlphabet[(chunk[1]&0x0F)<<2|chunk[2]>>6])
		}
		if n > 2 {
			out = append(out, base64URLAlphabet[chunk[2]&0x3F])
		}
		for p := n; p < 3; p++ {
			out = append(out, '=')
		}
	}
	return string(out)
}
