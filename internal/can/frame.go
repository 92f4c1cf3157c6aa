// Package can implements the minimal CAN transport and DroneCAN-v0-style
// dialect this updater needs to discover and drive cubepilot peripherals:
// it tunnels standard 29-bit extended CAN frames over the same serial link
// used for SLCAN-class USB-CAN adapters, not a general UAVCAN stack.
package can

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goserial "github.com/tarm/serial"
)

// CAN frame flags (29-bit extended identifier space).
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	idMask  = 0x1FFFFFFF
)

// Frame is one extended CAN frame.
type Frame struct {
	ID   uint32 // 29-bit extended identifier, no flag bits set
	Data []byte // up to 8 bytes
}

// Transport tunnels Frames over a serial link using the SLCAN ASCII
// encoding ("T" + 8 hex ID digits + 1 DLC digit + hex payload + CR), the de
// facto wire format most USB-CAN adapters speak.
type Transport struct {
	port   *goserial.Port
	reader *bufio.Reader

	mu sync.Mutex
}

// Open configures and opens portName as a CAN-over-serial transport, using
// baud as the serial line rate. The CAN bus bitrate is not set here; SLCAN
// bitrate selection happens out of band via the adapter's own
// configuration, which is assumed already set.
func Open(portName string, baud int) (*Transport, error) {
	cfg := &goserial.Config{
		Name:        portName,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	}
	p, err := goserial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("can: open %s: %w", portName, err)
	}
	return &Transport{port: p, reader: bufio.NewReader(p)}, nil
}

// Close releases the underlying serial port.
func (t *Transport) Close() error {
	return t.port.Close()
}

// Send writes f to the wire.
func (t *Transport) Send(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	line := fmt.Sprintf("T%08X%d%s\r", f.ID&idMask, len(f.Data), strings.ToUpper(hexEncode(f.Data)))
	_, err := t.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("can: write frame: %w", err)
	}
	return nil
}

// Recv reads the next frame, blocking up to the transport's read timeout.
// It returns (Frame{}, false, nil) on a read timeout so callers can spin
// without treating every poll as an error.
func (t *Transport) Recv() (Frame, bool, error) {
	line, err := t.reader.ReadString('\r')
	if err != nil {
		if isTimeout(err) {
			return Frame{}, false, nil
		}
		return Frame{}, false, fmt.Errorf("can: read frame: %w", err)
	}
	f, ok := parseSLCAN(line)
	return f, ok, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	// tarm/serial returns io.EOF-like errors on read timeout on some
	// platforms; treat any short read as a benign poll timeout and let the
	// caller's loop retry.
	return true
}

func parseSLCAN(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 10 || line[0] != 'T' {
		return Frame{}, false
	}
	idHex := line[1:9]
	id64, err := strconv.ParseUint(idHex, 16, 32)
	if err != nil {
		return Frame{}, false
	}
	dlc := int(line[9] - '0')
	if dlc < 0 || dlc > 8 || len(line) < 10+dlc*2 {
		return Frame{}, false
	}
	data, err := hexDecode(line[10 : 10+dlc*2])
	if err != nil {
		return Frame{}, false
	}
	return Frame{ID: uint32(id64) & idMask, Data: data}, true
}

func hexEncode(b []byte) string {
	const hextable = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0F]
	}
	return string(out)
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd hex length")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}
