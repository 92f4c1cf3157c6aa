// Package bootloader implements the PX4/ArduPilot-style serial bootloader
// wire protocol: sync recovery, device identification, chip/external-flash
// erase-program-verify, baud negotiation, and the MAVLink/NSH reboot
// handshake used to coax a running flight stack into the bootloader.
package bootloader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	goserial "github.com/tarm/serial"

	"github.com/cubepilot/batch-firmware-updater/internal/firmware"
)

// Protocol framing bytes (spec §4.3).
const (
	insync          = 0x12
	eoc             = 0x20
	replyOK         = 0x10
	replyFailed     = 0x11
	replyInvalid    = 0x13
	replyBadSilicon = 0x14
)

// Opcodes.
const (
	opGetSync       = 0x21
	opGetDevice     = 0x22
	opChipErase     = 0x23
	opChipVerify    = 0x24 // rev2 only
	opProgMulti     = 0x27
	opReadMulti     = 0x28 // rev2 only
	opGetCRC        = 0x29 // rev3+
	opGetOTP        = 0x2A
	opGetSN         = 0x2B
	opGetChip       = 0x2C
	opSetBootDelay  = 0x2D
	opGetChipDes    = 0x2E
	opReboot        = 0x30
	opSetBaud       = 0x33
	opExtfErase     = 0x34
	opExtfProgMulti = 0x35
	opExtfGetCRC    = 0x37
	opChipFullErase = 0x40
)

// GET_DEVICE parameters.
const (
	infoBLRev     = 0x01
	infoBoardID   = 0x02
	infoBoardRev  = 0x03
	infoFlashSize = 0x04
	infoExtfSize  = 0x06
)

const (
	blRevMin     = 2
	blRevMax     = 5
	progMultiMax = 252 // protocol max is 255, must be a multiple of 4
	readMultiMax = 252
)

var (
	nshInit     = []byte{0x0d, 0x0d, 0x0d}
	nshRebootBL = []byte("reboot -b\n")
	nshReboot   = []byte("reboot\n")

	// mavlinkRebootID1/ID0 are fixed COMMAND_LONG(MAV_CMD_PREFLIGHT_REBOOT_SHUTDOWN,
	// param1=3) frames for component_id=1 and component_id=0, used when no
	// target system/component has been configured for this run.
	mavlinkRebootID1 = []byte{
		0xfe, 0x21, 0x72, 0xff, 0x00, 0x4c, 0x00, 0x00, 0x40, 0x40,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0xf6, 0x00, 0x01, 0x00, 0x00, 0x53, 0x6b,
	}
	mavlinkRebootID0 = []byte{
		0xfe, 0x21, 0x45, 0xff, 0x00, 0x4c, 0x00, 0x00, 0x40, 0x40,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0xf6, 0x00, 0x00, 0x00, 0x00, 0xcc, 0x37,
	}
)

// ProgressFunc reports upload progress; phase names a stage ("erase",
// "program", "verify", "extf-erase", ...) and percent is in [0,100].
type ProgressFunc func(phase string, percent float64)

// Client drives a single board through the bootloader protocol over one
// exclusively-owned serial port.
type Client struct {
	portName string
	port     *goserial.Port

	bootloaderBaud int
	flashBaud      int
	flightBauds    []int
	flightBaudIdx  int

	noExtf     bool
	forceErase bool

	blRev       uint32
	boardType   uint32
	boardRev    uint32
	fwMaxSize   uint32
	extfMaxSize uint32

	onProgress ProgressFunc
}

// Options configures a new Client.
type Options struct {
	BootloaderBaud int
	FlashBaud      int // if zero, defaults to BootloaderBaud
	FlightBauds    []int
	NoExtf         bool
	ForceErase     bool
	OnProgress     ProgressFunc
}

// NewClient opens portName at the bootloader baud rate; the port is owned
// exclusively by this Client until Close.
func NewClient(portName string, opts Options) (*Client, error) {
	flashBaud := opts.FlashBaud
	if flashBaud == 0 {
		flashBaud = opts.BootloaderBaud
	}
	c := &Client{
		portName:       portName,
		bootloaderBaud: opts.BootloaderBaud,
		flashBaud:      flashBaud,
		flightBauds:    opts.FlightBauds,
		flightBaudIdx:  -1,
		noExtf:         opts.NoExtf,
		forceErase:     opts.ForceErase,
		onProgress:     opts.OnProgress,
	}
	if c.onProgress == nil {
		c.onProgress = func(string, float64) {}
	}
	if err := c.openAt(c.bootloaderBaud); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) openAt(baud int) error {
	cfg := &goserial.Config{
		Name:        c.portName,
		Baud:        baud,
		Parity:      goserial.ParityNone,
		Size:        8,
		StopBits:    goserial.Stop1,
		ReadTimeout: 2 * time.Second,
	}
	p, err := goserial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("bootloader: open %s @ %d: %w", c.portName, baud, err)
	}
	c.port = p
	return nil
}

// Close releases the serial port.
func (c *Client) Close() error {
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// reopenAt closes and reopens the port at a new baud, since the serial
// transport does not support changing baud on a live handle.
func (c *Client) reopenAt(baud int) error {
	if c.port != nil {
		_ = c.port.Close()
		c.port = nil
	}
	return c.openAt(baud)
}

func (c *Client) send(b []byte) error {
	_, err := c.port.Write(b)
	if err != nil {
		return fmt.Errorf("bootloader: write: %w", err)
	}
	return nil
}

func (c *Client) recv(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		k, err := c.port.Read(buf[read:])
		if k > 0 {
			read += k
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolTimeout, err)
		}
		if k == 0 {
			return nil, fmt.Errorf("%w: no data (%d/%d bytes)", ErrProtocolTimeout, read, n)
		}
	}
	return buf, nil
}

func (c *Client) recvByte() (byte, error) {
	b, err := c.recv(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Client) recvUint32LE() (uint32, error) {
	b, err := c.recv(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// getSync reads the two-byte INSYNC/status trailer every successful or
// failed command ends with.
func (c *Client) getSync() error {
	_ = c.port.Flush()
	b, err := c.recvByte()
	if err != nil {
		return err
	}
	if b != insync {
		return fmt.Errorf("%w: expected INSYNC, got 0x%02x", ErrProtocolDesync, b)
	}
	status, err := c.recvByte()
	if err != nil {
		return err
	}
	switch status {
	case replyOK:
		return nil
	case replyInvalid:
		return fmt.Errorf("%w: bootloader reports INVALID OPERATION", ErrProtocolDesync)
	case replyFailed:
		return fmt.Errorf("%w: bootloader reports OPERATION FAILED", ErrProtocolDesync)
	case replyBadSilicon:
		return fmt.Errorf("%w: bad silicon revision", ErrProtocolDesync)
	default:
		return fmt.Errorf("%w: unexpected status 0x%02x", ErrProtocolDesync, status)
	}
}

// sync flushes pending input and re-establishes protocol sync.
func (c *Client) sync() error {
	_ = c.port.Flush()
	if err := c.send([]byte{opGetSync, eoc}); err != nil {
		return err
	}
	return c.getSync()
}

// trySync is a non-fatal probe used while polling for a long-running
// command (erase, extf erase) to finish: it swallows timeouts and returns
// false rather than propagating them.
func (c *Client) trySync() bool {
	_ = c.port.Flush()
	b, err := c.recvByte()
	if err != nil {
		return false
	}
	if b != insync {
		return false
	}
	status, err := c.recvByte()
	if err != nil {
		return false
	}
	return status == replyOK
}

func (c *Client) getInfo(param byte) (uint32, error) {
	if err := c.send([]byte{opGetDevice, param, eoc}); err != nil {
		return 0, err
	}
	v, err := c.recvUint32LE()
	if err != nil {
		return 0, err
	}
	if err := c.getSync(); err != nil {
		return 0, err
	}
	return v, nil
}

// Identify queries bootloader revision, external/main flash sizes, and
// board type/revision. It fails with ErrUnsupportedBootloader if the
// reported revision is outside [2,5].
func (c *Client) Identify() error {
	if err := c.sync(); err != nil {
		return err
	}

	blRev, err := c.getInfo(infoBLRev)
	if err != nil {
		return err
	}
	if blRev < blRevMin || blRev > blRevMax {
		return fmt.Errorf("%w: revision %d", ErrUnsupportedBootloader, blRev)
	}
	c.blRev = blRev

	if c.noExtf {
		c.extfMaxSize = 0
	} else {
		extf, err := c.getInfo(infoExtfSize)
		if err != nil {
			c.extfMaxSize = 0
			if err := c.sync(); err != nil {
				return err
			}
		} else {
			c.extfMaxSize = extf
		}
	}

	if c.boardType, err = c.getInfo(infoBoardID); err != nil {
		return err
	}
	if c.boardRev, err = c.getInfo(infoBoardRev); err != nil {
		return err
	}
	if c.fwMaxSize, err = c.getInfo(infoFlashSize); err != nil {
		return err
	}
	return nil
}

// BoardType, BoardRevision, BootloaderRevision expose the values Identify
// collected.
func (c *Client) BoardType() uint32          { return c.boardType }
func (c *Client) BoardRevision() uint32      { return c.boardRev }
func (c *Client) BootloaderRevision() uint32 { return c.blRev }

func splitChunks(data []byte, size int) [][]byte {
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}

func (c *Client) programMulti(data []byte) error {
	if err := c.send([]byte{opProgMulti, byte(len(data))}); err != nil {
		return err
	}
	if err := c.send(data); err != nil {
		return err
	}
	if err := c.send([]byte{eoc}); err != nil {
		return err
	}
	return c.getSync()
}

func (c *Client) programMultiExtf(data []byte) error {
	if err := c.send([]byte{opExtfProgMulti, byte(len(data))}); err != nil {
		return err
	}
	if err := c.send(data); err != nil {
		return err
	}
	if err := c.send([]byte{eoc}); err != nil {
		return err
	}
	return c.getSync()
}

func (c *Client) verifyMulti(data []byte) (bool, error) {
	if err := c.send([]byte{opReadMulti, byte(len(data)), eoc}); err != nil {
		return false, err
	}
	_ = c.port.Flush()
	programmed, err := c.recv(len(data))
	if err != nil {
		return false, err
	}
	if !bytes.Equal(programmed, data) {
		return false, nil
	}
	if err := c.getSync(); err != nil {
		return false, err
	}
	return true, nil
}

// erase runs CHIP_ERASE (or CHIP_FULL_ERASE if forceErase) and polls for
// sync for up to 20s, reporting percent progress against an estimated 9s
// erase time.
func (c *Client) erase(phase string) error {
	op := byte(opChipErase)
	if c.forceErase {
		op = opChipFullErase
	}
	if err := c.send([]byte{op, eoc}); err != nil {
		return err
	}

	const timeout = 20 * time.Second
	const estimated = 9 * time.Second
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		elapsed := timeout - time.Until(deadline)
		if elapsed < estimated {
			c.onProgress(phase, (float64(elapsed)/float64(estimated))*100.0)
		} else {
			c.onProgress(phase, 100.0)
		}
		if c.trySync() {
			c.onProgress(phase, 100.0)
			return nil
		}
	}
	return fmt.Errorf("%w: timed out waiting for erase", ErrProtocolTimeout)
}

func (c *Client) program(phase string, image []byte) error {
	groups := splitChunks(image, progMultiMax)
	for i, g := range groups {
		if err := c.programMulti(g); err != nil {
			return err
		}
		if i%256 == 0 {
			c.onProgress(phase, float64(i)/float64(len(groups))*100.0)
		}
	}
	c.onProgress(phase, 100.0)
	return nil
}

func (c *Client) programExtf(phase string, image []byte) error {
	groups := splitChunks(image, progMultiMax)
	for i, g := range groups {
		if err := c.programMultiExtf(g); err != nil {
			return err
		}
		if i%32 == 0 {
			c.onProgress(phase, float64(i)/float64(len(groups))*100.0)
		}
	}
	c.onProgress(phase, 100.0)
	return nil
}

func (c *Client) verifyV2(phase string, image []byte) error {
	if err := c.send([]byte{opChipVerify, eoc}); err != nil {
		return err
	}
	if err := c.getSync(); err != nil {
		return err
	}
	groups := splitChunks(image, readMultiMax)
	for i, g := range groups {
		if i%256 == 0 {
			c.onProgress(phase, float64(i)/float64(len(groups))*100.0)
		}
		ok, err := c.verifyMulti(g)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: byte compare mismatch", ErrVerifyFailed)
		}
	}
	c.onProgress(phase, 100.0)
	return nil
}

func (c *Client) verifyV3(phase string, expectCRC uint32) error {
	c.onProgress(phase, 1.0)
	if err := c.send([]byte{opGetCRC, eoc}); err != nil {
		return err
	}
	reportCRC, err := c.recvUint32LE()
	if err != nil {
		return err
	}
	if err := c.getSync(); err != nil {
		return err
	}
	if reportCRC != expectCRC {
		return fmt.Errorf("%w: expected 0x%x got 0x%x", ErrVerifyFailed, expectCRC, reportCRC)
	}
	c.onProgress(phase, 100.0)
	return nil
}

func (c *Client) verify(phase string, b *firmware.Bundle) error {
	if c.blRev == 2 {
		return c.verifyV2(phase, b.Image)
	}
	return c.verifyV3(phase, b.CRCImage(c.fwMaxSize))
}

func (c *Client) setBootDelay(delay int8) error {
	if err := c.send([]byte{opSetBootDelay, byte(delay), eoc}); err != nil {
		return err
	}
	return c.getSync()
}

func (c *Client) setBaud(baud uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, baud)
	if err := c.send(append([]byte{opSetBaud}, append(buf, eoc)...)); err != nil {
		return err
	}
	return c.getSync()
}

func (c *Client) eraseExtflash(phase string, size uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, size)
	if err := c.send(append([]byte{opExtfErase}, append(buf, eoc)...)); err != nil {
		return err
	}
	if err := c.getSync(); err != nil {
		return err
	}
	lastPct := byte(0)
	for {
		if lastPct < 90 {
			pct, err := c.recvByte()
			if err != nil {
				return err
			}
			if pct != lastPct {
				c.onProgress(phase, float64(pct))
				lastPct = pct
			}
		} else if c.trySync() {
			c.onProgress(phase, 100.0)
			return nil
		}
	}
}

func (c *Client) verifyExtf(phase string, b *firmware.Bundle, size uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, size)
	expectCRC := b.CRCExtf(size)

	if err := c.send(append([]byte{opExtfGetCRC}, append(buf, eoc)...)); err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	var reportCRC uint32
	var err error
	for time.Now().Before(deadline) {
		reportCRC, err = c.recvUint32LE()
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: extf CRC read timed out", ErrProtocolTimeout)
	}
	if err := c.getSync(); err != nil {
		return err
	}
	if reportCRC != expectCRC {
		return fmt.Errorf("%w: extf expected 0x%x got 0x%x", ErrVerifyFailed, expectCRC, reportCRC)
	}
	c.onProgress(phase, 100.0)
	return nil
}

func (c *Client) reboot() error {
	if err := c.send([]byte{opReboot, eoc}); err != nil {
		return err
	}
	_ = c.port.Flush()
	if c.blRev >= 3 {
		return c.getSync()
	}
	return nil
}

// compatibleBoardIDs mirrors the Phase A compatibility fallback the
// firmware catalog applies when matching bundles, used here to decide
// whether an apparent board_id mismatch is actually fine.
var compatibleBoardIDs = map[uint32]struct {
	BoardID uint32
	Label   string
}{
	33: {BoardID: 9, Label: "AUAVX2.1"},
}

// Upload flashes fw to the connected board: optional baud negotiation,
// optional external-flash erase/program/verify, main flash
// erase/program/verify, optional boot-delay set, then reboot.
func (c *Client) Upload(fw *firmware.Bundle, force bool, bootDelay *int8) error {
	if c.boardType != fw.BoardID {
		compatible := false
		if compat, ok := compatibleBoardIDs[c.boardType]; ok && compat.BoardID == fw.BoardID {
			compatible = true
		}
		if !compatible {
			if !force {
				return fmt.Errorf("%w: board_type=%d firmware board_id=%d", ErrIncompatibleBoard, c.boardType, fw.BoardID)
			}
		}
	}

	if c.fwMaxSize < fw.ImageSize || (fw.HasExtfImage && c.extfMaxSize < fw.ExtfImageSize) {
		return ErrImageTooLarge
	}

	if c.flashBaud != c.bootloaderBaud {
		if err := c.setBaud(uint32(c.flashBaud)); err != nil {
			return err
		}
		if err := c.reopenAt(c.flashBaud); err != nil {
			return err
		}
		if err := c.sync(); err != nil {
			return err
		}
	}

	if fw.HasExtfImage && fw.ExtfImageSize > 0 {
		if err := c.eraseExtflash("extf-erase", fw.ExtfImageSize); err != nil {
			return err
		}
		if err := c.programExtf("extf-program", fw.ExtfImage); err != nil {
			return err
		}
		if err := c.verifyExtf("extf-verify", fw, fw.ExtfImageSize); err != nil {
			return err
		}
	}

	if fw.ImageSize > 0 {
		if err := c.erase("erase"); err != nil {
			return err
		}
		if err := c.program("program", fw.Image); err != nil {
			return err
		}
		if err := c.verify("verify", fw); err != nil {
			return err
		}
	}

	if bootDelay != nil {
		if err := c.setBootDelay(*bootDelay); err != nil {
			return err
		}
	}

	if err := c.reboot(); err != nil {
		return err
	}
	return c.Close()
}

// nextFlightstackBaud advances the flight-stack baud cursor and reconfigures
// the port, returning false once the list is exhausted.
func (c *Client) nextFlightstackBaud() bool {
	c.flightBaudIdx++
	if c.flightBaudIdx >= len(c.flightBauds) {
		return false
	}
	if err := c.reopenAt(c.flightBauds[c.flightBaudIdx]); err != nil {
		return false
	}
	return true
}

// SendReboot cycles to the next flight-stack baud rate and emits the
// MAVLink + NSH reboot handshake, restoring the bootloader baud afterward.
// It returns false once the baud list is exhausted.
func (c *Client) SendReboot() bool {
	if !c.nextFlightstackBaud() {
		return false
	}

	_ = c.port.Flush()
	_ = c.send(mavlinkRebootID1)
	_ = c.send(mavlinkRebootID0)
	_ = c.send(nshInit)
	_ = c.send(nshRebootBL)
	_ = c.send(nshInit)
	_ = c.send(nshReboot)
	_ = c.port.Flush()

	_ = c.reopenAt(c.bootloaderBaud)
	return true
}

// FindBootloader repeatedly opens the port, attempts Identify, and on
// failure cycles reboot attempts across the flight-stack baud list. It
// returns false once SendReboot exhausts that list.
func FindBootloader(portName string, opts Options) (*Client, bool) {
	c := &Client{
		portName:       portName,
		bootloaderBaud: opts.BootloaderBaud,
		flashBaud:      opts.FlashBaud,
		flightBauds:    opts.FlightBauds,
		flightBaudIdx:  -1,
		noExtf:         opts.NoExtf,
		forceErase:     opts.ForceErase,
		onProgress:     opts.OnProgress,
	}
	if c.flashBaud == 0 {
		c.flashBaud = c.bootloaderBaud
	}
	if c.onProgress == nil {
		c.onProgress = func(string, float64) {}
	}

	for {
		if err := c.openAt(c.bootloaderBaud); err != nil {
			return nil, false
		}

		if err := c.Identify(); err == nil {
			return c, true
		}

		rebootSent := c.SendReboot()
		time.Sleep(250 * time.Millisecond)
		_ = c.Close()
		time.Sleep(300 * time.Millisecond)

		if !rebootSent {
			return nil, false
		}
	}
}
