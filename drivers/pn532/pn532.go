// Package pn532 provides a driver for the PN532 NFC reader over I2C.
// It implements the information frames the NFC service needs: firmware
// probe, SAM configuration, and passive target polling for 106 kbps
// type A tags.
//
// NOTE: reads over I2C prepend one status byte; bit 0 set means the
// chip has a frame ready. The driver polls that bit with a bounded
// timeout rather than wiring the IRQ line.
package pn532

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// Default 7-bit I2C address.
const Address = 0x24

// Frame constants.
const (
	hostToChip = 0xD4
	chipToHost = 0xD5

	startCode1 = 0x00
	startCode2 = 0xFF
)

// Commands.
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdInListPassiveTarget = 0x4A
)

// Baud/modulation selector for InListPassiveTarget.
const brty106kbpsTypeA = 0x00

var ackFrame = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}

var (
	ErrTimeout  = errors.New("pn532: timeout waiting for chip")
	ErrAck      = errors.New("pn532: missing or malformed ack")
	ErrProtocol = errors.New("pn532: malformed response frame")
	ErrChecksum = errors.New("pn532: response checksum mismatch")
	ErrNoTarget = errors.New("pn532: no target in field")
)

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// Address defaults to 0x24 if zero.
	Address uint16
	// PollInterval between ready-bit checks. Default 5 ms.
	PollInterval time.Duration
	// Timeout bounds each ack/response wait. Default 500 ms.
	Timeout time.Duration
}

// Version is the GetFirmwareVersion response.
type Version struct {
	IC      byte // 0x32 for PN532
	Ver     byte
	Rev     byte
	Support byte
}

// Target is one detected passive tag.
type Target struct {
	SENSRes [2]byte
	SELRes  byte
	UID     []byte
}

// Device wraps an I2C connection to a PN532.
type Device struct {
	bus  drivers.I2C
	addr uint16
	cfg  Config
	buf  [72]byte
}

// New creates the device object; it does not touch the chip.
func New(bus drivers.I2C) *Device {
	return &Device{bus: bus, addr: Address}
}

func (d *Device) Configure(cfgs ...Config) {
	var c Config
	if len(cfgs) > 0 {
		c = cfgs[0]
	}
	if c.Address != 0 {
		d.addr = c.Address
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	d.cfg = c
}

// FirmwareVersion probes the chip.
func (d *Device) FirmwareVersion() (Version, error) {
	data, err := d.call(cmdGetFirmwareVersion, nil)
	if err != nil {
		return Version{}, err
	}
	if len(data) < 4 {
		return Version{}, ErrProtocol
	}
	return Version{IC: data[0], Ver: data[1], Rev: data[2], Support: data[3]}, nil
}

// SAMConfigure puts the chip in normal mode with the IRQ pin unused.
func (d *Device) SAMConfigure() error {
	// mode=normal, timeout=50ms units (0x14 = 1s), no IRQ
	_, err := d.call(cmdSAMConfiguration, []byte{0x01, 0x14, 0x01})
	return err
}

// ReadPassiveTarget polls the field once for a single type A tag.
// Returns ErrNoTarget when the field is empty at the deadline.
func (d *Device) ReadPassiveTarget() (Target, error) {
	data, err := d.call(cmdInListPassiveTarget, []byte{0x01, brty106kbpsTypeA})
	if err != nil {
		return Target{}, err
	}
	// data: NbTg Tg SENS_RES[2] SEL_RES NFCIDLen UID...
	if len(data) < 1 || data[0] == 0 {
		return Target{}, ErrNoTarget
	}
	if len(data) < 6 {
		return Target{}, ErrProtocol
	}
	uidLen := int(data[5])
	if len(data) < 6+uidLen {
		return Target{}, ErrProtocol
	}
	tgt := Target{
		SENSRes: [2]byte{data[2], data[3]},
		SELRes:  data[4],
		UID:     append([]byte(nil), data[6:6+uidLen]...),
	}
	return tgt, nil
}

// call runs one command round trip: frame out, ack in, response in.
// The returned slice aliases the device buffer and is only valid until
// the next call.
func (d *Device) call(cmd byte, args []byte) ([]byte, error) {
	if d.cfg.Timeout == 0 {
		d.Configure()
	}
	if err := d.writeFrame(cmd, args); err != nil {
		return nil, err
	}
	if err := d.readAck(); err != nil {
		return nil, err
	}
	return d.readResponse(cmd)
}

func (d *Device) writeFrame(cmd byte, args []byte) error {
	dlen := byte(len(args) + 2) // TFI + command
	frame := make([]byte, 0, len(args)+8)
	frame = append(frame, 0x00, startCode1, startCode2, dlen, ^dlen+1, hostToChip, cmd)
	sum := hostToChip + cmd
	for _, b := range args {
		frame = append(frame, b)
		sum += b
	}
	frame = append(frame, ^sum+1, 0x00)
	return d.bus.Tx(d.addr, frame, nil)
}

// waitReady polls the status byte until bit 0 is set.
func (d *Device) waitReady() error {
	deadline := time.Now().Add(d.cfg.Timeout)
	status := d.buf[:1]
	for {
		if err := d.bus.Tx(d.addr, nil, status); err != nil {
			return err
		}
		if status[0]&0x01 != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(d.cfg.PollInterval)
	}
}

func (d *Device) readAck() error {
	if err := d.waitReady(); err != nil {
		return err
	}
	raw := d.buf[:1+len(ackFrame)]
	if err := d.bus.Tx(d.addr, nil, raw); err != nil {
		return err
	}
	got := raw[1:]
	for i, b := range ackFrame {
		if got[i] != b {
			return ErrAck
		}
	}
	return nil
}

// readResponse reads and validates one response frame, returning the
// payload after the TFI and response-code bytes.
func (d *Device) readResponse(cmd byte) ([]byte, error) {
	if err := d.waitReady(); err != nil {
		return nil, err
	}
	raw := d.buf[:]
	if err := d.bus.Tx(d.addr, nil, raw); err != nil {
		return nil, err
	}
	f := raw[1:] // strip the I2C status byte

	// preamble + start code
	if f[0] != 0x00 || f[1] != startCode1 || f[2] != startCode2 {
		return nil, ErrProtocol
	}
	dlen := int(f[3])
	if byte(dlen)+f[4] != 0 {
		return nil, ErrProtocol // length checksum
	}
	if dlen < 2 || 5+dlen+1 > len(f) {
		return nil, ErrProtocol
	}
	body := f[5 : 5+dlen]
	if body[0] != chipToHost || body[1] != cmd+1 {
		return nil, ErrProtocol
	}
	var sum byte
	for _, b := range body {
		sum += b
	}
	if sum+f[5+dlen] != 0 {
		return nil, ErrChecksum
	}
	return body[2:], nil
}
