// Package cc1101 provides a driver for the CC1101 sub-GHz transceiver
// over SPI. It covers what the radio service needs: reset, presence
// probe, frequency programming, RSSI and RX FIFO reads. The caller is
// responsible for bus arbitration; the driver assumes it has the SPI
// bus for the duration of each call.
package cc1101

import (
	"errors"

	"tinygo.org/x/drivers"
)

// Command strobes.
const (
	strobeReset = 0x30 // SRES
	strobeRX    = 0x34 // SRX
	strobeTX    = 0x35 // STX
	strobeIdle  = 0x36 // SIDLE
	strobeFlush = 0x3A // SFRX
	strobeNop   = 0x3D // SNOP
)

// Header flags.
const (
	flagRead      = 0x80
	flagBurst     = 0x40
	flagStatusReg = 0xC0 // status registers need read|burst
)

// Registers.
const (
	regFreq2   = 0x0D
	regFreq1   = 0x0E
	regFreq0   = 0x0F
	regPartnum = 0x30
	regVersion = 0x31
	regRSSI    = 0x34
	regRXBytes = 0x3B
	regFIFO    = 0x3F
)

// Crystal reference, Hz. Frequency words are in units of fxosc/2^16.
const fxosc = 26_000_000

// Programmable range of the synthesiser bands we use.
const (
	freqMin = 300_000_000
	freqMax = 928_000_000
)

var (
	ErrNotPresent   = errors.New("cc1101: chip not detected")
	ErrBadFrequency = errors.New("cc1101: frequency out of range")
)

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// CS asserts/deasserts chip select around each transaction. Leave
	// nil when the transport handles chip select itself.
	CS func(active bool)
}

// Device wraps an SPI connection to a CC1101.
type Device struct {
	bus drivers.SPI
	cs  func(bool)
}

// New creates the device object without touching the chip.
func New(bus drivers.SPI) *Device {
	return &Device{bus: bus, cs: func(bool) {}}
}

func (d *Device) Configure(cfgs ...Config) {
	if len(cfgs) > 0 && cfgs[0].CS != nil {
		d.cs = cfgs[0].CS
	}
}

// Reset issues SRES. The chip needs ~40us before the next access.
func (d *Device) Reset() error {
	_, err := d.Strobe(strobeReset)
	return err
}

// Strobe sends a single command strobe and returns the chip status byte.
func (d *Device) Strobe(b byte) (byte, error) {
	d.cs(true)
	defer d.cs(false)
	return d.bus.Transfer(b)
}

// EnterRX moves the radio into receive mode.
func (d *Device) EnterRX() error {
	_, err := d.Strobe(strobeRX)
	return err
}

// EnterIdle parks the radio and flushes the RX FIFO.
func (d *Device) EnterIdle() error {
	if _, err := d.Strobe(strobeIdle); err != nil {
		return err
	}
	_, err := d.Strobe(strobeFlush)
	return err
}

// Version probes the chip. Silicon revs read back non-zero; 0x00 or
// 0xFF means a floating bus, reported as ErrNotPresent.
func (d *Device) Version() (byte, error) {
	v, err := d.readStatusReg(regVersion)
	if err != nil {
		return 0, err
	}
	if v == 0x00 || v == 0xFF {
		return v, ErrNotPresent
	}
	return v, nil
}

// PartNumber reads the PARTNUM status register.
func (d *Device) PartNumber() (byte, error) {
	return d.readStatusReg(regPartnum)
}

// SetFrequency programs the carrier in Hz. The radio is parked in idle
// first; synthesiser words must not change while active.
func (d *Device) SetFrequency(hz uint32) error {
	if hz < freqMin || hz > freqMax {
		return ErrBadFrequency
	}
	if _, err := d.Strobe(strobeIdle); err != nil {
		return err
	}
	word := uint32(uint64(hz) << 16 / fxosc)
	if err := d.writeReg(regFreq2, byte(word>>16)); err != nil {
		return err
	}
	if err := d.writeReg(regFreq1, byte(word>>8)); err != nil {
		return err
	}
	return d.writeReg(regFreq0, byte(word))
}

// Frequency reads back the programmed carrier in Hz.
func (d *Device) Frequency() (uint32, error) {
	f2, err := d.readReg(regFreq2)
	if err != nil {
		return 0, err
	}
	f1, err := d.readReg(regFreq1)
	if err != nil {
		return 0, err
	}
	f0, err := d.readReg(regFreq0)
	if err != nil {
		return 0, err
	}
	word := uint32(f2)<<16 | uint32(f1)<<8 | uint32(f0)
	return uint32(uint64(word) * fxosc >> 16), nil
}

// RSSI returns the current received signal strength in dBm.
func (d *Device) RSSI() (int16, error) {
	raw, err := d.readStatusReg(regRSSI)
	if err != nil {
		return 0, err
	}
	// Two's-complement half-dB steps with a 74dB offset, per datasheet.
	v := int16(raw)
	if v >= 128 {
		v -= 256
	}
	return v/2 - 74, nil
}

// ReadFIFO drains up to len(dst) pending bytes from the RX FIFO and
// returns how many were read.
func (d *Device) ReadFIFO(dst []byte) (int, error) {
	pending, err := d.readStatusReg(regRXBytes)
	if err != nil {
		return 0, err
	}
	n := int(pending & 0x7F) // bit 7 is the overflow flag
	if n == 0 {
		return 0, nil
	}
	if n > len(dst) {
		n = len(dst)
	}

	d.cs(true)
	defer d.cs(false)
	w := make([]byte, n+1)
	r := make([]byte, n+1)
	w[0] = regFIFO | flagRead | flagBurst
	if err := d.bus.Tx(w, r); err != nil {
		return 0, err
	}
	copy(dst, r[1:])
	return n, nil
}

func (d *Device) writeReg(addr, val byte) error {
	d.cs(true)
	defer d.cs(false)
	return d.bus.Tx([]byte{addr, val}, nil)
}

func (d *Device) readReg(addr byte) (byte, error) {
	return d.read(addr | flagRead)
}

func (d *Device) readStatusReg(addr byte) (byte, error) {
	return d.read(addr | flagStatusReg)
}

func (d *Device) read(hdr byte) (byte, error) {
	d.cs(true)
	defer d.cs(false)
	w := []byte{hdr, 0x00}
	r := []byte{0x00, 0x00}
	if err := d.bus.Tx(w, r); err != nil {
		return 0, err
	}
	return r[1], nil
}
