// drivers/pn532/pn532_test.go
package pn532

import (
	"bytes"
	"testing"
	"time"
)

// fakeI2C scripts the chip side: writes are recorded, single-byte
// reads serve the ready bit, longer reads pop queued frames.
type fakeI2C struct {
	writes        [][]byte
	queue         [][]byte // frames served on multi-byte reads
	notReadyPolls int
}

func (f *fakeI2C) Tx(_ uint16, w, r []byte) error {
	if len(w) > 0 {
		f.writes = append(f.writes, append([]byte(nil), w...))
		return nil
	}
	if len(r) == 1 {
		if f.notReadyPolls > 0 {
			f.notReadyPolls--
			r[0] = 0x00
		} else {
			r[0] = 0x01
		}
		return nil
	}
	r[0] = 0x01
	if len(f.queue) > 0 {
		copy(r[1:], f.queue[0])
		f.queue = f.queue[1:]
	}
	return nil
}

// respFrame builds a well-formed chip-to-host information frame.
func respFrame(cmd byte, data []byte) []byte {
	body := append([]byte{chipToHost, cmd + 1}, data...)
	dlen := byte(len(body))
	f := []byte{0x00, startCode1, startCode2, dlen, ^dlen + 1}
	f = append(f, body...)
	var sum byte
	for _, b := range body {
		sum += b
	}
	return append(f, ^sum+1, 0x00)
}

func newTestDevice() (*Device, *fakeI2C) {
	bus := &fakeI2C{}
	d := New(bus)
	d.Configure(Config{PollInterval: time.Microsecond, Timeout: 50 * time.Millisecond})
	return d, bus
}

func (f *fakeI2C) script(cmd byte, data []byte) {
	f.queue = append(f.queue, append([]byte(nil), ackFrame...), respFrame(cmd, data))
}

func TestFirmwareVersion(t *testing.T) {
	d, bus := newTestDevice()
	bus.script(cmdGetFirmwareVersion, []byte{0x32, 0x01, 0x06, 0x07})

	v, err := d.FirmwareVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v.IC != 0x32 || v.Ver != 0x01 || v.Rev != 0x06 || v.Support != 0x07 {
		t.Fatalf("version = %+v", v)
	}
}

func TestCommandFrameShape(t *testing.T) {
	d, bus := newTestDevice()
	bus.script(cmdGetFirmwareVersion, []byte{0x32, 0x01, 0x06, 0x07})

	if _, err := d.FirmwareVersion(); err != nil {
		t.Fatal(err)
	}
	if len(bus.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(bus.writes))
	}
	w := bus.writes[0]
	// preamble + start code
	if w[0] != 0x00 || w[1] != startCode1 || w[2] != startCode2 {
		t.Fatalf("bad frame header: % x", w[:3])
	}
	// length checksum
	if w[3]+w[4] != 0 {
		t.Fatalf("LEN %#x + LCS %#x != 0", w[3], w[4])
	}
	if w[5] != hostToChip || w[6] != cmdGetFirmwareVersion {
		t.Fatalf("bad TFI/cmd: % x", w[5:7])
	}
	// data checksum over TFI..data
	dlen := int(w[3])
	var sum byte
	for _, b := range w[5 : 5+dlen] {
		sum += b
	}
	if sum+w[5+dlen] != 0 {
		t.Fatalf("data checksum mismatch in frame % x", w)
	}
	if w[len(w)-1] != 0x00 {
		t.Fatal("missing postamble")
	}
}

func TestSAMConfigure(t *testing.T) {
	d, bus := newTestDevice()
	bus.script(cmdSAMConfiguration, nil)

	if err := d.SAMConfigure(); err != nil {
		t.Fatal(err)
	}
	w := bus.writes[0]
	if !bytes.Equal(w[6:10], []byte{cmdSAMConfiguration, 0x01, 0x14, 0x01}) {
		t.Fatalf("SAM args = % x", w[6:10])
	}
}

func TestReadPassiveTargetFound(t *testing.T) {
	d, bus := newTestDevice()
	bus.script(cmdInListPassiveTarget, []byte{
		0x01,       // one target
		0x01,       // target number
		0x00, 0x04, // SENS_RES
		0x08,                   // SEL_RES
		0x04,                   // UID length
		0xDE, 0xAD, 0xBE, 0xEF, // UID
	})

	tgt, err := d.ReadPassiveTarget()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tgt.UID, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("UID = % x", tgt.UID)
	}
	if tgt.SENSRes != [2]byte{0x00, 0x04} || tgt.SELRes != 0x08 {
		t.Fatalf("target = %+v", tgt)
	}
}

func TestReadPassiveTargetEmptyField(t *testing.T) {
	d, bus := newTestDevice()
	bus.script(cmdInListPassiveTarget, []byte{0x00})

	if _, err := d.ReadPassiveTarget(); err != ErrNoTarget {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
}

func TestMalformedAck(t *testing.T) {
	d, bus := newTestDevice()
	bus.queue = append(bus.queue, []byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00}) // NACK shape

	if _, err := d.FirmwareVersion(); err != ErrAck {
		t.Fatalf("expected ErrAck, got %v", err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	d, bus := newTestDevice()
	bad := respFrame(cmdGetFirmwareVersion, []byte{0x32, 0x01, 0x06, 0x07})
	bad[len(bad)-2]++ // corrupt DCS
	bus.queue = append(bus.queue, append([]byte(nil), ackFrame...), bad)

	if _, err := d.FirmwareVersion(); err != ErrChecksum {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestReadyPollTimeout(t *testing.T) {
	bus := &fakeI2C{notReadyPolls: 1 << 30}
	d := New(bus)
	d.Configure(Config{PollInterval: time.Microsecond, Timeout: 5 * time.Millisecond})

	if _, err := d.FirmwareVersion(); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
