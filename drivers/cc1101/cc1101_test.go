// drivers/cc1101/cc1101_test.go
package cc1101

import (
	"testing"
)

// fakeSPI emulates the register interface of the chip. Reads are
// served from regs (keyed by the full header byte); config writes are
// mirrored so reads observe them.
type fakeSPI struct {
	regs    map[byte]byte
	fifo    []byte
	writes  [][2]byte
	strobes []byte
}

func newFakeSPI() *fakeSPI {
	return &fakeSPI{regs: map[byte]byte{}}
}

func (f *fakeSPI) Transfer(b byte) (byte, error) {
	f.strobes = append(f.strobes, b)
	return 0x0F, nil
}

func (f *fakeSPI) Tx(w, r []byte) error {
	hdr := w[0]
	switch {
	case hdr == regFIFO|flagRead|flagBurst:
		copy(r[1:], f.fifo)
	case hdr&flagRead != 0:
		r[1] = f.regs[hdr]
	default:
		f.writes = append(f.writes, [2]byte{w[0], w[1]})
		f.regs[w[0]|flagRead] = w[1] // visible to config-register reads
	}
	return nil
}

func (f *fakeSPI) lastStrobe() byte {
	if len(f.strobes) == 0 {
		return 0
	}
	return f.strobes[len(f.strobes)-1]
}

func TestResetStrobe(t *testing.T) {
	spi := newFakeSPI()
	d := New(spi)

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if spi.lastStrobe() != strobeReset {
		t.Fatalf("last strobe = %#x, want SRES", spi.lastStrobe())
	}
}

func TestVersionProbe(t *testing.T) {
	spi := newFakeSPI()
	d := New(spi)

	spi.regs[regVersion|flagStatusReg] = 0x14
	v, err := d.Version()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x14 {
		t.Fatalf("version = %#x, want 0x14", v)
	}

	spi.regs[regVersion|flagStatusReg] = 0x00
	if _, err := d.Version(); err != ErrNotPresent {
		t.Fatalf("expected ErrNotPresent for 0x00, got %v", err)
	}
	spi.regs[regVersion|flagStatusReg] = 0xFF
	if _, err := d.Version(); err != ErrNotPresent {
		t.Fatalf("expected ErrNotPresent for 0xFF, got %v", err)
	}
}

func TestSetFrequency(t *testing.T) {
	spi := newFakeSPI()
	d := New(spi)

	// 433.92 MHz with a 26 MHz crystal: the canonical 0x10 B0 71.
	if err := d.SetFrequency(433_920_000); err != nil {
		t.Fatal(err)
	}
	want := [][2]byte{
		{regFreq2, 0x10},
		{regFreq1, 0xB0},
		{regFreq0, 0x71},
	}
	if len(spi.writes) != len(want) {
		t.Fatalf("writes = %v, want %v", spi.writes, want)
	}
	for i := range want {
		if spi.writes[i] != want[i] {
			t.Fatalf("write %d = %v, want %v", i, spi.writes[i], want[i])
		}
	}
	// Synthesiser must be parked before reprogramming.
	if spi.strobes[0] != strobeIdle {
		t.Fatalf("first strobe = %#x, want SIDLE", spi.strobes[0])
	}
}

func TestFrequencyRoundTrip(t *testing.T) {
	spi := newFakeSPI()
	d := New(spi)

	const target = 868_300_000
	if err := d.SetFrequency(target); err != nil {
		t.Fatal(err)
	}
	got, err := d.Frequency()
	if err != nil {
		t.Fatal(err)
	}
	// Quantisation step is fxosc/2^16, just under 400 Hz.
	if diff := int64(got) - target; diff < -400 || diff > 400 {
		t.Fatalf("frequency round trip = %d, want %d +-400", got, target)
	}
}

func TestSetFrequencyOutOfRange(t *testing.T) {
	d := New(newFakeSPI())
	for _, hz := range []uint32{0, 100_000_000, 299_999_999, 928_000_001} {
		if err := d.SetFrequency(hz); err != ErrBadFrequency {
			t.Fatalf("SetFrequency(%d): expected ErrBadFrequency, got %v", hz, err)
		}
	}
}

func TestRSSIConversion(t *testing.T) {
	spi := newFakeSPI()
	d := New(spi)

	cases := map[byte]int16{
		0x50: -34,  // positive raw: 80/2 - 74
		0x80: -138, // negative raw: (128-256)/2 - 74
		0x00: -74,
	}
	for raw, want := range cases {
		spi.regs[regRSSI|flagStatusReg] = raw
		got, err := d.RSSI()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("RSSI(raw %#x) = %d, want %d", raw, got, want)
		}
	}
}

func TestReadFIFO(t *testing.T) {
	spi := newFakeSPI()
	d := New(spi)

	spi.regs[regRXBytes|flagStatusReg] = 5
	spi.fifo = []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}

	dst := make([]byte, 16)
	n, err := d.ReadFIFO(dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("ReadFIFO = %d bytes, want 5", n)
	}
	for i, want := range spi.fifo {
		if dst[i] != want {
			t.Fatalf("fifo byte %d = %#x, want %#x", i, dst[i], want)
		}
	}
}

func TestReadFIFOEmpty(t *testing.T) {
	spi := newFakeSPI()
	d := New(spi)

	n, err := d.ReadFIFO(make([]byte, 8))
	if err != nil || n != 0 {
		t.Fatalf("ReadFIFO on empty = (%d, %v), want (0, nil)", n, err)
	}
}

func TestChipSelectBracketsTransactions(t *testing.T) {
	spi := newFakeSPI()
	d := New(spi)

	var trace []bool
	d.Configure(Config{CS: func(active bool) { trace = append(trace, active) }})

	// Probe outcome is irrelevant here; only the CS bracketing matters.
	_, _ = d.Version()
	if len(trace) != 2 || !trace[0] || trace[1] {
		t.Fatalf("cs trace = %v, want [true false]", trace)
	}
}
