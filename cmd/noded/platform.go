// cmd/noded/platform.go
//
// Default platform seams. Hardware ports swap these for real SPI/I2C
// buses, a Wi-Fi frontend, and a display; the defaults let the binary
// run on a development host with the radio paths reporting not-wired.
package main

import (
	"context"
	"errors"
	"time"

	"tinygo.org/x/drivers"

	"chimera-node/critical"
	"chimera-node/radiomode"
	"chimera-node/services/ble"
	"chimera-node/services/command"
	"chimera-node/services/radio"
	"chimera-node/types"
	"chimera-node/x/evring"
)

var errNotWired = errors.New("platform bus not wired")

func platformSPI() drivers.SPI         { return nullSPI{} }
func platformI2C() drivers.I2C         { return nullI2C{} }
func platformDisplay() command.Display { return nil }

func platformFrontend() radio.Frontend { return &nullFrontend{} }
func platformBLE() ble.Scanner         { return nullBLE{} }

// platformInputs is where a hardware port registers its GPIO edge
// handlers: the button IRQ pushes edges into ring and, on the panic
// combination, calls armer.TriggerFromISR(command.PanicCombo). The
// development host has no buttons, so the default wires nothing.
func platformInputs(armer *critical.Armer, ring *evring.Ring) {
	_ = armer
	_ = ring
}

type nullSPI struct{}

func (nullSPI) Tx(_, _ []byte) error        { return errNotWired }
func (nullSPI) Transfer(byte) (byte, error) { return 0, errNotWired }

type nullI2C struct{}

func (nullI2C) Tx(uint16, []byte, []byte) error { return errNotWired }

// nullBLE hears nothing.
type nullBLE struct{}

func (nullBLE) Scan(context.Context, time.Duration) ([]types.BLEDevice, error) {
	return nil, nil
}

// nullFrontend accepts mode changes but has no air interface.
type nullFrontend struct {
	events chan radio.CaptureEvent
}

func (f *nullFrontend) Enter(context.Context, types.RadioMode) error { return nil }
func (f *nullFrontend) Leave(context.Context, types.RadioMode) error { return nil }
func (f *nullFrontend) Scan(context.Context) ([]types.APInfo, error) { return nil, nil }
func (f *nullFrontend) SetChannel(int) error                         { return nil }
func (f *nullFrontend) ReadRSSI() (int8, error)                      { return -127, nil }

func (f *nullFrontend) Capture() <-chan radio.CaptureEvent {
	if f.events == nil {
		f.events = make(chan radio.CaptureEvent)
	}
	return f.events
}

var _ radiomode.Driver = (*nullFrontend)(nil)
