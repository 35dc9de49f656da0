// types/types.go
package types

// -----------------------------------------------------------------------------
// Task identities
// -----------------------------------------------------------------------------

// TaskID names one of the three hardware-facing execution contexts.
// Priorities are static: RF > NFC > UI. They drive bus arbitration
// tie-breaks and queue sizing, not OS scheduling.
type TaskID uint8

const (
	TaskRF TaskID = iota
	TaskNFC
	TaskUI
)

func (t TaskID) String() string {
	switch t {
	case TaskRF:
		return "rf"
	case TaskNFC:
		return "nfc"
	case TaskUI:
		return "ui"
	default:
		return "unknown"
	}
}

// Priority returns the static priority; higher wins arbitration.
func (t TaskID) Priority() int {
	switch t {
	case TaskRF:
		return 3
	case TaskNFC:
		return 2
	case TaskUI:
		return 1
	default:
		return 0
	}
}

func (t TaskID) MarshalJSON() ([]byte, error) { return []byte(`"` + t.String() + `"`), nil }

// -----------------------------------------------------------------------------
// Physical buses
// -----------------------------------------------------------------------------

// BusID names a physical bus under arbitration. SPI is shared by the
// sub-GHz radio and the display; I2C is dedicated to the NFC reader.
type BusID uint8

const (
	BusSPI BusID = iota
	BusI2C
)

func (b BusID) String() string {
	switch b {
	case BusSPI:
		return "spi"
	case BusI2C:
		return "i2c"
	default:
		return "unknown"
	}
}

// Order is the fixed global acquisition order: a task holding a
// higher-ordered bus must never wait on a lower-ordered one.
func (b BusID) Order() int { return int(b) }

func (b BusID) MarshalJSON() ([]byte, error) { return []byte(`"` + b.String() + `"`), nil }

// -----------------------------------------------------------------------------
// Radio mode
// -----------------------------------------------------------------------------

// RadioMode is the exclusive operating configuration of the Wi-Fi radio.
// Exactly one mode is active at any instant, system-wide.
type RadioMode uint8

const (
	ModeOff RadioMode = iota
	ModeStation
	ModePromiscuous
)

func (m RadioMode) String() string {
	switch m {
	case ModeStation:
		return "station"
	case ModePromiscuous:
		return "promiscuous"
	default:
		return "off"
	}
}

func (m RadioMode) MarshalJSON() ([]byte, error) { return []byte(`"` + m.String() + `"`), nil }
