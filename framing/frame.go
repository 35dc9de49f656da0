// framing/frame.go
package framing

import "chimera-node/errcode"

// Type is the one-byte tag carried as the first decoded byte of a unit.
type Type byte

// Recognised frame types on the node <-> host link.
const (
	TypeCommand   Type = 0x01 // textual command / JSON payload
	TypeSpectrum  Type = 0x02 // spectrum / RSSI sample block
	TypeCapture   Type = 0x03 // raw captured frame
	TypeHandshake Type = 0x04 // handshake / key-exchange field set
	TypeCSI       Type = 0x05 // channel-state-information block
	TypeStatus    Type = 0x06 // status / log message
	TypeHeartbeat Type = 0x07 // heartbeat / liveness
)

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeSpectrum:
		return "spectrum"
	case TypeCapture:
		return "capture"
	case TypeHandshake:
		return "handshake"
	case TypeCSI:
		return "csi"
	case TypeStatus:
		return "status"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Frame is one typed message unit. It is built by the sender, serialised
// immediately and never mutated after send; the receive side constructs
// one per completed wire unit and hands it to exactly one consumer.
type Frame struct {
	Type    Type
	Payload []byte
}

// Marshal produces the wire form: the type byte and payload are stuffed
// together into one delimiter-free unit, then terminated by Delimiter.
func (f Frame) Marshal() []byte {
	raw := make([]byte, 0, len(f.Payload)+1)
	raw = append(raw, byte(f.Type))
	raw = append(raw, f.Payload...)
	enc := Encode(raw)
	return append(enc, Delimiter)
}

// Unmarshal decodes one delimiter-stripped wire unit back into a Frame.
func Unmarshal(unit []byte) (Frame, error) {
	raw, err := Decode(unit)
	if err != nil {
		return Frame{}, err
	}
	if len(raw) == 0 {
		return Frame{}, &errcode.E{C: errcode.FramingError, Op: "frame.unmarshal", Msg: "unit missing type byte"}
	}
	return Frame{Type: Type(raw[0]), Payload: raw[1:]}, nil
}
