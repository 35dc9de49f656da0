// framing/stream.go
package framing

import "chimera-node/errcode"

// DefaultMaxUnit bounds the accumulation buffer between delimiters.
const DefaultMaxUnit = 16384

// StreamConfig configures a Stream. Zero values take defaults.
type StreamConfig struct {
	MaxUnit int // accumulation cap in bytes (default DefaultMaxUnit)

	// OnFrame receives each completed frame. Required.
	OnFrame func(Frame)
	// OnError receives recoverable framing/overflow errors. Optional.
	OnError func(error)
}

// Stream accumulates raw wire chunks and emits complete frames. It owns
// its buffer exclusively and is intended to be fed from a single reader
// goroutine; it is not safe for concurrent Feed calls.
type Stream struct {
	max     int
	onFrame func(Frame)
	onError func(error)

	buf  []byte
	skip bool // discarding the tail of an overflowed unit

	framesDecoded  uint64
	bytesProcessed uint64
	overflowCount  uint64
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.MaxUnit <= 0 {
		cfg.MaxUnit = DefaultMaxUnit
	}
	if cfg.OnFrame == nil {
		panic("framing: StreamConfig.OnFrame is required")
	}
	s := &Stream{
		max:     cfg.MaxUnit,
		onFrame: cfg.OnFrame,
		onError: cfg.OnError,
	}
	s.buf = make([]byte, 0, min(cfg.MaxUnit, 512))
	return s
}

// Feed consumes one raw chunk from the wire. Complete units are decoded
// and emitted; malformed units and overflows are reported through
// OnError and never stop the stream.
func (s *Stream) Feed(chunk []byte) {
	s.bytesProcessed += uint64(len(chunk))
	for _, b := range chunk {
		if b == Delimiter {
			s.endUnit()
			continue
		}
		if s.skip {
			continue
		}
		if len(s.buf) >= s.max {
			// Discard the whole unit: a partial frame must never
			// survive an overflow. Resynchronise at the next delimiter.
			s.buf = s.buf[:0]
			s.skip = true
			s.overflowCount++
			s.reportErr(&errcode.E{C: errcode.BufferOverflow, Op: "stream.feed", Msg: "unit exceeds max size"})
			continue
		}
		s.buf = append(s.buf, b)
	}
}

func (s *Stream) endUnit() {
	if s.skip {
		s.skip = false
		s.buf = s.buf[:0]
		return
	}
	if len(s.buf) == 0 {
		// Back-to-back delimiters are idle padding, not an error.
		return
	}
	f, err := Unmarshal(s.buf)
	s.buf = s.buf[:0]
	if err != nil {
		s.reportErr(err)
		return
	}
	s.framesDecoded++
	s.onFrame(f)
}

// Reset clears accumulated state, for reuse after a transport reconnect.
// Counters are preserved.
func (s *Stream) Reset() {
	s.buf = s.buf[:0]
	s.skip = false
}

func (s *Stream) reportErr(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Stream) FramesDecoded() uint64  { return s.framesDecoded }
func (s *Stream) BytesProcessed() uint64 { return s.bytesProcessed }
func (s *Stream) OverflowCount() uint64  { return s.overflowCount }
