// framing/cobs.go
package framing

import "chimera-node/errcode"

// Delimiter is the reserved byte that terminates every wire unit.
// Encode guarantees the output never contains it.
const Delimiter byte = 0x00

// maxRun is the longest run a single count byte can describe (count 0xFF).
const maxRun = 254

// Encode byte-stuffs p so it contains no Delimiter. Each run of
// non-delimiter bytes is prefixed by a count equal to run length + 1;
// a run is closed by a delimiter in p or by reaching maxRun bytes.
// An empty payload encodes to [0x01]. Worst-case overhead is one byte
// per 254 payload bytes.
func Encode(p []byte) []byte {
	out := make([]byte, 1, len(p)+1+len(p)/maxRun)
	codeIdx := 0
	code := byte(1)
	for _, b := range p {
		if b == Delimiter {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

// Decode is the exact inverse of Encode on well-formed input. A zero
// count byte or a count that overruns the input stops decoding and
// reports a framing error; nothing reconstructed so far is returned.
func Decode(enc []byte) ([]byte, error) {
	if len(enc) == 0 {
		return nil, &errcode.E{C: errcode.FramingError, Op: "cobs.decode", Msg: "empty unit"}
	}
	out := make([]byte, 0, len(enc))
	i := 0
	for i < len(enc) {
		code := enc[i]
		if code == 0 {
			return nil, &errcode.E{C: errcode.FramingError, Op: "cobs.decode", Msg: "zero count byte"}
		}
		i++
		n := int(code) - 1
		if i+n > len(enc) {
			return nil, &errcode.E{C: errcode.FramingError, Op: "cobs.decode", Msg: "truncated run"}
		}
		out = append(out, enc[i:i+n]...)
		i += n
		// A 0xFF count means the run was cut by the max-length rule,
		// not by a real delimiter; and no delimiter belongs at the
		// logical end of the message.
		if code != 0xFF && i < len(enc) {
			out = append(out, Delimiter)
		}
	}
	return out, nil
}
