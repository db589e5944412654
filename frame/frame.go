// Package frame implements the length-prefixed word framing used by the
// RouterOS binary API sentence protocol.
//
// A word is a UTF-8 byte string preceded by a variable-width big-endian
// length prefix. The prefix width is chosen as the narrowest of five
// encodings that can represent the payload length, exactly as described by
// the vendor's API reference:
//
//	width 1: length <  1<<7,  marker 0xxxxxxx
//	width 2: length <  1<<14, marker 10xxxxxx
//	width 3: length <  1<<21, marker 110xxxxx
//	width 4: length <  1<<28, marker 1110xxxx
//	width 5: length <  1<<32, marker 11110000 followed by 4 raw length bytes
//
// A leading byte whose top five bits are all set (11111xxx) is not a valid
// marker and is reported as a framing error.
package frame

import "fmt"

// ErrBadPrefix is returned by Decode when the leading byte of a length
// prefix cannot be interpreted under any of the five widths.
var ErrBadPrefix = fmt.Errorf("frame: invalid length prefix")

// MaxWordLen is the largest payload length the codec can represent.
const MaxWordLen = 1<<32 - 1

// Encode appends the length-prefixed encoding of word to buf and returns the
// updated slice.
func Encode(buf, word []byte) []byte {
	n := len(word)
	switch {
	case n < 1<<7:
		buf = append(buf, byte(n))
	case n < 1<<14:
		v := uint32(n) | 0x8000
		buf = append(buf, byte(v>>8), byte(v))
	case n < 1<<21:
		v := uint32(n) | 0xC00000
		buf = append(buf, byte(v>>16), byte(v>>8), byte(v))
	case n < 1<<28:
		v := uint32(n) | 0xE0000000
		buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		buf = append(buf, 0xF0, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return append(buf, word...)
}

// Width reports the number of bytes the length prefix will occupy for a word
// of n bytes, or -1 if n cannot be represented.
func Width(n int) int {
	switch {
	case n < 0 || n > MaxWordLen:
		return -1
	case n < 1<<7:
		return 1
	case n < 1<<14:
		return 2
	case n < 1<<21:
		return 3
	case n < 1<<28:
		return 4
	default:
		return 5
	}
}

// DecodeLength parses a length prefix from the head of buf. It returns the
// decoded length and the width of the prefix in bytes. If buf does not yet
// contain a complete prefix, width is 0 and err is nil: the caller should
// wait for more bytes. A malformed leading byte is reported via err.
func DecodeLength(buf []byte) (length, width int, err error) {
	if len(buf) == 0 {
		return 0, 0, nil
	}
	b0 := buf[0]
	switch {
	case b0&0x80 == 0x00: // 0xxxxxxx
		return int(b0), 1, nil
	case b0&0xC0 == 0x80: // 10xxxxxx
		if len(buf) < 2 {
			return 0, 0, nil
		}
		return int(b0&0x3F)<<8 | int(buf[1]), 2, nil
	case b0&0xE0 == 0xC0: // 110xxxxx
		if len(buf) < 3 {
			return 0, 0, nil
		}
		return int(b0&0x1F)<<16 | int(buf[1])<<8 | int(buf[2]), 3, nil
	case b0&0xF0 == 0xE0: // 1110xxxx
		if len(buf) < 4 {
			return 0, 0, nil
		}
		return int(b0&0x0F)<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3]), 4, nil
	case b0 == 0xF0: // 11110000 + 32-bit BE
		if len(buf) < 5 {
			return 0, 0, nil
		}
		n := int(buf[1])<<24 | int(buf[2])<<16 | int(buf[3])<<8 | int(buf[4])
		return n, 5, nil
	default: // 11111xxx and anything else under the 0xF0 marker
		return 0, 0, ErrBadPrefix
	}
}

// Decode parses a single length-prefixed word from the head of buf. It
// returns the decoded word (a slice into buf), the total number of bytes
// consumed (prefix plus payload), and ok == true on success. If buf does not
// yet hold a complete word, ok is false and err is nil — the caller should
// feed more bytes and retry. A malformed prefix is reported via err.
func Decode(buf []byte) (word []byte, consumed int, ok bool, err error) {
	length, width, err := DecodeLength(buf)
	if err != nil {
		return nil, 0, false, err
	}
	if width == 0 {
		return nil, 0, false, nil // need more bytes for the prefix itself
	}
	total := width + length
	if len(buf) < total {
		return nil, 0, false, nil // need more bytes for the payload
	}
	return buf[width:total], total, true, nil
}

// A Decoder accumulates inbound bytes and yields decoded words as enough
// data becomes available. It is the resumable counterpart of Decode, used by
// transports that receive data in arbitrary chunks. A zero Decoder is ready
// for use.
type Decoder struct {
	buf []byte
}

// Feed appends p to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) { d.buf = append(d.buf, p...) }

// Next extracts the next complete word from the buffered input, if any. It
// returns ok == false when more bytes are needed, and a non-nil err only for
// a malformed length prefix (a protocol-fatal condition).
func (d *Decoder) Next() (word []byte, ok bool, err error) {
	w, n, ok, err := Decode(d.buf)
	if err != nil || !ok {
		return nil, false, err
	}
	// Copy out, since buf is about to be rewritten.
	out := make([]byte, len(w))
	copy(out, w)
	d.buf = append(d.buf[:0], d.buf[n:]...)
	return out, true, nil
}

// Buffered reports the number of bytes currently held by the decoder that
// have not yet been resolved into a complete word.
func (d *Decoder) Buffered() int { return len(d.buf) }
