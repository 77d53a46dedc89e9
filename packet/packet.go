// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding the binary
// messages exchanged by endpoints.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates the encoding of a message. The zero value is ready for
// use as an empty builder.
type Builder struct {
	buf []byte
}

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// Bool appends a single byte 1 (for true) or 0 (for false) to b.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Uint64 appends v to b in big-endian order.
func (b *Builder) Uint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

// Vint30 appends a [Vint30] value to b.
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// VPut appends a length-prefixed string to b. The length is encoded as a [Vint30].
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// VPutString appends a length-prefixed string to b, as VPut does.
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains
// ownership of the slice, which the caller must not modify.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow ensures that at least n more bytes can be added to b without another
// allocation.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads encoded values from the contents of a message. The methods
// of a scanner report [io.EOF] when no further input is available, and
// [io.ErrUnexpectedEOF] for an incomplete value.
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a [Scanner] that consumes data from input. The
// scanner retains slices of input, which must not be modified while the
// scanner is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	out := s.rest[0]
	s.advance(1)
	return out, nil
}

// Uint64 scans a big-endian uint64 value from the head of the input.
func (s *Scanner) Uint64() (uint64, error) {
	if len(s.rest) < 8 {
		return 0, fmt.Errorf("value truncated (%d < 8 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint64(s.rest)
	s.advance(8)
	return out, nil
}

// Vint30 scans a single [Vint30] value from the head of the input.
func (s *Scanner) Vint30() (int, error) {
	nb, v := ParseVint30(s.rest)
	if nb < 0 {
		if len(s.rest) == 0 {
			return 0, io.EOF
		}
		return 0, io.ErrUnexpectedEOF
	}
	s.advance(nb)
	return int(v), nil
}

func (s *Scanner) advance(n int) { s.offset += n; s.rest = s.rest[n:] }

// Len reports the number of unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns the unconsumed input of s. The caller must not modify the
// contents of the slice.
func (s *Scanner) Rest() []byte { return s.rest }

// VGet scans a single length-prefixed string from the head of s. The length
// must be encoded as a [Vint30]. A slice result aliases the input.
func VGet[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	nb, err := s.Vint30()
	if err != nil {
		return out, err
	}
	return Get[Str](s, nb)
}

// Get scans a string of exactly n bytes from the head of s. A slice result
// aliases the input.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if len(s.rest) < n {
		return Str(s.rest), fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := Str(s.rest[:n])
	s.advance(n)
	return out, nil
}

// VLen reports the size in bytes of a length-prefixed encoding of an n-byte
// string, where the length is encoded as a [Vint30].
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer that uses a variable-width encoding
// from 1 to 4 bytes.
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 ≤ v < 16384 are encoded as 2 bytes.
//   - Values 16384 ≤ v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 ≤ v < 1073741824 are encoded as 4 bytes.
//
// Values v ≥ 1073741824 cannot be represented by a Vint30.
//
// The value is shifted left two bits and stored in little-endian order, with
// the number of bytes after the first in the low-order 2 bits. The decoder
// can therefore find the length of the encoding from its first byte.
type Vint30 uint32

// MaxVint30 is the maximum value that can be encoded by a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes required to encode v, or -1 if v is too
// large to be encoded.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoded value of v to buf, and returns the updated slice.
// It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	s := v.Size()
	if s < 0 {
		panic("value out of range")
	}
	w := uint32(v)<<2 | uint32(s-1)
	for range s {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}

// ParseVint30 decodes a [Vint30] from the head of buf, and reports the number
// of bytes it occupies. If buf does not begin with a complete encoding,
// ParseVint30 returns -1.
func ParseVint30(buf []byte) (int, Vint30) {
	if len(buf) == 0 {
		return -1, 0
	}
	nb := int(buf[0]&3) + 1
	if len(buf) < nb {
		return -1, 0
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = w<<8 | uint32(buf[i])
	}
	return nb, Vint30(w >> 2)
}

// ReadVint30 reads a single [Vint30] from r.
func ReadVint30(r io.ByteReader) (Vint30, error) {
	var tmp [4]byte
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	tmp[0] = b
	nb := int(b&3) + 1
	for i := 1; i < nb; i++ {
		tmp[i], err = r.ReadByte()
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		} else if err != nil {
			return 0, err
		}
	}
	_, v := ParseVint30(tmp[:nb])
	return v, nil
}
