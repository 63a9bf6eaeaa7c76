// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package frame

import (
	"encoding/binary"
	"errors"
)

// ErrShortArgs is returned when method arguments end early
var ErrShortArgs = errors.New("frame: method arguments too short")

// Args decodes method arguments
type Args struct {
	buf  []byte
	err  error
	bits byte
	nbit uint
}

// NewArgs returns a decoder for encoded method arguments
func NewArgs(buf []byte) *Args {
	return &Args{buf: buf}
}

// Err returns the first decoding error
func (a *Args) Err() error {
	return a.err
}

func (a *Args) take(n int) []byte {
	a.nbit = 0
	if a.err != nil {
		return nil
	}
	if len(a.buf) < n {
		a.err = ErrShortArgs
		return nil
	}
	b := a.buf[:n]
	a.buf = a.buf[n:]
	return b
}

// Octet reads a single byte
func (a *Args) Octet() uint8 {
	if b := a.take(1); b != nil {
		return b[0]
	}
	return 0
}

// Short reads a 16 bit integer
func (a *Args) Short() uint16 {
	if b := a.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

// Long reads a 32 bit integer
func (a *Args) Long() uint32 {
	if b := a.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// ShortString reads a string with an 8 bit length prefix
func (a *Args) ShortString() string {
	n := int(a.Octet())
	return string(a.take(n))
}

// LongString reads a string with a 32 bit length prefix
func (a *Args) LongString() []byte {
	n := int(a.Long())
	return a.take(n)
}

// Table reads a field table and returns it still encoded
func (a *Args) Table() []byte {
	return a.LongString()
}

// Bit reads the next bit of a packed bit field
func (a *Args) Bit() bool {
	if a.nbit == 0 || a.nbit == 8 {
		a.bits = a.Octet()
		a.nbit = 0
	}
	v := a.bits&(1<<a.nbit) != 0
	a.nbit++
	return v
}

// Builder encodes method arguments
type Builder struct {
	buf  []byte
	nbit uint
}

// NewBuilder returns a new Builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Bytes returns the encoded arguments
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Octet writes a single byte
func (b *Builder) Octet(v uint8) *Builder {
	b.nbit = 0
	b.buf = append(b.buf, v)
	return b
}

// Short writes a 16 bit integer
func (b *Builder) Short(v uint16) *Builder {
	b.nbit = 0
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

// Long writes a 32 bit integer
func (b *Builder) Long(v uint32) *Builder {
	b.nbit = 0
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

// ShortString writes a string with an 8 bit length prefix. Longer strings are truncated.
func (b *Builder) ShortString(s string) *Builder {
	if len(s) > 255 {
		s = s[:255]
	}
	b.Octet(uint8(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// LongString writes bytes with a 32 bit length prefix
func (b *Builder) LongString(s []byte) *Builder {
	b.Long(uint32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// Table writes an already encoded field table; nil writes an empty table
func (b *Builder) Table(encoded []byte) *Builder {
	return b.LongString(encoded)
}

// Bit appends a bit to the current packed bit field
func (b *Builder) Bit(v bool) *Builder {
	if b.nbit == 0 || b.nbit == 8 {
		b.buf = append(b.buf, 0)
		b.nbit = 0
	}
	if v {
		b.buf[len(b.buf)-1] |= 1 << b.nbit
	}
	b.nbit++
	return b
}
