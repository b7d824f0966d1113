// Package wire implements the length-prefixed little-endian serialization
// used by heartbeat datagrams.
//
// All primitives occupy 4 bytes: bools are 0 or 1, shorts are zero-extended.
// Strings are a 4-byte length followed by the bytes, zero-padded to the next
// 4-byte boundary. Composite records serialize by concatenation in
// field-declaration order and expose PackedSize, Pack and Unpack; PackedSize
// must be computed before allocating the output buffer.
package wire

import (
	"encoding/binary"
	"errors"
)

// Alignment is the boundary every field is padded to.
const Alignment = 4

var (
	// ErrTruncated is returned when the buffer ends before a complete field.
	ErrTruncated = errors.New("wire: truncated buffer")

	// ErrBadBool is returned when a serialized bool is neither 0 nor 1.
	ErrBadBool = errors.New("wire: invalid bool value")
)

// Packable is a record that can be serialized by a Packer.
type Packable interface {
	PackedSize(offset int) int
	Pack(p *Packer)
}

// Unpackable is a record that can be deserialized by an Unpacker.
type Unpackable interface {
	Unpack(u *Unpacker) error
}

// SizeBool returns the serialized size of a bool starting at offset.
func SizeBool(offset int) int {
	return align(offset) - offset + Alignment
}

// SizeInt returns the serialized size of a 32-bit integer starting at offset.
func SizeInt(offset int) int {
	return align(offset) - offset + Alignment
}

// SizeShort returns the serialized size of a 16-bit integer starting at
// offset. Shorts travel zero-extended to 32 bits.
func SizeShort(offset int) int {
	return align(offset) - offset + Alignment
}

// SizeString returns the serialized size of s starting at offset, including
// the length prefix and tail padding.
func SizeString(s string, offset int) int {
	return align(offset) - offset + Alignment + align(len(s))
}

func align(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Packer writes fields into a fixed-size buffer. The buffer must be sized
// up-front from the record's PackedSize; overflowing it is a programming
// error and panics.
type Packer struct {
	buf []byte
	off int
}

// NewPacker returns a Packer over a new buffer of the given size.
func NewPacker(size int) *Packer {
	return &Packer{buf: make([]byte, size)}
}

// Bytes returns the packed buffer.
func (p *Packer) Bytes() []byte {
	return p.buf
}

func (p *Packer) pad() {
	p.off = align(p.off)
}

func (p *Packer) put32(v uint32) {
	p.pad()
	binary.LittleEndian.PutUint32(p.buf[p.off:], v)
	p.off += 4
}

// PackBool writes v as a 32-bit 0 or 1.
func (p *Packer) PackBool(v bool) {
	if v {
		p.put32(1)
	} else {
		p.put32(0)
	}
}

// PackInt writes a 32-bit integer.
func (p *Packer) PackInt(v int32) {
	p.put32(uint32(v))
}

// PackShort writes a 16-bit integer zero-extended to 32 bits.
func (p *Packer) PackShort(v uint16) {
	p.put32(uint32(v))
}

// PackString writes the length prefix, the bytes, and the tail padding.
func (p *Packer) PackString(s string) {
	p.put32(uint32(len(s)))
	copy(p.buf[p.off:], s)
	p.off += len(s)
	for p.off%Alignment != 0 {
		p.buf[p.off] = 0
		p.off++
	}
}

// Unpacker reads fields from a received buffer, never past its end.
type Unpacker struct {
	buf []byte
	off int
}

// NewUnpacker returns an Unpacker over b.
func NewUnpacker(b []byte) *Unpacker {
	return &Unpacker{buf: b}
}

func (u *Unpacker) get32() (uint32, error) {
	off := align(u.off)
	if off+4 > len(u.buf) {
		return 0, ErrTruncated
	}
	u.off = off + 4
	return binary.LittleEndian.Uint32(u.buf[off:]), nil
}

// Bool reads a 32-bit bool.
func (u *Unpacker) Bool() (bool, error) {
	v, err := u.get32()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, ErrBadBool
	}
	return v == 1, nil
}

// Int reads a 32-bit integer.
func (u *Unpacker) Int() (int32, error) {
	v, err := u.get32()
	return int32(v), err
}

// Short reads a 16-bit integer from its 32-bit encoding.
func (u *Unpacker) Short() (uint16, error) {
	v, err := u.get32()
	return uint16(v), err
}

// String reads a length-prefixed string and skips its tail padding.
func (u *Unpacker) String() (string, error) {
	n, err := u.get32()
	if err != nil {
		return "", err
	}
	if int(n) < 0 || u.off+align(int(n)) > len(u.buf) {
		return "", ErrTruncated
	}
	s := string(u.buf[u.off : u.off+int(n)])
	u.off += align(int(n))
	return s, nil
}
