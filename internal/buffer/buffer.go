// Package buffer implements a small growable byte buffer with the
// big-endian helpers the AMQP 1.0 codec needs on both the read and
// write side.
package buffer

import (
	"encoding/binary"
	"errors"
)

// Buffer is a growable byte buffer that supports both appending
// (encoding) and sequential consumption (decoding) from the same
// backing slice.
type Buffer struct {
	b   []byte
	off int // read offset
}

// New returns a Buffer that wraps b for reading. Writes append past
// the end of b.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Reset clears the buffer for reuse, keeping the underlying storage.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Size returns the total number of bytes written, ignoring the read offset.
func (b *Buffer) Size() int {
	return len(b.b)
}

// Bytes returns the unread portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Detach returns the full backing slice (including already-read bytes)
// and resets the buffer. Used when handing an encoded frame to the
// transport without a copy.
func (b *Buffer) Detach() []byte {
	out := b.b
	b.b = nil
	b.off = 0
	return out
}

// Skip advances the read offset by n bytes.
func (b *Buffer) Skip(n int) {
	b.off += n
}

// Next returns the next n unread bytes without copying, and advances
// the read offset. ok is false if fewer than n bytes remain.
func (b *Buffer) Next(n int) (buf []byte, ok bool) {
	if n < 0 || b.Len() < n {
		return nil, false
	}
	buf = b.b[b.off : b.off+n]
	b.off += n
	return buf, true
}

// Peek returns the next n unread bytes without advancing the read offset.
func (b *Buffer) Peek(n int) ([]byte, bool) {
	if b.Len() < n {
		return nil, false
	}
	return b.b[b.off : b.off+n], true
}

// ReadByte implements io.ByteReader.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, errors.New("buffer: unexpected EOF")
	}
	c := b.b[b.off]
	b.off++
	return c, nil
}

// Write appends p to the buffer. It always returns len(p), nil and
// satisfies io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

// WriteString appends s to the buffer.
func (b *Buffer) WriteString(s string) {
	b.b = append(b.b, s...)
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.b = append(b.b, c)
	return nil
}

// WriteUint16 appends v in big-endian order.
func (b *Buffer) WriteUint16(v uint16) {
	b.b = append(b.b, byte(v>>8), byte(v))
}

// WriteUint32 appends v in big-endian order.
func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// WriteUint64 appends v in big-endian order.
func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}
