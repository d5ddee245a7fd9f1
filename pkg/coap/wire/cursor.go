// Package wire provides the bounded-buffer byte appender/dispenser that the
// CoAP and CBOR codecs build on. A Cursor never grows its backing array: it
// reports ErrBuf once the caller-supplied buffer is exhausted, the same way
// the teacher's CBOR codec treats its staging buffer as a hard limit rather
// than something to reallocate around.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrBuf is returned when a Cursor's backing buffer cannot hold the
// requested bytes.
var ErrBuf = errors.New("wire: buffer too small")

// ErrShort is returned when fewer bytes remain to read than were requested.
var ErrShort = errors.New("wire: not enough bytes")

// Cursor is a bounded cursor over a caller-owned byte slice. Appending moves
// a write cursor forward; reading (via Next/NextByte) moves a read cursor
// forward independently, so the same buffer can be filled once and then
// dispensed from repeatedly.
type Cursor struct {
	buf    []byte
	end    int // write cursor: number of valid bytes written
	rpos   int // read cursor
	cap    int
}

// NewCursor wraps buf. Appends write into buf starting at offset 0; the
// caller must size buf to the largest message it intends to build.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf, cap: len(buf)}
}

// Reset rewinds both the write and read cursors without discarding the
// backing array, so a Cursor can be reused across messages.
func (c *Cursor) Reset() {
	c.end = 0
	c.rpos = 0
}

// Len returns the number of bytes written so far.
func (c *Cursor) Len() int { return c.end }

// Cap returns the total capacity of the backing buffer.
func (c *Cursor) Cap() int { return c.cap }

// Remaining returns how many more bytes can be appended before ErrBuf.
func (c *Cursor) Remaining() int { return c.cap - c.end }

// Bytes returns the slice of bytes written so far. The returned slice aliases
// the Cursor's backing array and is only valid until the next Reset.
func (c *Cursor) Bytes() []byte { return c.buf[:c.end] }

// AppendByte appends a single byte.
func (c *Cursor) AppendByte(b byte) error {
	if c.Remaining() < 1 {
		return ErrBuf
	}
	c.buf[c.end] = b
	c.end++
	return nil
}

// AppendBytes appends p in full or fails with ErrBuf without writing
// anything.
func (c *Cursor) AppendBytes(p []byte) error {
	if c.Remaining() < len(p) {
		return ErrBuf
	}
	copy(c.buf[c.end:], p)
	c.end += len(p)
	return nil
}

// AppendUint appends v as a big-endian integer occupying exactly width
// bytes (1, 2, 4 or 8).
func (c *Cursor) AppendUint(v uint64, width int) error {
	if c.Remaining() < width {
		return ErrBuf
	}
	switch width {
	case 0:
		return nil
	case 1:
		c.buf[c.end] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(c.buf[c.end:], uint16(v))
	case 4:
		binary.BigEndian.PutUint32(c.buf[c.end:], uint32(v))
	case 8:
		binary.BigEndian.PutUint64(c.buf[c.end:], v)
	default:
		return ErrBuf
	}
	c.end += width
	return nil
}

// AppendUintMinimal appends v as a minimal-length big-endian integer with
// leading zero bytes stripped; v == 0 appends zero bytes. This is the wire
// form CoAP options use for integer values.
func (c *Cursor) AppendUintMinimal(v uint64) error {
	n := MinimalWidth(v)
	if c.Remaining() < n {
		return ErrBuf
	}
	for i := n - 1; i >= 0; i-- {
		c.buf[c.end+i] = byte(v)
		v >>= 8
	}
	c.end += n
	return nil
}

// MinimalWidth returns the number of bytes needed to encode v with no
// leading zero byte (0 for v == 0).
func MinimalWidth(v uint64) int {
	switch {
	case v == 0:
		return 0
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	case v <= 0xffffffff:
		return 4
	case v <= 0xffffffffff:
		return 5
	case v <= 0xffffffffffff:
		return 6
	case v <= 0xffffffffffffff:
		return 7
	default:
		return 8
	}
}

// Next returns the next n unread bytes and advances the read cursor. The
// returned slice aliases the backing array.
func (c *Cursor) Next(n int) ([]byte, error) {
	if c.end-c.rpos < n {
		return nil, ErrShort
	}
	b := c.buf[c.rpos : c.rpos+n]
	c.rpos += n
	return b, nil
}

// NextByte returns the next unread byte.
func (c *Cursor) NextByte() (byte, error) {
	if c.end-c.rpos < 1 {
		return 0, ErrShort
	}
	b := c.buf[c.rpos]
	c.rpos++
	return b, nil
}

// NextUint reads width bytes (1, 2, 4 or 8) as a big-endian integer.
func (c *Cursor) NextUint(width int) (uint64, error) {
	if width == 0 {
		return 0, nil
	}
	b, err := c.Next(width)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

// ReadPos returns the current read offset.
func (c *Cursor) ReadPos() int { return c.rpos }

// SetReadPos rewinds or advances the read cursor to an absolute offset
// within the written region.
func (c *Cursor) SetReadPos(pos int) error {
	if pos < 0 || pos > c.end {
		return ErrShort
	}
	c.rpos = pos
	return nil
}

// RemainingToRead returns how many unread bytes remain.
func (c *Cursor) RemainingToRead() int { return c.end - c.rpos }
