package cbor

import (
	"math"
	"time"

	"github.com/anj-go/lwm2m/pkg/coap/wire"
)

// MaxHeaderBytes is the largest number of bytes any single Encoder call can
// append: a 1-byte initial byte plus an 8-byte extended argument. Callers
// must reserve this much headroom in the destination Cursor before calling
// any Write* function.
const MaxHeaderBytes = 9

// writeHeader appends the initial byte and, if needed, the minimal-width
// extended argument for major/value.
func writeHeader(w *wire.Cursor, major MajorType, value uint64) error {
	ib := byte(major) << 5
	switch {
	case value < 24:
		return w.AppendByte(ib | byte(value))
	case value <= 0xff:
		if err := w.AppendByte(ib | 24); err != nil {
			return err
		}
		return w.AppendUint(value, 1)
	case value <= 0xffff:
		if err := w.AppendByte(ib | 25); err != nil {
			return err
		}
		return w.AppendUint(value, 2)
	case value <= 0xffffffff:
		if err := w.AppendByte(ib | 26); err != nil {
			return err
		}
		return w.AppendUint(value, 4)
	default:
		if err := w.AppendByte(ib | 27); err != nil {
			return err
		}
		return w.AppendUint(value, 8)
	}
}

// WriteUint writes an unsigned integer (major type 0) header.
func WriteUint(w *wire.Cursor, v uint64) error {
	return writeHeader(w, MajorUnsigned, v)
}

// WriteNegativeInt writes a negative integer (major type 1); v must be < 0.
// CBOR negative integers encode -1-n as n, so v == -1 encodes n == 0.
func WriteNegativeInt(w *wire.Cursor, v int64) error {
	n := uint64(-1 - v)
	return writeHeader(w, MajorNegative, n)
}

// WriteInt writes the minimal unsigned or negative header for v.
func WriteInt(w *wire.Cursor, v int64) error {
	if v >= 0 {
		return WriteUint(w, uint64(v))
	}
	return WriteNegativeInt(w, v)
}

// WriteBytesHeader writes a definite-length byte-string header; the caller
// appends the length bytes separately.
func WriteBytesHeader(w *wire.Cursor, length int) error {
	return writeHeader(w, MajorBytes, uint64(length))
}

// WriteTextHeader writes a definite-length text-string header.
func WriteTextHeader(w *wire.Cursor, length int) error {
	return writeHeader(w, MajorText, uint64(length))
}

// WriteIndefiniteBytesHeader writes the 0x5F indefinite byte-string opener.
func WriteIndefiniteBytesHeader(w *wire.Cursor) error {
	return w.AppendByte(byte(MajorBytes)<<5 | 31)
}

// WriteIndefiniteTextHeader writes the 0x7F indefinite text-string opener.
func WriteIndefiniteTextHeader(w *wire.Cursor) error {
	return w.AppendByte(byte(MajorText)<<5 | 31)
}

// WriteArrayHeader writes a definite-length array header of count items.
func WriteArrayHeader(w *wire.Cursor, count int) error {
	return writeHeader(w, MajorArray, uint64(count))
}

// WriteIndefiniteArrayHeader writes the 0x9F indefinite array opener.
func WriteIndefiniteArrayHeader(w *wire.Cursor) error {
	return w.AppendByte(byte(MajorArray)<<5 | 31)
}

// WriteMapHeader writes a definite-length map header of count pairs.
func WriteMapHeader(w *wire.Cursor, count int) error {
	return writeHeader(w, MajorMap, uint64(count))
}

// WriteIndefiniteMapHeader writes the 0xBF indefinite map opener.
func WriteIndefiniteMapHeader(w *wire.Cursor) error {
	return w.AppendByte(byte(MajorMap)<<5 | 31)
}

// WriteBreak writes the 0xFF break stop-code that closes an
// indefinite-length array, map, or string.
func WriteBreak(w *wire.Cursor) error {
	return w.AppendByte(byte(MajorSimple)<<5 | 31)
}

// WriteTag writes a tag (major type 6) header; the tagged value follows.
func WriteTag(w *wire.Cursor, tag uint64) error {
	return writeHeader(w, MajorTag, tag)
}

// WriteBool writes CBOR false (0xF4) or true (0xF5).
func WriteBool(w *wire.Cursor, b bool) error {
	v := byte(20)
	if b {
		v = 21
	}
	return w.AppendByte(byte(MajorSimple)<<5 | v)
}

// WriteNull writes CBOR null (0xF6).
func WriteNull(w *wire.Cursor) error {
	return w.AppendByte(byte(MajorSimple)<<5 | 22)
}

// WriteFloat32 writes an IEEE 754 single-precision float (major 7, info 26).
func WriteFloat32(w *wire.Cursor, f float32) error {
	if err := w.AppendByte(byte(MajorSimple)<<5 | 26); err != nil {
		return err
	}
	return w.AppendUint(uint64(math.Float32bits(f)), 4)
}

// WriteFloat64 writes an IEEE 754 double-precision float (major 7, info 27).
func WriteFloat64(w *wire.Cursor, f float64) error {
	if err := w.AppendByte(byte(MajorSimple)<<5 | 27); err != nil {
		return err
	}
	return w.AppendUint(math.Float64bits(f), 8)
}

// WriteTaggedEpochFloat writes tag(1) followed by a float64 seconds-since-
// epoch value, the wire form SenML+CBOR "time" and "base-time" fields use.
func WriteTaggedEpochFloat(w *wire.Cursor, t time.Time) error {
	if err := WriteTag(w, TagEpochTime); err != nil {
		return err
	}
	return WriteFloat64(w, float64(t.UnixNano())/1e9)
}
