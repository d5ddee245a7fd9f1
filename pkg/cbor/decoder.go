package cbor

import (
	"encoding/binary"
	"math"
)

// header is one CBOR item's initial byte plus resolved extended argument.
type header struct {
	major      MajorType
	info       uint8
	arg        uint64
	indefinite bool
}

// frame tracks one open array/map nesting level.
type frame struct {
	isMap     bool
	indef     bool
	remaining int // pairs (maps) or items (arrays) left, for definite-length containers
}

// stringCursor tracks an in-progress byte/text string read via
// EnterByteString/EnterTextString + StringChunk.
type stringCursor struct {
	indefinite bool
	remaining  int // bytes left in the current (sub-)chunk
	done       bool
}

// Decoder is a pull-model, re-entrant CBOR parser. Input is fed in
// arbitrary-size chunks via FeedPayload; every read method returns
// ErrWantNextPayload without side effects if it runs out of buffered input
// and the stream has not been marked final.
type Decoder struct {
	buf        []byte
	final      bool
	nesting    []frame
	maxNesting int
	str        *stringCursor
}

// NewDecoder creates a decoder whose container nesting is bounded by
// maxNesting levels (arrays, maps, and indefinite strings all count).
func NewDecoder(maxNesting int) *Decoder {
	return &Decoder{maxNesting: maxNesting}
}

// FeedPayload appends data to the decoder's input. final marks this as the
// last chunk of the document: once set, a short read is a format error
// rather than ErrWantNextPayload.
func (d *Decoder) FeedPayload(data []byte, final bool) {
	if len(data) > 0 {
		d.buf = append(d.buf, data...)
	}
	d.final = final
}

func (d *Decoder) need(n int) error {
	if len(d.buf) < n {
		if d.final {
			return ErrFormat
		}
		return ErrWantNextPayload
	}
	return nil
}

func (d *Decoder) consume(n int) []byte {
	b := d.buf[:n:n]
	d.buf = d.buf[n:]
	return b
}

// peekHeader resolves the next item's header without consuming it. It
// returns the header and the number of bytes it occupies on the wire.
func (d *Decoder) peekHeader() (header, int, error) {
	if err := d.need(1); err != nil {
		return header{}, 0, err
	}
	ib := d.buf[0]
	major := MajorType(ib >> 5)
	info := ib & 0x1f
	switch {
	case info < 24:
		return header{major: major, info: info, arg: uint64(info)}, 1, nil
	case info == 24:
		if err := d.need(2); err != nil {
			return header{}, 0, err
		}
		return header{major: major, info: info, arg: uint64(d.buf[1])}, 2, nil
	case info == 25:
		if err := d.need(3); err != nil {
			return header{}, 0, err
		}
		return header{major: major, info: info, arg: uint64(binary.BigEndian.Uint16(d.buf[1:3]))}, 3, nil
	case info == 26:
		if err := d.need(5); err != nil {
			return header{}, 0, err
		}
		return header{major: major, info: info, arg: uint64(binary.BigEndian.Uint32(d.buf[1:5]))}, 5, nil
	case info == 27:
		if err := d.need(9); err != nil {
			return header{}, 0, err
		}
		return header{major: major, info: info, arg: binary.BigEndian.Uint64(d.buf[1:9])}, 9, nil
	case info == 31:
		return header{major: major, info: info, indefinite: true}, 1, nil
	default:
		return header{}, 0, ErrFormat
	}
}

func isBreak(h header) bool {
	return h.major == MajorSimple && h.indefinite
}

// PeekType inspects the upcoming item's type without consuming it.
func (d *Decoder) PeekType() (ValueType, error) {
	h, _, err := d.peekHeader()
	if err != nil {
		return 0, err
	}
	if isBreak(h) {
		return TypeBreak, nil
	}
	switch h.major {
	case MajorUnsigned:
		return TypeUnsigned, nil
	case MajorNegative:
		return TypeNegative, nil
	case MajorBytes:
		return TypeBytes, nil
	case MajorText:
		return TypeText, nil
	case MajorArray:
		return TypeArray, nil
	case MajorMap:
		return TypeMap, nil
	case MajorTag:
		return TypeTag, nil
	case MajorSimple:
		switch h.info {
		case 20, 21:
			return TypeBool, nil
		case 22:
			return TypeNull, nil
		case 23:
			return TypeUndefined, nil
		case 25, 26, 27:
			return TypeFloat, nil
		}
	}
	return 0, ErrFormat
}

// ReadUint reads an unsigned integer (major type 0).
func (d *Decoder) ReadUint() (uint64, error) {
	h, n, err := d.peekHeader()
	if err != nil {
		return 0, err
	}
	if h.major != MajorUnsigned {
		return 0, ErrFormat
	}
	d.consume(n)
	return h.arg, nil
}

// ReadNegativeInt reads a negative integer (major type 1) and returns it
// as an int64, failing ErrFormat if the magnitude overflows int64.
func (d *Decoder) ReadNegativeInt() (int64, error) {
	h, n, err := d.peekHeader()
	if err != nil {
		return 0, err
	}
	if h.major != MajorNegative {
		return 0, ErrFormat
	}
	if h.arg > math.MaxInt64 {
		return 0, ErrFormat
	}
	d.consume(n)
	return -1 - int64(h.arg), nil
}

// ReadInt64 reads either an unsigned or negative integer and returns it as
// a signed int64, failing ErrFormat on overflow.
func (d *Decoder) ReadInt64() (int64, error) {
	h, _, err := d.peekHeader()
	if err != nil {
		return 0, err
	}
	if h.major == MajorNegative {
		return d.ReadNegativeInt()
	}
	v, err := d.ReadUint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt64 {
		return 0, ErrFormat
	}
	return int64(v), nil
}

// ReadBool reads a CBOR true/false simple value.
func (d *Decoder) ReadBool() (bool, error) {
	h, n, err := d.peekHeader()
	if err != nil {
		return false, err
	}
	if h.major != MajorSimple || (h.info != 20 && h.info != 21) {
		return false, ErrFormat
	}
	d.consume(n)
	return h.info == 21, nil
}

// ReadFloat64 reads a half/single/double-precision float and widens it to
// float64.
func (d *Decoder) ReadFloat64() (float64, error) {
	h, n, err := d.peekHeader()
	if err != nil {
		return 0, err
	}
	if h.major != MajorSimple {
		return 0, ErrFormat
	}
	switch h.info {
	case 25:
		d.consume(n)
		return float64(decodeHalfFloat(uint16(h.arg))), nil
	case 26:
		d.consume(n)
		return float64(math.Float32frombits(uint32(h.arg))), nil
	case 27:
		d.consume(n)
		return math.Float64frombits(h.arg), nil
	}
	return 0, ErrFormat
}

// decodeHalfFloat converts an IEEE 754 binary16 value to float32, per
// RFC 7049 Appendix D.
func decodeHalfFloat(bits uint16) float32 {
	sign := uint32(bits>>15) & 0x1
	exp := uint32(bits>>10) & 0x1f
	frac := uint32(bits) & 0x3ff
	var f uint32
	switch {
	case exp == 0:
		f = sign << 31
		if frac != 0 {
			// subnormal: scale into a normalized float32
			e := 0
			for frac&0x400 == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3ff
			exp32 := uint32(int32(127-15+e) + 1)
			f = sign<<31 | exp32<<23 | frac<<13
		}
	case exp == 0x1f:
		f = sign<<31 | 0xff<<23 | frac<<13
	default:
		f = sign<<31 | (exp-15+127)<<23 | frac<<13
	}
	return math.Float32frombits(f)
}

// ReadTag reads a tag header (major type 6) and returns the tag number; the
// tagged value itself is read with a subsequent call.
func (d *Decoder) ReadTag() (uint64, error) {
	h, n, err := d.peekHeader()
	if err != nil {
		return 0, err
	}
	if h.major != MajorTag {
		return 0, ErrFormat
	}
	d.consume(n)
	return h.arg, nil
}

// ReadTaggedFloat reads a value that may be a bare float, a tag(1) epoch
// timestamp, or a tag(4) decimal fraction [exponent, mantissa], and always
// returns a float64, per spec.md §4.5's tagged-value support.
func (d *Decoder) ReadTaggedFloat() (float64, error) {
	h, _, err := d.peekHeader()
	if err != nil {
		return 0, err
	}
	if h.major != MajorTag {
		return d.ReadFloat64()
	}
	tag, err := d.ReadTag()
	if err != nil {
		return 0, err
	}
	switch tag {
	case TagEpochTime:
		return d.ReadFloat64()
	case TagDecimalFraction:
		if err := d.EnterArray(); err != nil {
			return 0, err
		}
		more, err := d.NextArrayItem()
		if err != nil || !more {
			return 0, ErrFormat
		}
		exponent, err := d.ReadInt64()
		if err != nil {
			return 0, err
		}
		more, err = d.NextArrayItem()
		if err != nil || !more {
			return 0, ErrFormat
		}
		mantissa, err := d.ReadInt64()
		if err != nil {
			return 0, err
		}
		more, err = d.NextArrayItem()
		if err != nil || more {
			return 0, ErrFormat
		}
		return float64(mantissa) * math.Pow(10, float64(exponent)), nil
	default:
		return 0, ErrFormat
	}
}

func (d *Decoder) pushFrame(f frame) error {
	if len(d.nesting) >= d.maxNesting {
		return ErrNesting
	}
	d.nesting = append(d.nesting, f)
	return nil
}

func (d *Decoder) top() *frame {
	if len(d.nesting) == 0 {
		return nil
	}
	return &d.nesting[len(d.nesting)-1]
}

func (d *Decoder) pop() {
	d.nesting = d.nesting[:len(d.nesting)-1]
}

// EnterArray consumes an array header (definite or indefinite) and pushes
// a nesting frame; iterate items with NextArrayItem.
func (d *Decoder) EnterArray() error {
	h, n, err := d.peekHeader()
	if err != nil {
		return err
	}
	if h.major != MajorArray {
		return ErrFormat
	}
	d.consume(n)
	return d.pushFrame(frame{indef: h.indefinite, remaining: int(h.arg)})
}

// EnterMap consumes a map header (definite or indefinite) and pushes a
// nesting frame; iterate pairs with NextMapEntry.
func (d *Decoder) EnterMap() error {
	h, n, err := d.peekHeader()
	if err != nil {
		return err
	}
	if h.major != MajorMap {
		return ErrFormat
	}
	d.consume(n)
	return d.pushFrame(frame{isMap: true, indef: h.indefinite, remaining: int(h.arg)})
}

// NextArrayItem reports whether another array item remains. A definite
// array decrements its remaining count once per call; an indefinite array
// consumes the terminating break and pops the frame once one is seen. The
// caller must fully consume exactly one item's bytes between calls.
func (d *Decoder) NextArrayItem() (bool, error) {
	f := d.top()
	if f == nil || f.isMap {
		return false, ErrLogic
	}
	if f.indef {
		h, n, err := d.peekHeader()
		if err != nil {
			return false, err
		}
		if isBreak(h) {
			d.consume(n)
			d.pop()
			return false, nil
		}
		return true, nil
	}
	if f.remaining <= 0 {
		d.pop()
		return false, nil
	}
	f.remaining--
	return true, nil
}

// NextMapEntry reports whether another key/value pair remains, analogous
// to NextArrayItem; the caller reads exactly one key and one value between
// calls.
func (d *Decoder) NextMapEntry() (bool, error) {
	f := d.top()
	if f == nil || !f.isMap {
		return false, ErrLogic
	}
	if f.indef {
		h, n, err := d.peekHeader()
		if err != nil {
			return false, err
		}
		if isBreak(h) {
			d.consume(n)
			d.pop()
			return false, nil
		}
		return true, nil
	}
	if f.remaining <= 0 {
		d.pop()
		return false, nil
	}
	f.remaining--
	return true, nil
}

// Depth returns the current container nesting depth.
func (d *Decoder) Depth() int { return len(d.nesting) }

// EnterByteString begins a byte-string read (definite or indefinite),
// after which the caller drains it with repeated calls to StringChunk.
func (d *Decoder) EnterByteString() error { return d.enterString(MajorBytes) }

// EnterTextString begins a text-string read.
func (d *Decoder) EnterTextString() error { return d.enterString(MajorText) }

func (d *Decoder) enterString(major MajorType) error {
	h, n, err := d.peekHeader()
	if err != nil {
		return err
	}
	if h.major != major {
		return ErrFormat
	}
	d.consume(n)
	if h.indefinite {
		d.str = &stringCursor{indefinite: true}
		return nil
	}
	d.str = &stringCursor{remaining: int(h.arg)}
	return nil
}

// StringChunk returns up to max bytes of the string begun by
// EnterByteString/EnterTextString, transparently hiding whether the
// underlying CBOR encoding was definite-length or the indefinite-length
// concatenation of definite-length chunks RFC 7049 §2.2.2 allows. done is
// true once the string is fully consumed (the returned data may be
// non-empty on the same call that reports done).
func (d *Decoder) StringChunk(maxChunk int) (data []byte, done bool, err error) {
	if d.str == nil {
		return nil, false, ErrLogic
	}
	for d.str.remaining == 0 {
		if !d.str.indefinite {
			d.str.done = true
			d.str = nil
			return nil, true, nil
		}
		h, n, err := d.peekHeader()
		if err != nil {
			return nil, false, err
		}
		if isBreak(h) {
			d.consume(n)
			d.str = nil
			return nil, true, nil
		}
		d.consume(n)
		d.str.remaining = int(h.arg)
		if d.str.remaining == 0 {
			continue
		}
	}
	take := maxChunk
	if take > d.str.remaining {
		take = d.str.remaining
	}
	if take <= 0 {
		return nil, false, nil
	}
	if err := d.need(take); err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), d.consume(take)...)
	d.str.remaining -= take
	return out, false, nil
}

// ReadFullBytes drains a byte string of bounded total size into a single
// slice, a convenience for callers that know the value fits comfortably in
// memory (most LwM2M resource values do).
func (d *Decoder) ReadFullBytes(maxTotal int) ([]byte, error) {
	if err := d.EnterByteString(); err != nil {
		return nil, err
	}
	var out []byte
	for {
		chunk, done, err := d.StringChunk(maxTotal - len(out) + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if len(out) > maxTotal {
			return nil, ErrFormat
		}
		if done {
			return out, nil
		}
	}
}

// ReadFullText is ReadFullBytes for text strings.
func (d *Decoder) ReadFullText(maxTotal int) (string, error) {
	if err := d.EnterTextString(); err != nil {
		return "", err
	}
	var out []byte
	for {
		chunk, done, err := d.StringChunk(maxTotal - len(out) + 1)
		if err != nil {
			return "", err
		}
		out = append(out, chunk...)
		if len(out) > maxTotal {
			return "", ErrFormat
		}
		if done {
			return string(out), nil
		}
	}
}

// SkipValue discards the next complete item, including nested containers
// and streamed strings, without returning its contents. Used to ignore
// unrecognized SenML/LwM2M-CBOR map labels.
func (d *Decoder) SkipValue() error {
	t, err := d.PeekType()
	if err != nil {
		return err
	}
	switch t {
	case TypeUnsigned:
		_, err := d.ReadUint()
		return err
	case TypeNegative:
		_, err := d.ReadNegativeInt()
		return err
	case TypeBool:
		_, err := d.ReadBool()
		return err
	case TypeFloat:
		_, err := d.ReadFloat64()
		return err
	case TypeNull, TypeUndefined:
		h, n, err := d.peekHeader()
		if err != nil {
			return err
		}
		_ = h
		d.consume(n)
		return nil
	case TypeBytes:
		_, err := d.ReadFullBytes(1 << 20)
		return err
	case TypeText:
		_, err := d.ReadFullText(1 << 20)
		return err
	case TypeTag:
		if _, err := d.ReadTag(); err != nil {
			return err
		}
		return d.SkipValue()
	case TypeArray:
		if err := d.EnterArray(); err != nil {
			return err
		}
		for {
			more, err := d.NextArrayItem()
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
			if err := d.SkipValue(); err != nil {
				return err
			}
		}
	case TypeMap:
		if err := d.EnterMap(); err != nil {
			return err
		}
		for {
			more, err := d.NextMapEntry()
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
			if err := d.SkipValue(); err != nil {
				return err
			}
			if err := d.SkipValue(); err != nil {
				return err
			}
		}
	default:
		return ErrFormat
	}
}
