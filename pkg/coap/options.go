package coap

import (
	"errors"
	"sort"
	"strings"

	"github.com/anj-go/lwm2m/pkg/coap/wire"
)

// Option numbers, RFC 7252 / RFC 7641 / RFC 7959 / RFC 8323, plus the
// LwM2M-specific Size1 option used to size block-wise reassembly buffers
// ahead of time (mirrors _ANJ_COAP_OPTION_* in the Anjay-lite original).
const (
	OptIfMatch       uint16 = 1
	OptUriHost       uint16 = 3
	OptETag          uint16 = 4
	OptIfNoneMatch   uint16 = 5
	OptObserve       uint16 = 6
	OptUriPort       uint16 = 7
	OptLocationPath  uint16 = 8
	OptOscore        uint16 = 9
	OptUriPath       uint16 = 11
	OptContentFormat uint16 = 12
	OptMaxAge        uint16 = 14
	OptUriQuery      uint16 = 15
	OptAccept        uint16 = 17
	OptLocationQuery uint16 = 20
	OptBlock2        uint16 = 23
	OptBlock1        uint16 = 27
	OptSize2         uint16 = 28
	OptProxyUri      uint16 = 35
	OptProxyScheme   uint16 = 39
	OptSize1         uint16 = 60
)

// ErrCapacity is returned when the option count limit configured for an
// Options table has been reached.
var ErrCapacity = errors.New("coap: option table capacity exceeded")

// ErrFormat is returned when decoding malformed CoAP wire data: a bad
// delta/length nibble, a decreasing option delta, or a truncated buffer.
var ErrFormat = errors.New("coap: malformed CoAP message")

// Missing is returned by typed option getters when no option with the
// requested number is present.
var Missing = errors.New("coap: option not present")

// Option is a single (number, value) pair. Integer and empty options are
// represented with their raw wire bytes; typed getters parse in place.
type Option struct {
	Number uint16
	Value  []byte
}

// Options is a capacity-bounded, order-preserving set of CoAP options.
// Insertion keeps the table sorted by option number with insertion order
// preserved among options sharing a number, so the wire encoding is always
// the RFC 7252 canonical delta stream regardless of insertion order.
type Options struct {
	items []Option
	max   int
}

// NewOptions creates an empty table that rejects insertions past maxOptions
// entries. maxOptions <= 0 means unbounded.
func NewOptions(maxOptions int) *Options {
	return &Options{max: maxOptions}
}

// Len returns the number of options currently stored.
func (o *Options) Len() int { return len(o.items) }

func (o *Options) insert(opt Option) error {
	if o.max > 0 && len(o.items) >= o.max {
		return ErrCapacity
	}
	// stable insert: first index whose Number is > opt.Number
	i := sort.Search(len(o.items), func(i int) bool { return o.items[i].Number > opt.Number })
	o.items = append(o.items, Option{})
	copy(o.items[i+1:], o.items[i:])
	o.items[i] = opt
	return nil
}

// AddBytes adds an option carrying an opaque byte value.
func (o *Options) AddBytes(num uint16, v []byte) error {
	cp := make([]byte, len(v))
	copy(cp, v)
	return o.insert(Option{Number: num, Value: cp})
}

// AddString adds an option carrying a UTF-8 string value.
func (o *Options) AddString(num uint16, s string) error {
	return o.AddBytes(num, []byte(s))
}

// AddUint adds an option carrying an integer, minimally encoded big-endian
// (leading zero bytes stripped; zero encodes as an empty byte string).
func (o *Options) AddUint(num uint16, v uint64) error {
	n := wire.MinimalWidth(v)
	buf := make([]byte, n)
	vv := v
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(vv)
		vv >>= 8
	}
	return o.insert(Option{Number: num, Value: buf})
}

// AddU16, AddU32, AddU64 are typed conveniences over AddUint.
func (o *Options) AddU16(num uint16, v uint16) error { return o.AddUint(num, uint64(v)) }
func (o *Options) AddU32(num uint16, v uint32) error { return o.AddUint(num, uint64(v)) }
func (o *Options) AddU64(num uint16, v uint64) error { return o.AddUint(num, v) }

// AddEmpty adds a zero-length option, used for e.g. Observe=0 shorthand or
// presence-only markers.
func (o *Options) AddEmpty(num uint16) error {
	return o.insert(Option{Number: num})
}

// Encode appends the RFC 7252 delta+length wire form of every option, in
// order, to w. It does not write the 0xFF payload marker.
func (o *Options) Encode(w *wire.Cursor) error {
	var prev uint16
	for _, opt := range o.items {
		delta := uint32(opt.Number) - uint32(prev)
		prev = opt.Number
		length := uint32(len(opt.Value))
		deltaNibble, deltaExt, deltaExtLen := splitNibble(delta)
		lengthNibble, lengthExt, lengthExtLen := splitNibble(length)
		if err := w.AppendByte(byte(deltaNibble<<4 | lengthNibble)); err != nil {
			return err
		}
		if deltaExtLen > 0 {
			if err := w.AppendUint(uint64(deltaExt), deltaExtLen); err != nil {
				return err
			}
		}
		if lengthExtLen > 0 {
			if err := w.AppendUint(uint64(lengthExt), lengthExtLen); err != nil {
				return err
			}
		}
		if err := w.AppendBytes(opt.Value); err != nil {
			return err
		}
	}
	return nil
}

// splitNibble computes the 4-bit nibble value (0..12, 13, or 14) for a
// delta or length, along with the extension bytes RFC 7252 demands for
// values 13..268 (1-byte extension, biased by 13) and 269..65535+269
// (2-byte extension, biased by 269).
func splitNibble(v uint32) (nibble uint8, ext uint32, extLen int) {
	switch {
	case v < 13:
		return uint8(v), 0, 0
	case v < 269:
		return 13, v - 13, 1
	default:
		return 14, v - 269, 2
	}
}

// DecodeOptions parses a delta-encoded option stream from data, stopping at
// a 0xFF payload marker or the end of data. It returns the parsed table and
// the number of bytes consumed (pointing just past the 0xFF marker if one
// was found, or at len(data) otherwise).
func DecodeOptions(data []byte, maxOptions int) (*Options, int, error) {
	o := NewOptions(maxOptions)
	var prev uint32
	pos := 0
	for pos < len(data) {
		if data[pos] == 0xFF {
			return o, pos + 1, nil
		}
		first := data[pos]
		pos++
		deltaNibble := uint32(first >> 4)
		lengthNibble := uint32(first & 0x0f)
		if deltaNibble == 15 || lengthNibble == 15 {
			return nil, 0, ErrFormat
		}
		delta, np, err := extendNibble(deltaNibble, data, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = np
		length, np, err := extendNibble(lengthNibble, data, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = np
		number := prev + delta
		if number > 0xffff {
			return nil, 0, ErrFormat
		}
		prev = number
		if pos+int(length) > len(data) {
			return nil, 0, ErrFormat
		}
		val := data[pos : pos+int(length)]
		pos += int(length)
		if err := o.AddBytes(uint16(number), val); err != nil {
			return nil, 0, err
		}
	}
	return o, pos, nil
}

// extendNibble resolves a 4-bit delta/length nibble into its actual value,
// consuming 0, 1, or 2 extension bytes from data starting at pos.
func extendNibble(nibble uint32, data []byte, pos int) (value uint32, newPos int, err error) {
	switch {
	case nibble < 13:
		return nibble, pos, nil
	case nibble == 13:
		if pos >= len(data) {
			return 0, 0, ErrFormat
		}
		return uint32(data[pos]) + 13, pos + 1, nil
	case nibble == 14:
		if pos+1 >= len(data) {
			return 0, 0, ErrFormat
		}
		return (uint32(data[pos])<<8 | uint32(data[pos+1])) + 269, pos + 2, nil
	default:
		return 0, 0, ErrFormat
	}
}

// OptionIter walks the repeated occurrences of a single option number.
type OptionIter struct {
	opts *Options
	num  uint16
	idx  int
}

// Iter returns an iterator over all occurrences of num, in stored order.
func (o *Options) Iter(num uint16) *OptionIter {
	return &OptionIter{opts: o, num: num}
}

// Next returns the next matching option's value and advances the cursor,
// or returns ok == false once exhausted.
func (it *OptionIter) Next() (value []byte, ok bool) {
	for it.idx < len(it.opts.items) {
		opt := it.opts.items[it.idx]
		it.idx++
		if opt.Number == it.num {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetBytes returns the first occurrence of num, or Missing.
func (o *Options) GetBytes(num uint16) ([]byte, error) {
	v, ok := o.Iter(num).Next()
	if !ok {
		return nil, Missing
	}
	return v, nil
}

// GetString is GetBytes with a string conversion.
func (o *Options) GetString(num uint16) (string, error) {
	v, err := o.GetBytes(num)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// GetUint parses the first occurrence of num as a minimally-encoded
// big-endian integer (empty value == 0).
func (o *Options) GetUint(num uint16) (uint64, error) {
	v, err := o.GetBytes(num)
	if err != nil {
		return 0, err
	}
	if len(v) > 8 {
		return 0, ErrFormat
	}
	var out uint64
	for _, b := range v {
		out = out<<8 | uint64(b)
	}
	return out, nil
}

func (o *Options) GetU16(num uint16) (uint16, error) {
	v, err := o.GetUint(num)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func (o *Options) GetU32(num uint16) (uint32, error) {
	v, err := o.GetUint(num)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// GetEmpty reports whether an empty (presence-only) option is set.
func (o *Options) GetEmpty(num uint16) bool {
	_, ok := o.Iter(num).Next()
	return ok
}

// All returns every stored option, in wire order.
func (o *Options) All() []Option {
	return append([]Option(nil), o.items...)
}

// Path reassembles the Uri-Path option occurrences into a "/"-joined path,
// e.g. "/3/0/1". An empty table yields "/".
func (o *Options) Path() string {
	it := o.Iter(OptUriPath)
	var segs []string
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		segs = append(segs, string(v))
	}
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

// Queries returns every Uri-Query option value as a string.
func (o *Options) Queries() []string {
	it := o.Iter(OptUriQuery)
	var out []string
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, string(v))
	}
	return out
}
