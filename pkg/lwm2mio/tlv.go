package lwm2mio

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/anj-go/lwm2m/pkg/cbor"
)

// TLV (content format 11542) is the legacy type-length-value encoding this
// package still speaks for interoperability with older servers; SenML+CBOR
// and LwM2M+CBOR are preferred for anything new. Header byte layout:
//
//	bits 7-6: type (00 object instance, 01 resource instance,
//	          10 multiple resource, 11 resource)
//	bit  5:   identifier width (0 = 8 bit, 1 = 16 bit)
//	bits 4-3: length-type (00 length in low 3 bits, 01/10/11 = 1/2/3 byte
//	          length field follows)
//	bits 2-0: inline length when length-type is 00
const (
	tlvTypeObjectInstance   = 0
	tlvTypeResourceInstance = 1
	tlvTypeMultipleResource = 2
	tlvTypeResource         = 3
)

type tlvGroup struct {
	id       uint16
	value    *Value
	hasValue bool
	children map[uint16]*Value
}

// TLVEncoder builds a TLV document. Records sharing a path prefix one level
// above the leaf are grouped into multiple-resource / object-instance TLV
// entries the way the wire format requires.
type TLVEncoder struct {
	out  []byte
	sent int
}

func (e *TLVEncoder) Reset(records []Record) error {
	e.out, e.sent = nil, 0
	if len(records) == 0 {
		return nil
	}
	base := CommonAncestor(pathsOf(records))
	groups := map[uint16]*tlvGroup{}
	var order []uint16
	for _, rec := range records {
		suffix := rec.Path.Suffix(base)
		if suffix.Len() == 0 {
			continue
		}
		id := suffix.At(0)
		g, ok := groups[id]
		if !ok {
			g = &tlvGroup{id: id, children: map[uint16]*Value{}}
			groups[id] = g
			order = append(order, id)
		}
		v := rec.Value
		if suffix.Len() == 1 {
			g.value, g.hasValue = &v, true
		} else {
			g.children[suffix.At(1)] = &v
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var out []byte
	for _, id := range order {
		g := groups[id]
		enc, err := encodeTLVGroup(g, base.Len() >= 2)
		if err != nil {
			return err
		}
		out = append(out, enc...)
	}
	e.out = out
	return nil
}

// encodeTLVGroup renders one top-level grouping: isResourceLevel says
// whether base identifies an Instance (so children are Resources) or an
// Object (so children are Object Instances, which this simplified encoder
// treats as opaque nested TLV blobs via the same resource-value path).
func encodeTLVGroup(g *tlvGroup, isResourceLevel bool) ([]byte, error) {
	if len(g.children) == 0 {
		typ := tlvTypeResource
		if !isResourceLevel {
			typ = tlvTypeObjectInstance
		}
		var val []byte
		var err error
		if g.hasValue {
			val, err = encodeTLVPrimitive(*g.value)
			if err != nil {
				return nil, err
			}
		}
		return tlvEntry(typ, g.id, val), nil
	}
	ids := make([]uint16, 0, len(g.children))
	for id := range g.children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var inner []byte
	for _, id := range ids {
		v, err := encodeTLVPrimitive(*g.children[id])
		if err != nil {
			return nil, err
		}
		inner = append(inner, tlvEntry(tlvTypeResourceInstance, id, v)...)
	}
	return tlvEntry(tlvTypeMultipleResource, g.id, inner), nil
}

func tlvEntry(typ int, id uint16, value []byte) []byte {
	first := byte(typ) << 6
	if id > 0xff {
		first |= 1 << 5
	}
	n := len(value)

	var lenBytes []byte
	switch {
	case n <= 7:
		first |= byte(n)
	case n <= 0xff:
		first |= 1 << 3
		lenBytes = []byte{byte(n)}
	case n <= 0xffff:
		first |= 2 << 3
		lenBytes = []byte{byte(n >> 8), byte(n)}
	default:
		first |= 3 << 3
		lenBytes = []byte{byte(n >> 16), byte(n >> 8), byte(n)}
	}

	out := make([]byte, 0, 1+2+len(lenBytes)+n)
	out = append(out, first)
	if id > 0xff {
		idBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(idBuf, id)
		out = append(out, idBuf...)
	} else {
		out = append(out, byte(id))
	}
	out = append(out, lenBytes...)
	out = append(out, value...)
	return out
}

func encodeTLVPrimitive(v Value) ([]byte, error) {
	switch v.Kind {
	case KindInt64:
		return tlvMinimalSigned(v.Int), nil
	case KindUint64:
		return tlvMinimalUnsigned(v.Uint), nil
	case KindDouble:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Double))
		return buf, nil
	case KindBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindString:
		return []byte(v.Str), nil
	case KindBytes:
		return v.Bytes, nil
	case KindObjLink:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], v.Link.ObjectID)
		binary.BigEndian.PutUint16(buf[2:4], v.Link.InstanceID)
		return buf, nil
	case KindTime:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v.Time.Unix()))
		return buf, nil
	default:
		return nil, ErrFormat
	}
}

func tlvMinimalUnsigned(v uint64) []byte {
	switch {
	case v <= 0xff:
		return []byte{byte(v)}
	case v <= 0xffff:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v))
		return buf
	case v <= 0xffffffff:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v))
		return buf
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return buf
	}
}

func tlvMinimalSigned(v int64) []byte {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return []byte{byte(int8(v))}
	case v >= math.MinInt16 && v <= math.MaxInt16:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(v)))
		return buf
	case v >= math.MinInt32 && v <= math.MaxInt32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(v)))
		return buf
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v))
		return buf
	}
}

func (e *TLVEncoder) GetPayload(buf []byte) (n int, done bool, err error) {
	n = copy(buf, e.out[e.sent:])
	e.sent += n
	return n, e.sent >= len(e.out), nil
}

// TLVDecoder parses a whole accumulated TLV document into Records relative
// to base; like LwM2M+CBOR, TLV has no outer record-boundary a streaming
// decode could use, so the payload is buffered fully before the first
// NextRecord call succeeds.
type TLVDecoder struct {
	base    Path
	buf     []byte
	fed     bool
	records []Record
	idx     int
	built   bool
}

func NewTLVDecoder(base Path) *TLVDecoder {
	return &TLVDecoder{base: base}
}

func (d *TLVDecoder) FeedPayload(data []byte, final bool) {
	d.buf = append(d.buf, data...)
	if final {
		d.fed = true
	}
}

func (d *TLVDecoder) NextRecord() (Record, error) {
	if !d.built {
		if !d.fed {
			return Record{}, cbor.ErrWantNextPayload
		}
		recs, err := decodeTLVEntries(d.buf, d.base)
		if err != nil {
			return Record{}, err
		}
		d.records, d.built = recs, true
	}
	if d.idx >= len(d.records) {
		return Record{}, io.EOF
	}
	rec := d.records[d.idx]
	d.idx++
	return rec, nil
}

func decodeTLVEntries(buf []byte, base Path) ([]Record, error) {
	var out []Record
	pos := 0
	for pos < len(buf) {
		if pos >= len(buf) {
			return nil, ErrFormat
		}
		first := buf[pos]
		typ := int(first >> 6)
		idWide := first&(1<<5) != 0
		lenType := (first >> 3) & 0x3
		inlineLen := int(first & 0x7)
		pos++

		var id uint16
		if idWide {
			if pos+2 > len(buf) {
				return nil, ErrFormat
			}
			id = binary.BigEndian.Uint16(buf[pos:])
			pos += 2
		} else {
			if pos+1 > len(buf) {
				return nil, ErrFormat
			}
			id = uint16(buf[pos])
			pos++
		}

		var length int
		switch lenType {
		case 0:
			length = inlineLen
		case 1:
			if pos+1 > len(buf) {
				return nil, ErrFormat
			}
			length = int(buf[pos])
			pos++
		case 2:
			if pos+2 > len(buf) {
				return nil, ErrFormat
			}
			length = int(binary.BigEndian.Uint16(buf[pos:]))
			pos += 2
		case 3:
			if pos+3 > len(buf) {
				return nil, ErrFormat
			}
			length = int(buf[pos])<<16 | int(buf[pos+1])<<8 | int(buf[pos+2])
			pos += 3
		}
		if pos+length > len(buf) {
			return nil, ErrFormat
		}
		value := buf[pos : pos+length]
		pos += length

		childPath, err := base.Append(id)
		if err != nil {
			return nil, err
		}
		switch typ {
		case tlvTypeObjectInstance:
			sub, err := decodeTLVEntries(value, childPath)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		case tlvTypeMultipleResource:
			sub, err := decodeTLVEntries(value, childPath)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		case tlvTypeResource, tlvTypeResourceInstance:
			out = append(out, Record{Path: childPath, Value: BytesValue(append([]byte(nil), value...)), HasValue: true})
		}
	}
	return out, nil
}
