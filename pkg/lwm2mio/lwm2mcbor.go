package lwm2mio

import (
	"io"
	"sort"

	"github.com/anj-go/lwm2m/pkg/cbor"
	"github.com/anj-go/lwm2m/pkg/coap/wire"
)

// LwM2M+CBOR (content format 11544, spec.md §4.6.2) nests plain CBOR maps
// keyed by path-segment ID instead of SenML's flat label/name records: a
// path like /3/0/14/1 becomes {3: {0: {14: {1: <value>}}}}. A resource with
// a single value and no resource-instances collapses straight to that
// value instead of a one-entry map.
type lwm2mCBORNode struct {
	value    *Value
	hasValue bool
	children map[uint16]*lwm2mCBORNode
}

func newLwM2MCBORNode() *lwm2mCBORNode {
	return &lwm2mCBORNode{children: map[uint16]*lwm2mCBORNode{}}
}

func (n *lwm2mCBORNode) child(id uint16) *lwm2mCBORNode {
	c, ok := n.children[id]
	if !ok {
		c = newLwM2MCBORNode()
		n.children[id] = c
	}
	return c
}

// LwM2MCBOREncoder builds an LwM2M+CBOR document out of Records.
type LwM2MCBOREncoder struct {
	out  []byte
	sent int
}

// Reset builds the whole document eagerly; see RecordEncoder's doc comment
// for why external values are drained up front rather than lazily.
func (e *LwM2MCBOREncoder) Reset(records []Record) error {
	e.out = nil
	e.sent = 0

	root := newLwM2MCBORNode()
	for _, rec := range records {
		node := root
		for i := 0; i < rec.Path.Len(); i++ {
			node = node.child(rec.Path.At(i))
		}
		if rec.HasValue {
			v := rec.Value
			node.value = &v
			node.hasValue = true
		}
	}

	out, err := encodeWithGrowth(256, func(w *wire.Cursor) error {
		return writeLwM2MCBORNode(w, root)
	})
	if err != nil {
		return err
	}
	e.out = out
	return nil
}

func writeLwM2MCBORNode(w *wire.Cursor, n *lwm2mCBORNode) error {
	if n.hasValue && len(n.children) == 0 {
		return writeSenMLValueBare(w, *n.value)
	}
	ids := make([]uint16, 0, len(n.children))
	for id := range n.children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if err := cbor.WriteMapHeader(w, len(ids)); err != nil {
		return err
	}
	for _, id := range ids {
		if err := cbor.WriteUint(w, uint64(id)); err != nil {
			return err
		}
		if err := writeLwM2MCBORNode(w, n.children[id]); err != nil {
			return err
		}
	}
	return nil
}

// writeSenMLValueBare writes a Value without a SenML label wrapper, used by
// LwM2M+CBOR where the map key is already the path segment.
func writeSenMLValueBare(w *wire.Cursor, v Value) error {
	switch v.Kind {
	case KindInt64:
		return cbor.WriteInt(w, v.Int)
	case KindUint64:
		return cbor.WriteUint(w, v.Uint)
	case KindDouble:
		return cbor.WriteFloat64(w, v.Double)
	case KindBool:
		return cbor.WriteBool(w, v.Bool)
	case KindString:
		if err := cbor.WriteTextHeader(w, len(v.Str)); err != nil {
			return err
		}
		return w.AppendBytes([]byte(v.Str))
	case KindBytes:
		if err := cbor.WriteBytesHeader(w, len(v.Bytes)); err != nil {
			return err
		}
		return w.AppendBytes(v.Bytes)
	case KindObjLink:
		s := ObjectLinkString(v.Link.ObjectID, v.Link.InstanceID)
		if err := cbor.WriteTextHeader(w, len(s)); err != nil {
			return err
		}
		return w.AppendBytes([]byte(s))
	case KindTime:
		return cbor.WriteTaggedEpochFloat(w, v.Time)
	case KindExternal:
		return writeExternalBare(w, v)
	default:
		return ErrFormat
	}
}

func writeExternalBare(w *wire.Cursor, v Value) error {
	if v.External == nil {
		if v.IsText {
			return cbor.WriteTextHeader(w, 0)
		}
		return cbor.WriteBytesHeader(w, 0)
	}
	if err := v.External.Open(); err != nil {
		return err
	}
	defer v.External.Close()
	if v.IsText {
		if err := cbor.WriteIndefiniteTextHeader(w); err != nil {
			return err
		}
	} else if err := cbor.WriteIndefiniteBytesHeader(w); err != nil {
		return err
	}
	var offset int64
	chunk := make([]byte, externalChunkSize)
	for {
		n, more, err := v.External.GetExternalData(chunk, offset)
		if err != nil {
			return err
		}
		if n > 0 {
			if v.IsText {
				if err := cbor.WriteTextHeader(w, n); err != nil {
					return err
				}
			} else if err := cbor.WriteBytesHeader(w, n); err != nil {
				return err
			}
			if err := w.AppendBytes(chunk[:n]); err != nil {
				return err
			}
			offset += int64(n)
		}
		if !more {
			break
		}
	}
	return cbor.WriteBreak(w)
}

// GetPayload drains the already-built document in caller-sized pieces.
func (e *LwM2MCBOREncoder) GetPayload(buf []byte) (n int, done bool, err error) {
	n = copy(buf, e.out[e.sent:])
	e.sent += n
	return n, e.sent >= len(e.out), nil
}

// LwM2MCBORDecoder walks a decoded LwM2M+CBOR document's nested maps and
// flattens it back into Records, depth-first.
type LwM2MCBORDecoder struct {
	dec      *cbor.Decoder
	basePath Path
	records  []Record
	idx      int
	built    bool
}

// NewLwM2MCBORDecoder creates a decoder. basePath is the request path the
// document's top-level keys are relative to (empty for root reads).
func NewLwM2MCBORDecoder(basePath Path) *LwM2MCBORDecoder {
	return &LwM2MCBORDecoder{dec: cbor.NewDecoder(decoderNesting), basePath: basePath}
}

func (d *LwM2MCBORDecoder) FeedPayload(data []byte, final bool) {
	d.dec.FeedPayload(data, final)
}

// NextRecord returns the flattened Records one at a time; the whole
// document must be buffered before the first record is produced, since
// LwM2M+CBOR's single top-level map has no record-boundary a streaming
// decode could exploit the way SenML's outer array does.
func (d *LwM2MCBORDecoder) NextRecord() (Record, error) {
	if !d.built {
		recs, err := decodeLwM2MCBORMap(d.dec, d.basePath)
		if err != nil {
			return Record{}, err
		}
		d.records = recs
		d.built = true
	}
	if d.idx >= len(d.records) {
		return Record{}, io.EOF
	}
	rec := d.records[d.idx]
	d.idx++
	return rec, nil
}

func decodeLwM2MCBORMap(dec *cbor.Decoder, base Path) ([]Record, error) {
	t, err := dec.PeekType()
	if err != nil {
		return nil, err
	}
	if t != cbor.TypeMap {
		v, err := readAnyValue(dec)
		if err != nil {
			return nil, err
		}
		return []Record{{Path: base, Value: v, HasValue: true}}, nil
	}
	if err := dec.EnterMap(); err != nil {
		return nil, err
	}
	var out []Record
	for {
		more, err := dec.NextMapEntry()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		id, err := dec.ReadUint()
		if err != nil {
			return nil, err
		}
		childPath, err := base.Append(uint16(id))
		if err != nil {
			return nil, err
		}
		nt, err := dec.PeekType()
		if err != nil {
			return nil, err
		}
		if nt == cbor.TypeMap {
			sub, err := decodeLwM2MCBORMap(dec, childPath)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		v, err := readAnyValue(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{Path: childPath, Value: v, HasValue: true})
	}
	return out, nil
}
