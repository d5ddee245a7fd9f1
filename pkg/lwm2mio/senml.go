package lwm2mio

import (
	"io"
	"math"
	"time"

	"github.com/anj-go/lwm2m/pkg/cbor"
	"github.com/anj-go/lwm2m/pkg/coap/wire"
)

// SenML+CBOR label keys, RFC 8428 §4 / spec.md §4.6.1.
const (
	senmlBaseName = -2
	senmlBaseTime = -3
	senmlName     = 0
	senmlTime     = 6
	senmlValue    = 2
	senmlString   = 3
	senmlBool     = 4
	senmlOpaque   = 8
	senmlObjLink  = "vlo"
)

// decoderNesting bounds container depth for payloads this package decodes;
// LwM2M paths are at most 4 levels deep and records never nest beyond a
// handful of maps/arrays, so this is generous headroom rather than a tight
// fit.
const decoderNesting = 16

// externalChunkSize is how much of an ExternalData source is held in memory
// at once while streaming it into an encoded document.
const externalChunkSize = 256

// SenMLEncoder builds a SenML+CBOR document (content format 112) out of
// Records, sharing a single base-name across the whole document (the
// longest common path prefix) the way RFC 8428 §4.3 intends, and encoding
// each record's "name" as the remaining path suffix.
type SenMLEncoder struct {
	out  []byte
	sent int
}

// Reset builds the whole document, draining any Value.External sources into
// the internal buffer; see the RecordEncoder doc comment on why this is
// eager rather than lazily interleaved with GetPayload.
func (e *SenMLEncoder) Reset(records []Record) error {
	e.out = nil
	e.sent = 0

	base := CommonAncestor(pathsOf(records))
	out, err := encodeWithGrowth(256, func(w *wire.Cursor) error {
		if err := cbor.WriteArrayHeader(w, len(records)); err != nil {
			return err
		}
		baseWritten := false
		for _, rec := range records {
			suffix := rec.Path.Suffix(base)
			if err := cbor.WriteIndefiniteMapHeader(w); err != nil {
				return err
			}
			if !baseWritten && base.Len() > 0 {
				if err := writeSenMLTextField(w, senmlBaseName, base.String()); err != nil {
					return err
				}
				baseWritten = true
			}
			if err := writeSenMLTextField(w, senmlName, suffix.String()); err != nil {
				return err
			}
			if rec.Time != nil {
				if err := cbor.WriteInt(w, senmlTime); err != nil {
					return err
				}
				if err := cbor.WriteFloat64(w, float64(rec.Time.UnixNano())/1e9); err != nil {
					return err
				}
			}
			if rec.HasValue {
				if err := writeSenMLValue(w, rec.Value); err != nil {
					return err
				}
			}
			if err := cbor.WriteBreak(w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.out = out
	return nil
}

func writeSenMLTextField(w *wire.Cursor, label int, s string) error {
	if err := cbor.WriteInt(w, int64(label)); err != nil {
		return err
	}
	if err := cbor.WriteTextHeader(w, len(s)); err != nil {
		return err
	}
	return w.AppendBytes([]byte(s))
}

func pathsOf(records []Record) []Path {
	out := make([]Path, len(records))
	for i, r := range records {
		out[i] = r.Path
	}
	return out
}

func writeSenMLValue(w *wire.Cursor, v Value) error {
	switch v.Kind {
	case KindInt64:
		if err := cbor.WriteInt(w, senmlValue); err != nil {
			return err
		}
		return cbor.WriteInt(w, v.Int)
	case KindUint64:
		if err := cbor.WriteInt(w, senmlValue); err != nil {
			return err
		}
		return cbor.WriteUint(w, v.Uint)
	case KindDouble:
		if err := cbor.WriteInt(w, senmlValue); err != nil {
			return err
		}
		return cbor.WriteFloat64(w, v.Double)
	case KindBool:
		if err := cbor.WriteInt(w, senmlBool); err != nil {
			return err
		}
		return cbor.WriteBool(w, v.Bool)
	case KindString:
		if err := cbor.WriteInt(w, senmlString); err != nil {
			return err
		}
		if err := cbor.WriteTextHeader(w, len(v.Str)); err != nil {
			return err
		}
		return w.AppendBytes([]byte(v.Str))
	case KindBytes:
		if err := cbor.WriteInt(w, senmlOpaque); err != nil {
			return err
		}
		if err := cbor.WriteBytesHeader(w, len(v.Bytes)); err != nil {
			return err
		}
		return w.AppendBytes(v.Bytes)
	case KindObjLink:
		if err := cbor.WriteTextHeader(w, len(senmlObjLink)); err != nil {
			return err
		}
		if err := w.AppendBytes([]byte(senmlObjLink)); err != nil {
			return err
		}
		s := ObjectLinkString(v.Link.ObjectID, v.Link.InstanceID)
		if err := cbor.WriteTextHeader(w, len(s)); err != nil {
			return err
		}
		return w.AppendBytes([]byte(s))
	case KindExternal:
		return writeSenMLExternal(w, v)
	default:
		return ErrFormat
	}
}

// writeSenMLExternal drains an ExternalData source in externalChunkSize
// pulls directly into the destination Cursor as an indefinite-length
// string, so at most one pull-sized chunk of the value is held outside the
// Cursor's own backing buffer at a time.
func writeSenMLExternal(w *wire.Cursor, v Value) error {
	key := senmlString
	if !v.IsText {
		key = senmlOpaque
	}
	if err := cbor.WriteInt(w, int64(key)); err != nil {
		return err
	}
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
	} else {
		if err := cbor.WriteIndefiniteBytesHeader(w); err != nil {
			return err
		}
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
			} else {
				if err := cbor.WriteBytesHeader(w, n); err != nil {
					return err
				}
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
func (e *SenMLEncoder) GetPayload(buf []byte) (n int, done bool, err error) {
	n = copy(buf, e.out[e.sent:])
	e.sent += n
	return n, e.sent >= len(e.out), nil
}

// SenMLDecoder pulls Records out of an incoming SenML+CBOR payload,
// resolving each record's absolute path against the document's base-name.
type SenMLDecoder struct {
	dec      *cbor.Decoder
	entered  bool
	baseName Path
	baseTime time.Time
	done     bool
}

// NewSenMLDecoder creates a decoder ready for FeedPayload.
func NewSenMLDecoder() *SenMLDecoder {
	return &SenMLDecoder{dec: cbor.NewDecoder(decoderNesting)}
}

func (d *SenMLDecoder) FeedPayload(data []byte, final bool) {
	d.dec.FeedPayload(data, final)
}

// NextRecord decodes the next SenML record, returning io.EOF once the outer
// array is exhausted.
func (d *SenMLDecoder) NextRecord() (Record, error) {
	if d.done {
		return Record{}, io.EOF
	}
	if !d.entered {
		if err := d.dec.EnterArray(); err != nil {
			return Record{}, err
		}
		d.entered = true
	}
	more, err := d.dec.NextArrayItem()
	if err != nil {
		return Record{}, err
	}
	if !more {
		d.done = true
		return Record{}, io.EOF
	}

	if err := d.dec.EnterMap(); err != nil {
		return Record{}, err
	}
	rec := Record{}
	var name string
	haveName := false
	var haveTime bool
	var recTime time.Time
	for {
		more, err := d.dec.NextMapEntry()
		if err != nil {
			return Record{}, err
		}
		if !more {
			break
		}
		intLabel, strLabel, isStr, err := d.readLabel()
		if err != nil {
			return Record{}, err
		}
		if isStr {
			if strLabel == senmlObjLink {
				s, err := d.dec.ReadFullText(256)
				if err != nil {
					return Record{}, err
				}
				o, i, err := ParseObjectLinkString(s)
				if err != nil {
					return Record{}, err
				}
				rec.Value, rec.HasValue = ObjLinkValue(o, i), true
			} else if err := d.dec.SkipValue(); err != nil {
				return Record{}, err
			}
			continue
		}
		switch intLabel {
		case senmlBaseName:
			s, err := d.dec.ReadFullText(1024)
			if err != nil {
				return Record{}, err
			}
			p, err := ParsePath(s)
			if err != nil {
				return Record{}, err
			}
			d.baseName = p
		case senmlBaseTime:
			f, err := d.dec.ReadTaggedFloat()
			if err != nil {
				return Record{}, err
			}
			d.baseTime = floatSecondsToTime(f)
		case senmlName:
			s, err := d.dec.ReadFullText(1024)
			if err != nil {
				return Record{}, err
			}
			name, haveName = s, true
		case senmlTime:
			f, err := d.dec.ReadTaggedFloat()
			if err != nil {
				return Record{}, err
			}
			recTime, haveTime = floatSecondsToTime(f), true
		case senmlValue:
			v, err := readSenMLNumber(d.dec)
			if err != nil {
				return Record{}, err
			}
			rec.Value, rec.HasValue = v, true
		case senmlString:
			s, err := d.dec.ReadFullText(1 << 20)
			if err != nil {
				return Record{}, err
			}
			rec.Value, rec.HasValue = StringValue(s), true
		case senmlBool:
			b, err := d.dec.ReadBool()
			if err != nil {
				return Record{}, err
			}
			rec.Value, rec.HasValue = BoolValue(b), true
		case senmlOpaque:
			b, err := d.dec.ReadFullBytes(1 << 20)
			if err != nil {
				return Record{}, err
			}
			rec.Value, rec.HasValue = BytesValue(b), true
		default:
			if err := d.dec.SkipValue(); err != nil {
				return Record{}, err
			}
		}
	}

	full := d.baseName
	if haveName {
		p, err := ParsePath(name)
		if err != nil {
			return Record{}, err
		}
		for i := 0; i < p.Len(); i++ {
			full, err = full.Append(p.At(i))
			if err != nil {
				return Record{}, err
			}
		}
	}
	rec.Path = full
	if haveTime {
		rec.Time = &recTime
	} else if !d.baseTime.IsZero() {
		t := d.baseTime
		rec.Time = &t
	}
	return rec, nil
}

// readLabel reads a SenML map key, which is either a small integer (the
// common case) or a text string (for the "vlo" Object-Link extension).
func (d *SenMLDecoder) readLabel() (intLabel int64, strLabel string, isStr bool, err error) {
	t, err := d.dec.PeekType()
	if err != nil {
		return 0, "", false, err
	}
	if t == cbor.TypeText {
		s, err := d.dec.ReadFullText(64)
		return 0, s, true, err
	}
	v, err := d.dec.ReadInt64()
	return v, "", false, err
}

// readSenMLNumber reads the "v" field, which may be encoded as an integer
// or a float depending on what the sender chose. A non-negative integer
// that fits int64 comes back as KindInt64 with Uint holding the same
// value; a larger one comes back as KindUint64.
func readSenMLNumber(dec *cbor.Decoder) (Value, error) {
	t, err := dec.PeekType()
	if err != nil {
		return Value{}, err
	}
	switch t {
	case cbor.TypeUnsigned:
		v, err := dec.ReadUint()
		if v <= math.MaxInt64 {
			return Value{Kind: KindInt64, Int: int64(v), Uint: v}, err
		}
		return Uint64Value(v), err
	case cbor.TypeNegative:
		v, err := dec.ReadInt64()
		return Int64Value(v), err
	default:
		v, err := dec.ReadTaggedFloat()
		return DoubleValue(v), err
	}
}

func floatSecondsToTime(f float64) time.Time {
	secs := int64(f)
	nanos := int64((f - float64(secs)) * 1e9)
	return time.Unix(secs, nanos).UTC()
}
