package lwm2mio

import (
	"io"
	"strconv"
	"time"

	"github.com/anj-go/lwm2m/pkg/cbor"
)

// Plain text (content format 0) renders a single resource's value as
// human-readable text, per the OMA type-to-text table: integers and floats
// in decimal, booleans as "0"/"1", time as a decimal Unix timestamp,
// strings verbatim.

// PlainTextEncoder renders one Record's value as text.
type PlainTextEncoder struct {
	out  []byte
	sent int
}

func (e *PlainTextEncoder) Reset(records []Record) error {
	e.out, e.sent = nil, 0
	if len(records) != 1 {
		return ErrFormat
	}
	s, err := renderPlainText(records[0].Value)
	if err != nil {
		return err
	}
	e.out = []byte(s)
	return nil
}

func (e *PlainTextEncoder) GetPayload(buf []byte) (n int, done bool, err error) {
	n = copy(buf, e.out[e.sent:])
	e.sent += n
	return n, e.sent >= len(e.out), nil
}

func renderPlainText(v Value) (string, error) {
	switch v.Kind {
	case KindInt64:
		return strconv.FormatInt(v.Int, 10), nil
	case KindUint64:
		return strconv.FormatUint(v.Uint, 10), nil
	case KindDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64), nil
	case KindBool:
		if v.Bool {
			return "1", nil
		}
		return "0", nil
	case KindString:
		return v.Str, nil
	case KindTime:
		return strconv.FormatInt(v.Time.Unix(), 10), nil
	case KindObjLink:
		return ObjectLinkString(v.Link.ObjectID, v.Link.InstanceID), nil
	default:
		return "", ErrFormat
	}
}

// PlainTextDecoder parses accumulated text against an expected ValueKind,
// since the plain-text wire form carries no type tag of its own; the
// caller (the data model's resource type registry) supplies what kind the
// target resource expects.
type PlainTextDecoder struct {
	path Path
	kind ValueKind
	buf  []byte
	fed  bool
	done bool
}

// NewPlainTextDecoder creates a decoder that parses the eventual text
// payload as kind (one of KindInt64, KindUint64, KindDouble, KindBool,
// KindString, KindTime, KindObjLink).
func NewPlainTextDecoder(path Path, kind ValueKind) *PlainTextDecoder {
	return &PlainTextDecoder{path: path, kind: kind}
}

func (d *PlainTextDecoder) FeedPayload(data []byte, final bool) {
	d.buf = append(d.buf, data...)
	if final {
		d.fed = true
	}
}

func (d *PlainTextDecoder) NextRecord() (Record, error) {
	if d.done {
		return Record{}, io.EOF
	}
	if !d.fed {
		return Record{}, cbor.ErrWantNextPayload
	}
	v, err := parsePlainText(string(d.buf), d.kind)
	if err != nil {
		return Record{}, err
	}
	d.done = true
	return Record{Path: d.path, Value: v, HasValue: true}, nil
}

func parsePlainText(s string, kind ValueKind) (Value, error) {
	switch kind {
	case KindInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, ErrFormat
		}
		return Int64Value(n), nil
	case KindUint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Value{}, ErrFormat
		}
		return Uint64Value(n), nil
	case KindDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, ErrFormat
		}
		return DoubleValue(f), nil
	case KindBool:
		switch s {
		case "0", "false":
			return BoolValue(false), nil
		case "1", "true":
			return BoolValue(true), nil
		default:
			return Value{}, ErrFormat
		}
	case KindString:
		return StringValue(s), nil
	case KindTime:
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, ErrFormat
		}
		return TimeValue(time.Unix(secs, 0).UTC()), nil
	case KindObjLink:
		o, i, err := ParseObjectLinkString(s)
		if err != nil {
			return Value{}, ErrFormat
		}
		return ObjLinkValue(o, i), nil
	default:
		return Value{}, ErrFormat
	}
}
