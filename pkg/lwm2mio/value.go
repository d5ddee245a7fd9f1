package lwm2mio

import "time"

// ValueKind tags the variant held by a Value, the sum type spec.md §6 names
// for the data-model interface: {int64, uint64, double, bool, string,
// bytes, objlink, time}.
type ValueKind int

const (
	KindNone ValueKind = iota
	KindInt64
	KindUint64
	KindDouble
	KindBool
	KindString
	KindBytes
	KindObjLink
	KindTime
	KindExternal
)

// ObjLink is an Object/Instance pair value (SenML+CBOR label "vlo",
// rendered on the wire as "oid:iid").
type ObjLink struct {
	ObjectID   uint16
	InstanceID uint16
}

// ExternalData is the pull-model callback triple spec.md §4.6.3/§6 uses to
// stream a byte or text string value larger than fits comfortably in
// memory, without the content-format encoder ever holding the whole value.
type ExternalData interface {
	// Open is called once before the first GetExternalData call.
	Open() error
	// GetExternalData fills buf starting at offset and returns how many
	// bytes were written and whether more data follows.
	GetExternalData(buf []byte, offset int64) (n int, more bool, err error)
	// Close is called once after the value has been fully read (or the
	// encode is aborted).
	Close() error
}

// Value is the tagged union of resource value types this codec layer
// reads and writes.
type Value struct {
	Kind ValueKind

	Int    int64
	Uint   uint64
	Double float64
	Bool   bool
	Str    string
	Bytes  []byte
	Link   ObjLink
	Time   time.Time

	// External holds a streaming source for Kind == KindExternal; IsText
	// says whether it should be framed as a CBOR text string (major 3) or
	// byte string (major 2).
	External ExternalData
	IsText   bool
}

func Int64Value(v int64) Value    { return Value{Kind: KindInt64, Int: v} }
func Uint64Value(v uint64) Value  { return Value{Kind: KindUint64, Uint: v} }
func DoubleValue(v float64) Value { return Value{Kind: KindDouble, Double: v} }
func BoolValue(v bool) Value      { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value  { return Value{Kind: KindString, Str: v} }
func BytesValue(v []byte) Value   { return Value{Kind: KindBytes, Bytes: v} }
func ObjLinkValue(o, i uint16) Value {
	return Value{Kind: KindObjLink, Link: ObjLink{ObjectID: o, InstanceID: i}}
}
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t} }

// AsDouble attempts a lossless-enough numeric conversion for gt/lt/st
// threshold comparisons (§4.10); ok is false for non-numeric kinds.
func (v Value) AsDouble() (f float64, ok bool) {
	switch v.Kind {
	case KindInt64:
		return float64(v.Int), true
	case KindUint64:
		return float64(v.Uint), true
	case KindDouble:
		return v.Double, true
	default:
		return 0, false
	}
}

// Record is one (path, value) pair as produced or consumed by a
// content-format codec. HasValue is false for composite Read/Observe
// requests, which enumerate paths without values.
type Record struct {
	Path     Path
	Value    Value
	HasValue bool
	Time     *time.Time
}
