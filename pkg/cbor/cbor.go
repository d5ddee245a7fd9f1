// Package cbor implements the low-level CBOR primitives the LwM2M content
// formats (SenML+CBOR, LwM2M+CBOR, plain CBOR) are built from: a stateless
// chunked encoder and a re-entrant pull-model decoder, per spec.md §4.5.
//
// Deliberate simplification from the Anjay-lite original this was ported
// from (recorded in DESIGN.md): the original's decoder holds at most 9
// unconsumed bytes of read-ahead in a fixed-size ring to absorb an item
// header split across two calls to feed_payload. This port instead keeps a
// single growable byte slice of whatever has been fed but not yet
// consumed, which in practice never holds more than one header's worth of
// bytes (<=9) plus a string's current sub-chunk, since large string bodies
// are always drained with StringChunk before more payload is fed. The
// external pull contract (FeedPayload/ErrWantNextPayload) is preserved
// exactly; only the internal buffering strategy is the idiomatic-Go slice
// rather than a hand-rolled ring.
package cbor

import (
	"errors"
)

// ErrWantNextPayload is returned by any read operation that ran out of fed
// input mid-item; the caller should FeedPayload more bytes and retry.
var ErrWantNextPayload = errors.New("cbor: want next payload")

// ErrFormat covers malformed CBOR: a reserved additional-info value, a
// break byte outside an indefinite-length container, an integer that
// cannot be losslessly converted, or running past the declared final
// payload.
var ErrFormat = errors.New("cbor: malformed input")

// ErrNesting is returned when a document nests arrays/maps/indefinite
// strings deeper than the decoder's configured limit.
var ErrNesting = errors.New("cbor: nesting too deep")

// ErrLogic indicates the decoder API was called out of sequence (e.g.
// StringChunk without a preceding EnterByteString).
var ErrLogic = errors.New("cbor: invalid call sequence")

// MajorType is the 3-bit CBOR major type.
type MajorType uint8

const (
	MajorUnsigned MajorType = 0
	MajorNegative MajorType = 1
	MajorBytes    MajorType = 2
	MajorText     MajorType = 3
	MajorArray    MajorType = 4
	MajorMap      MajorType = 5
	MajorTag      MajorType = 6
	MajorSimple   MajorType = 7
)

// ValueType is the decoder's notion of "what's next", used by PeekType for
// non-consuming inspection.
type ValueType int

const (
	TypeUnsigned ValueType = iota
	TypeNegative
	TypeBytes
	TypeText
	TypeArray
	TypeMap
	TypeTag
	TypeBool
	TypeFloat
	TypeNull
	TypeUndefined
	TypeBreak
)

// Well-known tag numbers this codec interprets.
const (
	TagEpochTime      uint64 = 1
	TagDecimalFraction uint64 = 4
	TagStringTime     uint64 = 0
)
