package lwm2mio

import (
	"io"

	"github.com/anj-go/lwm2m/pkg/cbor"
	"github.com/anj-go/lwm2m/pkg/coap/wire"
)

// Plain CBOR (content format 60) carries exactly one resource value with no
// path wrapper at all: a bare CBOR item. Only single-record Read/Write
// operations on a single resource use it.

// CBOREncoder writes one Record's value as a bare CBOR item.
type CBOREncoder struct {
	out  []byte
	sent int
}

func (e *CBOREncoder) Reset(records []Record) error {
	e.out, e.sent = nil, 0
	if len(records) != 1 {
		return ErrFormat
	}
	out, err := encodeWithGrowth(64, func(w *wire.Cursor) error {
		return writeSenMLValueBare(w, records[0].Value)
	})
	if err != nil {
		return err
	}
	e.out = out
	return nil
}

func (e *CBOREncoder) GetPayload(buf []byte) (n int, done bool, err error) {
	n = copy(buf, e.out[e.sent:])
	e.sent += n
	return n, e.sent >= len(e.out), nil
}

// CBORDecoder decodes a bare CBOR item against a caller-supplied path (the
// request URI, since the payload carries no path of its own).
type CBORDecoder struct {
	dec  *cbor.Decoder
	path Path
	done bool
}

func NewCBORDecoder(path Path) *CBORDecoder {
	return &CBORDecoder{dec: cbor.NewDecoder(decoderNesting), path: path}
}

func (d *CBORDecoder) FeedPayload(data []byte, final bool) { d.dec.FeedPayload(data, final) }

func (d *CBORDecoder) NextRecord() (Record, error) {
	if d.done {
		return Record{}, io.EOF
	}
	v, err := readAnyValue(d.dec)
	if err != nil {
		return Record{}, err
	}
	d.done = true
	return Record{Path: d.path, Value: v, HasValue: true}, nil
}
