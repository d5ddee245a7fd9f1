package lwm2mio

import (
	"io"

	"github.com/anj-go/lwm2m/pkg/cbor"
)

// Opaque (content format 42) carries exactly one resource's raw bytes with
// no framing at all, so unlike every other format in this package its
// encoder can stream an ExternalData source lazily, one GetPayload call at
// a time, instead of draining it into a buffer up front.

// OpaqueEncoder streams a single Record's byte value.
type OpaqueEncoder struct {
	rec      Record
	external bool
	opened   bool
	buf      []byte
	bufPos   int
	offset   int64
	srcDone  bool
}

func (e *OpaqueEncoder) Reset(records []Record) error {
	*e = OpaqueEncoder{}
	if len(records) != 1 {
		return ErrFormat
	}
	e.rec = records[0]
	if e.rec.Value.Kind == KindExternal {
		e.external = true
	} else if e.rec.Value.Kind != KindBytes {
		return ErrFormat
	}
	return nil
}

// GetPayload writes up to len(buf) bytes and reports done once the value is
// fully drained.
func (e *OpaqueEncoder) GetPayload(buf []byte) (n int, done bool, err error) {
	if !e.external {
		b := e.rec.Value.Bytes
		n = copy(buf, b[e.bufPos:])
		e.bufPos += n
		return n, e.bufPos >= len(b), nil
	}
	if !e.opened {
		if err := e.rec.Value.External.Open(); err != nil {
			return 0, false, err
		}
		e.opened = true
	}
	total := 0
	for total < len(buf) {
		if e.bufPos < len(e.buf) {
			c := copy(buf[total:], e.buf[e.bufPos:])
			total += c
			e.bufPos += c
			continue
		}
		if e.srcDone {
			break
		}
		chunk := make([]byte, externalChunkSize)
		n, more, err := e.rec.Value.External.GetExternalData(chunk, e.offset)
		if err != nil {
			return total, false, err
		}
		e.offset += int64(n)
		e.buf, e.bufPos = chunk[:n], 0
		if !more {
			e.srcDone = true
		}
	}
	done = e.srcDone && e.bufPos >= len(e.buf)
	if done {
		e.rec.Value.External.Close()
	}
	return total, done, nil
}

// OpaqueDecoder accumulates a single resource's raw bytes.
type OpaqueDecoder struct {
	path Path
	buf  []byte
	max  int
	done bool
	fed  bool
}

// NewOpaqueDecoder creates a decoder bounding the accumulated value to
// maxBytes.
func NewOpaqueDecoder(path Path, maxBytes int) *OpaqueDecoder {
	return &OpaqueDecoder{path: path, max: maxBytes}
}

func (d *OpaqueDecoder) FeedPayload(data []byte, final bool) {
	d.buf = append(d.buf, data...)
	if final {
		d.fed = true
	}
}

func (d *OpaqueDecoder) NextRecord() (Record, error) {
	if d.done {
		return Record{}, io.EOF
	}
	if !d.fed {
		return Record{}, cbor.ErrWantNextPayload
	}
	if len(d.buf) > d.max {
		return Record{}, ErrFormat
	}
	d.done = true
	return Record{Path: d.path, Value: BytesValue(d.buf), HasValue: true}, nil
}
