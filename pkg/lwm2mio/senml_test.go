package lwm2mio

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAll(t *testing.T, enc RecordEncoder, records []Record) []byte {
	t.Helper()
	require.NoError(t, enc.Reset(records))
	var out []byte
	buf := make([]byte, 64)
	for {
		n, done, err := enc.GetPayload(buf)
		require.NoError(t, err)
		out = append(out, buf[:n]...)
		if done {
			break
		}
	}
	return out
}

func decodeAll(t *testing.T, dec RecordDecoder, payload []byte) []Record {
	t.Helper()
	dec.FeedPayload(payload, true)
	var out []Record
	for {
		rec, err := dec.NextRecord()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestSenMLRoundTripMixedValueKinds(t *testing.T) {
	p0, _ := NewPath(3, 0, 0)
	p1, _ := NewPath(3, 0, 1)
	p2, _ := NewPath(3, 0, 9)
	records := []Record{
		{Path: p0, Value: StringValue("Acme"), HasValue: true},
		{Path: p1, Value: StringValue("Widget"), HasValue: true},
		{Path: p2, Value: Int64Value(87), HasValue: true},
	}

	payload := encodeAll(t, &SenMLEncoder{}, records)
	got := decodeAll(t, NewSenMLDecoder(), payload)

	require.Len(t, got, 3)
	for i, want := range records {
		assert.Equal(t, want.Path.String(), got[i].Path.String())
		assert.Equal(t, want.Value.Kind, got[i].Value.Kind)
		switch want.Value.Kind {
		case KindString:
			assert.Equal(t, want.Value.Str, got[i].Value.Str)
		case KindInt64:
			assert.Equal(t, want.Value.Int, got[i].Value.Int)
		}
	}
}

func TestSenMLRoundTripBoolAndDouble(t *testing.T) {
	p0, _ := NewPath(3, 0, 2)
	p1, _ := NewPath(3, 0, 3)
	records := []Record{
		{Path: p0, Value: BoolValue(true), HasValue: true},
		{Path: p1, Value: DoubleValue(3.5), HasValue: true},
	}
	payload := encodeAll(t, &SenMLEncoder{}, records)
	got := decodeAll(t, NewSenMLDecoder(), payload)
	require.Len(t, got, 2)
	assert.Equal(t, true, got[0].Value.Bool)
	assert.InDelta(t, 3.5, got[1].Value.Double, 0.0001)
}

func TestTLVRoundTrip(t *testing.T) {
	base, _ := NewPath(3, 0)
	p0, _ := NewPath(3, 0, 0)
	p1, _ := NewPath(3, 0, 1)
	records := []Record{
		{Path: p0, Value: StringValue("Acme"), HasValue: true},
		{Path: p1, Value: Int64Value(5), HasValue: true},
	}
	payload := encodeAll(t, &TLVEncoder{}, records)
	got := decodeAll(t, NewTLVDecoder(base), payload)
	require.Len(t, got, 2)
	assert.Equal(t, "/3/0/0", got[0].Path.String())
	assert.Equal(t, "Acme", got[0].Value.Str)
	assert.Equal(t, "/3/0/1", got[1].Path.String())
	assert.EqualValues(t, 5, got[1].Value.Int)
}

func TestPlainTextRoundTrip(t *testing.T) {
	p, _ := NewPath(3, 0, 9)
	records := []Record{{Path: p, Value: Int64Value(42), HasValue: true}}
	payload := encodeAll(t, &PlainTextEncoder{}, records)
	assert.Equal(t, "42", string(payload))

	got := decodeAll(t, NewPlainTextDecoder(p, KindInt64), payload)
	require.Len(t, got, 1)
	assert.EqualValues(t, 42, got[0].Value.Int)
}

func TestOpaqueRoundTrip(t *testing.T) {
	p, _ := NewPath(3, 0, 1)
	records := []Record{{Path: p, Value: BytesValue([]byte{1, 2, 3, 4}), HasValue: true}}
	payload := encodeAll(t, &OpaqueEncoder{}, records)
	got := decodeAll(t, NewOpaqueDecoder(p, 1024), payload)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, got[0].Value.Bytes)
}

func TestParsePathRoundTrip(t *testing.T) {
	p, err := ParsePath("3/0/9")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, uint16(3), p.ObjectID())
	assert.Equal(t, uint16(0), p.InstanceID())
	assert.Equal(t, uint16(9), p.ResourceID())
	assert.Equal(t, "/3/0/9", p.String())
}
