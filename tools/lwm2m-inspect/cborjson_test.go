package main

import (
	"testing"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawCBORToJSONIntegerKeysBecomeStrings(t *testing.T) {
	doc := map[interface{}]interface{}{
		0: "Acme",
		1: int64(5),
	}
	data, err := cbor.Marshal(doc)
	require.NoError(t, err)

	out, err := rawCBORToJSON(data)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"0": "Acme"`)
	assert.Contains(t, string(out), `"1": 5`)
}

func TestRawCBORToJSONNestedMapsAndByteStrings(t *testing.T) {
	doc := map[interface{}]interface{}{
		"bn": "/3/0/",
		"bytes": []byte{0xde, 0xad},
		"nested": map[interface{}]interface{}{
			2: "value",
		},
	}
	data, err := cbor.Marshal(doc)
	require.NoError(t, err)

	out, err := rawCBORToJSON(data)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"bn": "/3/0/"`)
	assert.Contains(t, string(out), `h'dead'`)
	assert.Contains(t, string(out), `"2": "value"`)
}

func TestRawCBORToJSONMalformedInputErrors(t *testing.T) {
	_, err := rawCBORToJSON([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
