package main

import (
	"fmt"
	"reflect"
	"sort"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// resourcePathLabels annotates a handful of well-known resource paths with
// a human name, the way a real debug dump would, without needing a live
// Object/Resource definition registry to look the name up.
var resourcePathLabels = map[string]string{
	"3/0/0":  "Manufacturer",
	"3/0/1":  "Model Number",
	"3/0/2":  "Serial Number",
	"3/0/16": "Binding Modes",
	"1/0/0":  "Short Server ID",
	"1/0/1":  "Lifetime",
	"1/0/7":  "Binding",
}

// rawCBORToJSON decodes a single raw CBOR document into an interface tree
// and renders it as indented JSON, for inspecting a payload pkg/lwm2mio
// rejected as malformed rather than the well-formed records it would
// otherwise produce.
func rawCBORToJSON(input []byte) ([]byte, error) {
	var intermediate interface{}
	if err := cbor.Unmarshal(input, &intermediate); err != nil {
		return nil, fmt.Errorf("rawCBORToJSON: unmarshalling cbor: %w", err)
	}
	intermediate = cborInterfaceToJSONInterface(intermediate)
	return json.MarshalIndent(intermediate, "", "  ")
}

// cborInterfaceToJSONInterface walks a tree produced by cbor.Unmarshal into
// interface{} and turns it into one JSON can represent: CBOR maps may carry
// integer keys (resource/instance IDs as SenML+CBOR/LwM2M+CBOR labels),
// which JSON objects cannot, so integer keys are rendered as decimal
// strings.
func cborInterfaceToJSONInterface(cborInt interface{}) interface{} {
	// cbor.Unmarshal into interface{} maps to:
	// CBOR booleans decode to bool.
	// CBOR positive integers decode to uint64.
	// CBOR negative integers decode to int64.
	// CBOR floating points decode to float64.
	// CBOR byte strings decode to []byte.
	// CBOR text strings decode to string.
	// CBOR arrays decode to []interface{}.
	// CBOR maps decode to map[interface{}]interface{}.
	// CBOR null decodes to nil.
	if cborInt == nil {
		return nil
	}
	thing := reflect.ValueOf(cborInt)
	switch thing.Type().Kind() {
	case reflect.Slice:
		if b, ok := cborInt.([]byte); ok {
			return fmt.Sprintf("h'%x'", b)
		}
		arr := cborInt.([]interface{})
		for i, element := range arr {
			arr[i] = cborInterfaceToJSONInterface(element)
		}
		return arr
	case reflect.Map:
		m := cborInt.(map[interface{}]interface{})
		result := make(map[string]interface{}, len(m))
		var intKeys []int
		intVals := make(map[int]interface{})
		var strKeys []string
		for k, v := range m {
			if kstr, ok := k.(string); ok {
				strKeys = append(strKeys, kstr)
				continue
			}
			if kint, ok := num(k); ok {
				intKeys = append(intKeys, kint)
				intVals[kint] = v
				continue
			}
		}
		sort.Ints(intKeys)
		sort.Strings(strKeys)
		for _, ik := range intKeys {
			result[fmt.Sprintf("%d", ik)] = cborInterfaceToJSONInterface(intVals[ik])
		}
		for _, sk := range strKeys {
			result[sk] = cborInterfaceToJSONInterface(m[sk])
		}
		return result
	default:
		return cborInt
	}
}

// num converts k into an int if it holds one of CBOR's decoded integer
// kinds.
func num(k interface{}) (kint int, ok bool) {
	switch v := k.(type) {
	case uint64:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
