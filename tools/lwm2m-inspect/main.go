// Command lwm2m-inspect decodes a raw LwM2M payload (read from a file or
// stdin) in one of the content formats pkg/lwm2mio implements and prints
// the resulting records as JSON, for debugging what a server or client
// actually put on the wire. Grounded on the teacher's cmd/coap tool, which
// plays a similar role for the Matrix low-bandwidth transport.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/anj-go/lwm2m/pkg/lwm2mio"
)

func main() {
	format := flag.String("format", "senml-cbor", "content format: senml-cbor, lwm2m-cbor, cbor, tlv, opaque, plaintext, raw-cbor")
	path := flag.String("path", "", "base path for formats that need one (lwm2m-cbor, cbor, tlv, opaque, plaintext), e.g. 3/0")
	kind := flag.String("kind", "string", "plaintext value kind: int64, uint64, double, bool, string, time")
	in := flag.String("in", "-", "input file, or - for stdin")
	flag.Parse()

	data, err := readInput(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwm2m-inspect: reading input: %v\n", err)
		os.Exit(1)
	}

	if *format == "raw-cbor" {
		out, err := rawCBORToJSON(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lwm2m-inspect: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	base, err := parseBasePath(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwm2m-inspect: parsing -path: %v\n", err)
		os.Exit(1)
	}

	dec, err := newDecoder(*format, base, *kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwm2m-inspect: %v\n", err)
		os.Exit(1)
	}

	records, err := decodeAll(dec, data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwm2m-inspect: decoding: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(recordsToJSON(records), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwm2m-inspect: rendering: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return ioutil.ReadAll(os.Stdin)
	}
	return ioutil.ReadFile(path)
}

func parseBasePath(s string) (lwm2mio.Path, error) {
	if s == "" {
		return lwm2mio.Path{}, nil
	}
	return lwm2mio.ParsePath(s)
}

func newDecoder(format string, base lwm2mio.Path, kindName string) (lwm2mio.RecordDecoder, error) {
	switch format {
	case "senml-cbor":
		return lwm2mio.NewSenMLDecoder(), nil
	case "lwm2m-cbor":
		return lwm2mio.NewLwM2MCBORDecoder(base), nil
	case "cbor":
		return lwm2mio.NewCBORDecoder(base), nil
	case "tlv":
		return lwm2mio.NewTLVDecoder(base), nil
	case "opaque":
		return lwm2mio.NewOpaqueDecoder(base, 16<<20), nil
	case "plaintext":
		k, err := parseKind(kindName)
		if err != nil {
			return nil, err
		}
		return lwm2mio.NewPlainTextDecoder(base, k), nil
	default:
		return nil, fmt.Errorf("unknown -format %q", format)
	}
}

func parseKind(name string) (lwm2mio.ValueKind, error) {
	switch name {
	case "int64":
		return lwm2mio.KindInt64, nil
	case "uint64":
		return lwm2mio.KindUint64, nil
	case "double":
		return lwm2mio.KindDouble, nil
	case "bool":
		return lwm2mio.KindBool, nil
	case "string":
		return lwm2mio.KindString, nil
	case "time":
		return lwm2mio.KindTime, nil
	default:
		return lwm2mio.KindNone, fmt.Errorf("unknown -kind %q", name)
	}
}

func decodeAll(dec lwm2mio.RecordDecoder, data []byte) ([]lwm2mio.Record, error) {
	dec.FeedPayload(data, true)
	var out []lwm2mio.Record
	for {
		rec, err := dec.NextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// recordJSON is the JSON rendering of one decoded record; Value is left
// untyped so it serializes to whatever native JSON type the underlying
// Go value already is.
type recordJSON struct {
	Path  string      `json:"path"`
	Label string      `json:"label,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Time  *time.Time  `json:"time,omitempty"`
}

func recordsToJSON(records []lwm2mio.Record) []recordJSON {
	out := make([]recordJSON, 0, len(records))
	for _, rec := range records {
		rj := recordJSON{Path: rec.Path.String(), Label: resourcePathLabels[rec.Path.String()], Time: rec.Time}
		if rec.HasValue {
			rj.Value = valueToJSON(rec.Value)
		}
		out = append(out, rj)
	}
	return out
}

func valueToJSON(v lwm2mio.Value) interface{} {
	switch v.Kind {
	case lwm2mio.KindInt64:
		return v.Int
	case lwm2mio.KindUint64:
		return v.Uint
	case lwm2mio.KindDouble:
		return v.Double
	case lwm2mio.KindBool:
		return v.Bool
	case lwm2mio.KindString:
		return v.Str
	case lwm2mio.KindBytes:
		return "h'" + hexEncode(v.Bytes) + "'"
	case lwm2mio.KindObjLink:
		return strconv.Itoa(int(v.Link.ObjectID)) + ":" + strconv.Itoa(int(v.Link.InstanceID))
	case lwm2mio.KindTime:
		return v.Time
	case lwm2mio.KindExternal:
		return "<external>"
	default:
		return nil
	}
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}
