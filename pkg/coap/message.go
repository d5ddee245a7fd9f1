package coap

import (
	"errors"

	"github.com/anj-go/lwm2m/pkg/coap/wire"
)

// Type is the UDP message type (RFC 7252 section 3).
type Type uint8

const (
	TypeConfirmable    Type = 0
	TypeNonConfirmable Type = 1
	TypeAck            Type = 2
	TypeReset          Type = 3
)

// Token identifies an exchange; 0..8 opaque bytes, compared byte-exact at
// matching length.
type Token []byte

// Equal reports byte-exact equality at matching length.
func (t Token) Equal(other Token) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i] != other[i] {
			return false
		}
	}
	return true
}

// ErrIncomplete is returned by DecodeTCP when the supplied buffer does not
// yet contain a whole frame.
var ErrIncomplete = errors.New("coap: incomplete TCP frame")

// MaxTokenLen is the RFC 7252 token length ceiling.
const MaxTokenLen = 8

// Message is the decoded, transport-agnostic representation of one CoAP
// message. Version/Type/MessageID only apply to UDP framing; TCP framing
// leaves them zero.
type Message struct {
	Version   uint8
	Type      Type
	Code      Code
	MessageID uint16
	Token     Token
	Options   *Options
	Payload   []byte
}

func optionsOrEmpty(o *Options) *Options {
	if o == nil {
		return NewOptions(0)
	}
	return o
}

// EncodeUDP serializes m into an RFC 7252 UDP datagram using buf as scratch
// space; it fails with wire.ErrBuf if buf cannot hold the result.
func EncodeUDP(m *Message, buf []byte) ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, ErrFormat
	}
	w := wire.NewCursor(buf)
	first := byte(1<<6) | byte(uint8(m.Type)<<4) | byte(len(m.Token))
	if err := w.AppendByte(first); err != nil {
		return nil, err
	}
	if err := w.AppendByte(byte(m.Code)); err != nil {
		return nil, err
	}
	if err := w.AppendUint(uint64(m.MessageID), 2); err != nil {
		return nil, err
	}
	if err := w.AppendBytes(m.Token); err != nil {
		return nil, err
	}
	if err := optionsOrEmpty(m.Options).Encode(w); err != nil {
		return nil, err
	}
	if len(m.Payload) > 0 {
		if err := w.AppendByte(0xFF); err != nil {
			return nil, err
		}
		if err := w.AppendBytes(m.Payload); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// DecodeUDP parses one RFC 7252 UDP datagram. It validates the structural
// rules spec.md §4.2 calls out: version must be 1, token length 0..8, Reset
// must carry the empty code, Ack must not carry a request code, and a
// Non-Confirmable message may not carry the empty code (that combination is
// reserved for the Confirmable ping / Reset pong).
func DecodeUDP(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrFormat
	}
	first := data[0]
	version := first >> 6
	typ := Type((first >> 4) & 0x3)
	tkl := int(first & 0x0f)
	if version != 1 {
		return nil, ErrFormat
	}
	if tkl > MaxTokenLen {
		return nil, ErrFormat
	}
	code := Code(data[1])
	msgID := uint16(data[2])<<8 | uint16(data[3])
	pos := 4
	if pos+tkl > len(data) {
		return nil, ErrFormat
	}
	token := Token(append([]byte(nil), data[pos:pos+tkl]...))
	pos += tkl

	if typ == TypeReset && code != Empty {
		return nil, ErrFormat
	}
	if typ == TypeAck && code.IsRequest() {
		return nil, ErrFormat
	}
	if typ == TypeNonConfirmable && code == Empty {
		return nil, ErrFormat
	}

	if code == Empty {
		if pos != len(data) {
			return nil, ErrFormat
		}
		return &Message{Version: 1, Type: typ, Code: code, MessageID: msgID, Token: token, Options: NewOptions(0)}, nil
	}

	opts, n, err := DecodeOptions(data[pos:], 0)
	if err != nil {
		return nil, err
	}
	newPos := pos + n
	var payload []byte
	if n > 0 && data[newPos-1] == 0xFF {
		payload = append([]byte(nil), data[newPos:]...)
	} else if newPos != len(data) {
		return nil, ErrFormat
	}
	return &Message{
		Version:   1,
		Type:      typ,
		Code:      code,
		MessageID: msgID,
		Token:     token,
		Options:   opts,
		Payload:   payload,
	}, nil
}

// tcpLenExt1, tcpLenExt2 and tcpLenExt4 are the RFC 8323 length-extension
// biases.
const (
	tcpLenExt1 = 13
	tcpLenExt2 = 269
	tcpLenExt4 = 65805
)

// EncodeTCP serializes m into an RFC 8323 TCP frame using buf as scratch
// space.
func EncodeTCP(m *Message, buf []byte) ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, ErrFormat
	}
	var optBuf [4096]byte
	ow := wire.NewCursor(optBuf[:])
	if err := optionsOrEmpty(m.Options).Encode(ow); err != nil {
		return nil, err
	}
	optBytes := ow.Bytes()
	length := len(optBytes)
	if len(m.Payload) > 0 {
		length += 1 + len(m.Payload)
	}

	w := wire.NewCursor(buf)
	var lenNibble uint8
	var ext uint64
	var extLen int
	switch {
	case length < tcpLenExt1:
		lenNibble = uint8(length)
	case length < tcpLenExt2:
		lenNibble = 13
		ext = uint64(length - tcpLenExt1)
		extLen = 1
	case length < tcpLenExt4:
		lenNibble = 14
		ext = uint64(length - tcpLenExt2)
		extLen = 2
	default:
		lenNibble = 15
		ext = uint64(length - tcpLenExt4)
		extLen = 4
	}
	if err := w.AppendByte(byte(lenNibble<<4) | byte(len(m.Token))); err != nil {
		return nil, err
	}
	if extLen > 0 {
		if err := w.AppendUint(ext, extLen); err != nil {
			return nil, err
		}
	}
	if err := w.AppendByte(byte(m.Code)); err != nil {
		return nil, err
	}
	if err := w.AppendBytes(m.Token); err != nil {
		return nil, err
	}
	if err := w.AppendBytes(optBytes); err != nil {
		return nil, err
	}
	if len(m.Payload) > 0 {
		if err := w.AppendByte(0xFF); err != nil {
			return nil, err
		}
		if err := w.AppendBytes(m.Payload); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// DecodeTCP parses one RFC 8323 TCP frame from the front of data. If data
// does not yet contain a complete frame it returns ErrIncomplete and the
// caller should wait for more bytes. When data contains more
// than one frame, DecodeTCP returns the first message plus the byte offset
// at which the next frame begins, so callers can pipeline without
// re-scanning consumed bytes.
func DecodeTCP(data []byte) (m *Message, consumed int, err error) {
	if len(data) < 1 {
		return nil, 0, ErrIncomplete
	}
	first := data[0]
	lenNibble := uint32(first >> 4)
	tkl := int(first & 0x0f)
	if tkl > MaxTokenLen {
		return nil, 0, ErrFormat
	}
	pos := 1
	var length uint32
	switch {
	case lenNibble < 13:
		length = lenNibble
	case lenNibble == 13:
		if len(data) < pos+1 {
			return nil, 0, ErrIncomplete
		}
		length = uint32(data[pos]) + tcpLenExt1
		pos++
	case lenNibble == 14:
		if len(data) < pos+2 {
			return nil, 0, ErrIncomplete
		}
		length = uint32(data[pos])<<8 | uint32(data[pos+1])
		length += tcpLenExt2
		pos += 2
	case lenNibble == 15:
		if len(data) < pos+4 {
			return nil, 0, ErrIncomplete
		}
		length = uint32(data[pos])<<24 | uint32(data[pos+1])<<16 | uint32(data[pos+2])<<8 | uint32(data[pos+3])
		length += tcpLenExt4
		pos += 4
	}
	if len(data) < pos+1 {
		return nil, 0, ErrIncomplete
	}
	code := Code(data[pos])
	pos++
	if len(data) < pos+tkl {
		return nil, 0, ErrIncomplete
	}
	token := Token(append([]byte(nil), data[pos:pos+tkl]...))
	pos += tkl

	total := pos + int(length)
	if len(data) < total {
		return nil, 0, ErrIncomplete
	}
	body := data[pos:total]

	opts, n, err := DecodeOptions(body, 0)
	if err != nil {
		return nil, 0, err
	}
	var payload []byte
	if n > 0 && n <= len(body) && body[n-1] == 0xFF {
		payload = append([]byte(nil), body[n:]...)
	} else if n != len(body) {
		return nil, 0, ErrFormat
	}
	return &Message{
		Code:    code,
		Token:   token,
		Options: opts,
		Payload: payload,
	}, total, nil
}
