package coap

import (
	"errors"
	"strings"
)

// ErrInputArg is returned when a recognized message's URI is not valid for
// the operation it otherwise maps to (spec.md §4.3's URI validation table).
var ErrInputArg = errors.New("coap: invalid URI for operation")

// Operation is one of the LwM2M server-initiated operations spec.md §4.3
// maps a decoded CoAP message onto.
type Operation int

const (
	OpUnknown Operation = iota
	OpDiscover
	OpRead
	OpObserveStart
	OpObserveCancel
	OpReadComposite
	OpObserveCompositeStart
	OpObserveCompositeCancel
	OpWriteReplace
	OpWriteAttributes
	OpBootstrapFinish
	OpCreate
	OpWritePartial
	OpExecute
	OpWriteComposite
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpDiscover:
		return "Discover"
	case OpRead:
		return "Read"
	case OpObserveStart:
		return "Observe-Start"
	case OpObserveCancel:
		return "Observe-Cancel"
	case OpReadComposite:
		return "Read-Composite"
	case OpObserveCompositeStart:
		return "Observe-Composite-Start"
	case OpObserveCompositeCancel:
		return "Observe-Composite-Cancel"
	case OpWriteReplace:
		return "Write-Replace"
	case OpWriteAttributes:
		return "Write-Attributes"
	case OpBootstrapFinish:
		return "Bootstrap-Finish"
	case OpCreate:
		return "Create"
	case OpWritePartial:
		return "Write-Partial"
	case OpExecute:
		return "Execute"
	case OpWriteComposite:
		return "Write-Composite"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// RecognizeInput is the subset of a decoded message the recognizer needs:
// fields pulled out of the CoAP options rather than the raw Options table,
// so callers (and tests) can construct it directly.
type RecognizeInput struct {
	Code Code
	// Path is the Uri-Path segments, e.g. []string{"3","0","1"}. A single
	// segment "bs" denotes the Bootstrap-Finish well-known path.
	Path []string
	// Observe is nil if the Observe option is absent; otherwise it is the
	// raw option bytes. Per spec.md §9 "open questions", any non-zero byte
	// sequence is treated as cancel (lenient, matching the source).
	Observe []byte
	// HasAccept/Accept and HasContentFormat/ContentFormat describe the
	// corresponding options, if present.
	HasAccept        bool
	Accept           ContentFormat
	HasContentFormat bool
	ContentFormat    ContentFormat
}

func isBootstrapFinishPath(path []string) bool {
	return len(path) == 1 && path[0] == "bs"
}

// uriKind classifies the Uri-Path depth as spec.md §4.3's table does.
type uriKind int

const (
	uriRoot uriKind = iota
	uriObject
	uriInstance
	uriResource
	uriResourceInstance
)

func classifyPath(path []string) uriKind {
	switch len(path) {
	case 0:
		return uriRoot
	case 1:
		return uriObject
	case 2:
		return uriInstance
	case 3:
		return uriResource
	default:
		return uriResourceInstance
	}
}

// observeValue returns the effective (leniently-parsed) Observe option
// value: 0 for a start (the canonical all-zero encoding), and "cancel" for
// any other non-empty byte sequence, matching the Anjay-lite source's
// leniency toward multi-byte Observe sequence numbers appearing in cancel
// requests.
func observeValue(raw []byte) (start bool, cancel bool) {
	for _, b := range raw {
		if b != 0 {
			return false, true
		}
	}
	return true, false
}

// Recognize maps a decoded CoAP message to the LwM2M operation it
// represents, validating the URI shape for that operation. It implements
// spec.md §4.3's full decision table.
func Recognize(in RecognizeInput) (Operation, error) {
	kind := classifyPath(in.Path)
	isLinkFormat := in.HasAccept && in.Accept == FormatLinkFormat

	switch in.Code {
	case GET:
		if isLinkFormat {
			if kind == uriResourceInstance {
				return OpUnknown, ErrInputArg
			}
			return OpDiscover, nil
		}
		if in.Observe != nil {
			start, cancel := observeValue(in.Observe)
			if start {
				return OpObserveStart, nil
			}
			if cancel {
				return OpObserveCancel, nil
			}
		}
		if kind == uriRoot {
			return OpUnknown, ErrInputArg
		}
		return OpRead, nil

	case FETCH:
		if in.Observe != nil {
			start, cancel := observeValue(in.Observe)
			if start {
				return OpObserveCompositeStart, nil
			}
			if cancel {
				return OpObserveCompositeCancel, nil
			}
		}
		return OpReadComposite, nil

	case PUT:
		if in.HasContentFormat {
			return OpWriteReplace, nil
		}
		return OpWriteAttributes, nil

	case POST:
		if isBootstrapFinishPath(in.Path) {
			return OpBootstrapFinish, nil
		}
		switch kind {
		case uriObject:
			return OpCreate, nil
		case uriInstance:
			return OpWritePartial, nil
		case uriResource, uriResourceInstance:
			if !in.HasContentFormat || in.ContentFormat == FormatPlainText {
				return OpExecute, nil
			}
			return OpWritePartial, nil
		default:
			return OpUnknown, ErrInputArg
		}

	case IPATCH:
		return OpWriteComposite, nil

	case DELETE:
		if kind == uriResource || kind == uriResourceInstance {
			return OpUnknown, ErrInputArg
		}
		return OpDelete, nil
	}

	return OpUnknown, ErrInputArg
}

// ValidateOperationURI re-checks the per-operation URI depth rules named in
// spec.md §4.3 independently of Recognize, for callers that already know
// the operation (e.g. server-response routing) and just need to validate a
// path against it.
func ValidateOperationURI(op Operation, path []string) error {
	kind := classifyPath(path)
	switch op {
	case OpRead:
		if kind == uriRoot {
			return ErrInputArg
		}
	case OpDiscover:
		if kind == uriResourceInstance {
			return ErrInputArg
		}
	case OpExecute:
		if kind != uriResource {
			return ErrInputArg
		}
	case OpCreate:
		if kind != uriObject {
			return ErrInputArg
		}
	case OpDelete:
		if kind == uriResource || kind == uriResourceInstance {
			return ErrInputArg
		}
	}
	return nil
}

// JoinPath renders path segments as a canonical "/"-prefixed URI path.
func JoinPath(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	return "/" + strings.Join(path, "/")
}
