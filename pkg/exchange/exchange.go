// Package exchange implements the CoAP exchange engine (component C8): one
// outstanding request/response transaction at a time, with retransmission,
// block-wise framing, and payload streaming pulled from a content-format
// encoder on demand.
package exchange

import (
	"crypto/rand"
	"errors"
	mathrand "math/rand"
	"time"

	"github.com/anj-go/lwm2m/pkg/coap"
)

// State is one of the exchange engine's five states, spec.md §4.7.
type State int

const (
	Idle State = iota
	MsgToSend
	WaitingMsg
	Finished
	ErrorState
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case MsgToSend:
		return "MsgToSend"
	case WaitingMsg:
		return "WaitingMsg"
	case Finished:
		return "Finished"
	case ErrorState:
		return "Error"
	default:
		return "?"
	}
}

// Result is reported to Handlers.Complete once an exchange ends.
type Result int

const (
	ResultOK Result = iota
	ResultTimeout
	ResultTerminated
	ResultReset
	ResultError
)

// Retransmission timing constants, RFC 7252 section 4.8.
const (
	AckTimeout       = 2 * time.Second
	AckRandomFactor  = 1.5
	MaxRetransmit    = 4
	MaxTransmitWait  = 93 * time.Second
	minBlockSize     = 16
	maxBlockSize     = 1024
	blockHeaderGuess = 16 // option + header overhead budgeted out of the MTU
)

var (
	// ErrLogic is returned when a caller begins a new exchange while one is
	// already active, or advances Process out of sequence.
	ErrLogic = errors.New("exchange: invalid call sequence")
)

// Handlers is the callback set the owner of an exchange (a registration/
// bootstrap session, the send queue, or a server-request responder)
// supplies when beginning it.
type Handlers interface {
	// ReadPayload pulls the next chunk of outgoing payload, mirroring the
	// content-format RecordEncoder.GetPayload contract: it fills buf and
	// reports whether the value is now fully drained.
	ReadPayload(buf []byte) (n int, done bool, err error)
	// Complete is called exactly once, with the final response message (nil
	// on failure) and the terminal Result.
	Complete(msg *coap.Message, result Result)
}

// Transport is the narrow send capability the exchange engine needs; the
// concrete UDP/TCP/DTLS binding lives in pkg/transport and knows how to
// frame a Message for the wire.
type Transport interface {
	SendMessage(m *coap.Message) error
}

// IDAllocator produces the process-wide token/message-id sequence spec.md
// §6 describes ("Process-wide state"): an 8-byte random token per exchange
// and a wrapping 16-bit message-id counter.
type IDAllocator interface {
	NextToken() coap.Token
	NextMessageID() uint16
}

// randAllocator is the default IDAllocator, grounded on crypto/rand for the
// token (unpredictability matters less here than for the TLS/DTLS layer,
// but there's no reason to use a weaker source) and a simple wrapping
// counter for message-ids.
type randAllocator struct {
	msgID uint16
}

// NewRandAllocator creates the default process-wide id allocator, seeded
// from crypto/rand so repeated process restarts don't collide on the wire
// with a stale peer's view of the last message-id used.
func NewRandAllocator() IDAllocator {
	var seed [2]byte
	_, _ = rand.Read(seed[:])
	return &randAllocator{msgID: uint16(seed[0])<<8 | uint16(seed[1])}
}

func (a *randAllocator) NextToken() coap.Token {
	tok := make([]byte, 8)
	_, _ = rand.Read(tok)
	return tok
}

func (a *randAllocator) NextMessageID() uint16 {
	a.msgID++
	return a.msgID
}

// Clock abstracts the time source (spec.md §1's "out of scope" collaborator
// list) so retransmission timing is testable without real sleeps.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NewRealClock returns the wall-clock Clock implementation, for callers
// (cmd/lwm2m-client, tools/lwm2m-inspect) that need to pass one explicitly
// rather than relying on New's nil default.
func NewRealClock() Clock { return realClock{} }

// Logger is the narrow logging interface every package in this module logs
// through (see internal/logging).
type Logger interface {
	Printf(format string, v ...interface{})
}

func logf(l Logger, format string, v ...interface{}) {
	if l != nil {
		l.Printf(format, v...)
	}
}

// ClientRequest describes a new client-initiated exchange.
type ClientRequest struct {
	Code          coap.Code
	Path          []string
	Queries       []string
	Confirmable   bool
	ContentFormat *coap.ContentFormat
	Accept        *coap.ContentFormat
	Observe       *uint32 // nil = no Observe option; 0 = start, 1 = cancel
	Token         coap.Token // reused token (e.g. a notification); nil = allocate
	MTU           int
}

// Exchange drives a single CoAP transaction. The zero value is not usable;
// construct with New.
type Exchange struct {
	ids       IDAllocator
	transport Transport
	clock     Clock
	logger    Logger

	state    State
	handlers Handlers

	confirmable bool
	token       coap.Token
	msgID       uint16
	code        coap.Code
	path        []string
	queries     []string
	contentFmt  *coap.ContentFormat
	accept      *coap.ContentFormat
	observe     *uint32

	blockSize  int
	blockNum   uint32
	blockMore  bool
	usedBlock1 bool

	retransmits int
	timeout     time.Duration
	deadline    time.Time
	startedAt   time.Time
}

// New creates an idle Exchange bound to transport and an id allocator.
func New(transport Transport, ids IDAllocator, clock Clock, logger Logger) *Exchange {
	if clock == nil {
		clock = realClock{}
	}
	if ids == nil {
		ids = NewRandAllocator()
	}
	return &Exchange{transport: transport, ids: ids, clock: clock, logger: logger, state: Idle}
}

// State returns the exchange's current state.
func (e *Exchange) State() State { return e.state }

// Active reports whether an exchange currently owns the connection.
func (e *Exchange) Active() bool {
	return e.state != Idle && e.state != Finished && e.state != ErrorState
}

// BeginClientRequest starts a new client-initiated exchange; it fails
// ErrLogic if one is already active.
func (e *Exchange) BeginClientRequest(req ClientRequest, handlers Handlers) error {
	if e.Active() {
		return ErrLogic
	}
	token := req.Token
	if token == nil {
		token = e.ids.NextToken()
	}
	blockSize := SelectBlockSize(req.MTU)

	e.handlers = handlers
	e.confirmable = req.Confirmable
	e.token = token
	e.msgID = e.ids.NextMessageID()
	e.code = req.Code
	e.path = req.Path
	e.queries = req.Queries
	e.contentFmt = req.ContentFormat
	e.accept = req.Accept
	e.observe = req.Observe
	e.blockSize = blockSize
	e.blockNum = 0
	e.blockMore = false
	e.usedBlock1 = false
	e.retransmits = 0
	e.startedAt = e.clock.Now()
	e.state = MsgToSend

	return e.sendNextBlock()
}

// SelectBlockSize picks the largest legal CoAP block size that fits inner
// MTU, per spec.md §4.7's "largest power-of-two ≤ inner_mtu −
// header_overhead, clamped to [16,1024]" rule.
func SelectBlockSize(mtu int) int {
	want := mtu - blockHeaderGuess
	if want < minBlockSize {
		return minBlockSize
	}
	sz := minBlockSize
	for next := sz * 2; next <= want && next <= maxBlockSize; next *= 2 {
		sz = next
	}
	return sz
}

// sendNextBlock pulls one block of payload from Handlers.ReadPayload,
// builds the CoAP message for it, and sends it.
func (e *Exchange) sendNextBlock() error {
	buf := make([]byte, e.blockSize)
	n, done, err := e.handlers.ReadPayload(buf)
	if err != nil {
		e.finish(nil, ResultError)
		return err
	}
	payload := buf[:n]
	blockwise := e.usedBlock1 || !done

	opts := coap.NewOptions(32)
	for _, seg := range e.path {
		if err := opts.AddString(coap.OptUriPath, seg); err != nil {
			return err
		}
	}
	for _, q := range e.queries {
		if err := opts.AddString(coap.OptUriQuery, q); err != nil {
			return err
		}
	}
	if e.contentFmt != nil {
		if err := opts.AddU16(coap.OptContentFormat, uint16(*e.contentFmt)); err != nil {
			return err
		}
	}
	if e.accept != nil {
		if err := opts.AddU16(coap.OptAccept, uint16(*e.accept)); err != nil {
			return err
		}
	}
	if e.observe != nil {
		if err := opts.AddUint(coap.OptObserve, uint64(*e.observe)); err != nil {
			return err
		}
	}
	if blockwise {
		e.usedBlock1 = true
		more := !done
		if err := coap.SetBlock1(opts, coap.BlockOption{Num: e.blockNum, More: more, SZX: coap.SZXForSize(e.blockSize)}); err != nil {
			return err
		}
		e.blockMore = more
	}

	msg := &coap.Message{
		Version: 1,
		Type:    msgType(e.confirmable),
		Code:    e.code,
		MessageID: e.msgID,
		Token:     e.token,
		Options:   opts,
		Payload:   payload,
	}
	e.resetRetransmitTimer()
	return e.transport.SendMessage(msg)
}

func msgType(confirmable bool) coap.Type {
	if confirmable {
		return coap.TypeConfirmable
	}
	return coap.TypeNonConfirmable
}

func (e *Exchange) resetRetransmitTimer() {
	jitter := 1 + mathrand.Float64()*(AckRandomFactor-1)
	e.timeout = time.Duration(float64(AckTimeout) * jitter)
	e.deadline = e.clock.Now().Add(e.timeout)
}

// OnMessage feeds an incoming message that might belong to this exchange.
// matched reports whether msg's token/message-id corresponds to the active
// exchange; callers should not route non-matching messages here.
func (e *Exchange) OnMessage(msg *coap.Message) (matched bool, err error) {
	if e.state != WaitingMsg && e.state != MsgToSend {
		return false, nil
	}
	if !msg.Token.Equal(e.token) {
		return false, nil
	}
	matched = true

	if msg.Type == coap.TypeReset {
		e.finish(msg, ResultReset)
		return true, nil
	}

	if block1, ok, berr := coap.GetBlock1(msg.Options); berr == nil && ok && block1.More {
		// irrelevant on a response; servers don't echo Block1.More=true.
		_ = block1
	}

	if msg.Code == coap.Continue {
		e.blockNum++
		e.msgID = e.ids.NextMessageID()
		e.state = MsgToSend
		return true, e.sendNextBlock()
	}

	if block2, ok, berr := coap.GetBlock2(msg.Options); berr == nil && ok && block2.More {
		e.blockNum = block2.Num + 1
		e.msgID = e.ids.NextMessageID()
		e.state = MsgToSend
		return true, e.requestNextBlock2()
	}

	e.finish(msg, ResultOK)
	return true, nil
}

// requestNextBlock2 re-sends the original GET with an incremented Block2
// option to continue pulling a large server response.
func (e *Exchange) requestNextBlock2() error {
	opts := coap.NewOptions(32)
	for _, seg := range e.path {
		if err := opts.AddString(coap.OptUriPath, seg); err != nil {
			return err
		}
	}
	if e.accept != nil {
		if err := opts.AddU16(coap.OptAccept, uint16(*e.accept)); err != nil {
			return err
		}
	}
	if err := coap.SetBlock2(opts, coap.BlockOption{Num: e.blockNum, SZX: coap.SZXForSize(e.blockSize)}); err != nil {
		return err
	}
	msg := &coap.Message{
		Version:   1,
		Type:      msgType(e.confirmable),
		Code:      e.code,
		MessageID: e.msgID,
		Token:     e.token,
		Options:   opts,
	}
	e.resetRetransmitTimer()
	return e.transport.SendMessage(msg)
}

// Tick advances the retransmission timer; callers invoke it once per
// step() with the current time. It returns the new state.
func (e *Exchange) Tick(now time.Time) State {
	if e.state != WaitingMsg {
		return e.state
	}
	if now.Before(e.deadline) {
		return e.state
	}
	if !e.confirmable {
		return e.state
	}
	if now.Sub(e.startedAt) > MaxTransmitWait || e.retransmits >= MaxRetransmit {
		logf(e.logger, "exchange: giving up after %d retransmits", e.retransmits)
		e.finish(nil, ResultTimeout)
		return e.state
	}
	e.retransmits++
	e.msgID = e.ids.NextMessageID()
	e.state = MsgToSend
	if err := e.sendNextBlock(); err != nil {
		e.finish(nil, ResultError)
	}
	return e.state
}

// AfterSend transitions MsgToSend → WaitingMsg (Confirmable) or Finished
// (NonConfirmable), matching spec.md's SendConfirmation event. Callers
// invoke it once the transport has confirmed the datagram was handed off.
func (e *Exchange) AfterSend() {
	if e.state != MsgToSend {
		return
	}
	if e.blockMore {
		// still mid block-wise upload; wait in WaitingMsg until the peer's
		// Continue response drives the next block via OnMessage.
		e.state = WaitingMsg
		return
	}
	if e.confirmable {
		e.state = WaitingMsg
		return
	}
	e.finish(nil, ResultOK)
}

// Terminate force-ends the exchange, notifying handlers with
// ResultTerminated.
func (e *Exchange) Terminate() {
	if e.state == Idle || e.state == Finished {
		return
	}
	e.finish(nil, ResultTerminated)
}

func (e *Exchange) finish(msg *coap.Message, result Result) {
	state := Finished
	if result == ResultError {
		state = ErrorState
	}
	e.state = state
	h := e.handlers
	e.handlers = nil
	if h != nil {
		h.Complete(msg, result)
	}
}
