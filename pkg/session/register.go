// Package session implements the registration session (C9) and bootstrap
// session (C10) state machines: the long-lived, tick-driven logic that
// sits above a single pkg/exchange transaction and decides when to
// (re)connect, register, update, deregister, or fall back to a retry
// cascade, grounded on the teacher's tick-driven SDO client (sdo_client.go).
package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anj-go/lwm2m/pkg/coap"
	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/exchange"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
	"github.com/anj-go/lwm2m/pkg/transport"
)

// newRetryBackoff builds the exponential-backoff calculator the
// registration and bootstrap retry cascades both pull timings from:
// doubling from initial with no jitter, matching spec.md §4.8's
// retry_timer*2^n rule exactly rather than cenkalti/backoff's default
// randomized interval. RetryPolicy.RetryCount (not MaxElapsedTime) is
// what bounds the number of attempts, so elapsed-time tracking is
// disabled and MaxInterval is set far above any realistic retry count's
// reach.
func newRetryBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RegState is one of the registration session's states, spec.md §4.8.
type RegState int

const (
	RegResolving RegState = iota
	RegConnecting
	RegRegistering
	RegRegistered
	RegUpdating
	RegDeregistering
	RegSuspended // queue mode: socket closed between exchanges
	RegRetryWait
	RegSeqDelayWait
	RegError
	RegDone
)

func (s RegState) String() string {
	switch s {
	case RegResolving:
		return "Resolving"
	case RegConnecting:
		return "Connecting"
	case RegRegistering:
		return "Registering"
	case RegRegistered:
		return "Registered"
	case RegUpdating:
		return "UpdatingWithDm"
	case RegDeregistering:
		return "Deregistering"
	case RegSuspended:
		return "EnteringQueueMode"
	case RegRetryWait:
		return "RetryWait"
	case RegSeqDelayWait:
		return "SeqDelayWait"
	case RegError:
		return "Error"
	default:
		return "Done"
	}
}

// Logger is the narrow logging interface this package logs through.
type Logger interface {
	Printf(format string, v ...interface{})
}

func logf(l Logger, format string, v ...interface{}) {
	if l != nil {
		l.Printf(format, v...)
	}
}

// RetryPolicy is the registration retry cascade, spec.md §4.8: within one
// sequence, retry_timer doubles after each failed attempt up to
// retry_count attempts; once a whole sequence is exhausted, wait
// seq_delay_timer and start a fresh sequence, up to seq_retry_count
// sequences, before giving up entirely.
type RetryPolicy struct {
	RetryTimer    time.Duration
	RetryCount    int
	SeqDelayTimer time.Duration
	SeqRetryCount int
}

// ErrGivenUp is reported when the retry cascade is exhausted.
var ErrGivenUp = errors.New("session: registration retry cascade exhausted")

// RegisterSession drives one LwM2M Server relationship: connect, Register,
// periodic Update, Deregister on request, and the retry cascade on
// failure. It owns one Exchange at a time.
type RegisterSession struct {
	binding  transport.Binding
	ids      exchange.IDAllocator
	clock    exchange.Clock
	logger   Logger
	registry *datamodel.Registry

	serverURI     string
	endpointName  string
	lifetime      time.Duration
	bindingMode   string
	queueMode     bool
	retry         RetryPolicy

	state       RegState
	ex          *exchange.Exchange
	locationPath []string
	deadline    time.Time
	lastActive  time.Time

	retryAttempt  int
	seqAttempt    int
	pendingErr    error
	backoff       *backoff.ExponentialBackOff
}

// Config bundles RegisterSession's construction parameters.
type Config struct {
	Binding      transport.Binding
	IDs          exchange.IDAllocator
	Clock        exchange.Clock
	Logger       Logger
	Registry     *datamodel.Registry
	ServerURI    string
	EndpointName string
	Lifetime     time.Duration
	BindingMode  string
	QueueMode    bool
	Retry        RetryPolicy
}

// New creates a RegisterSession ready to Start.
func New(cfg Config) *RegisterSession {
	return &RegisterSession{
		binding:      cfg.Binding,
		ids:          cfg.IDs,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		registry:     cfg.Registry,
		serverURI:    cfg.ServerURI,
		endpointName: cfg.EndpointName,
		lifetime:     cfg.Lifetime,
		bindingMode:  cfg.BindingMode,
		queueMode:    cfg.QueueMode,
		retry:        cfg.Retry,
		state:        RegResolving,
		backoff:      newRetryBackoff(cfg.Retry.RetryTimer),
	}
}

// State returns the session's current state.
func (s *RegisterSession) State() RegState { return s.state }

// LocationPath returns the server-assigned registration location, valid
// once RegRegistered.
func (s *RegisterSession) LocationPath() []string { return s.locationPath }

// Exchange returns the in-flight exchange, if any, so the owning client
// can route inbound responses to OnMessage and call AfterSend once it
// has handed a datagram to the transport.
func (s *RegisterSession) Exchange() *exchange.Exchange { return s.ex }

// Start transitions Resolving → Connecting on the next Step call.
func (s *RegisterSession) Start() {
	if s.state == RegResolving {
		s.state = RegConnecting
	}
}

// RequestDeregister asks the session to deregister on its next Step,
// regardless of its current state (short of already Done/Error).
func (s *RegisterSession) RequestDeregister() {
	if s.state != RegDone && s.state != RegError {
		s.state = RegDeregistering
	}
}

// registrationPayload builds the Object Links payload (CoRE Link Format)
// advertising every registered Object and its Instances, per spec.md's
// registration payload rule.
func (s *RegisterSession) registrationPayload() string {
	var entries []lwm2mio.DiscoverEntry
	for _, objID := range s.registry.ObjectIDs() {
		h, _ := s.registry.Get(objID)
		objPath, _ := lwm2mio.NewPath(objID)
		entries = append(entries, lwm2mio.DiscoverEntry{Path: objPath, Ver: h.Def().Version})
		for _, inst := range h.ListInstances() {
			instPath, _ := objPath.Append(inst)
			entries = append(entries, lwm2mio.DiscoverEntry{Path: instPath})
		}
	}
	return lwm2mio.EncodeDiscover(entries)
}

// Step advances the session one tick; callers invoke it from the owning
// client's step() loop with the current time. It returns the new state.
func (s *RegisterSession) Step(now time.Time) RegState {
	switch s.state {
	case RegConnecting:
		s.connect(now)
	case RegRegistering, RegUpdating, RegDeregistering:
		s.driveExchange(now)
	case RegRegistered:
		s.checkUpdateDue(now)
	case RegSuspended:
		s.checkWake(now)
	case RegRetryWait, RegSeqDelayWait:
		s.checkRetryWake(now)
	}
	return s.state
}

func (s *RegisterSession) connect(now time.Time) {
	if err := s.binding.Connect(context.Background(), s.serverURI); err != nil {
		logf(s.logger, "session: connect failed: %v", err)
		s.fail(now, err)
		return
	}
	s.ex = exchange.New(s.binding, s.ids, s.clock, nil)
	s.state = RegRegistering
	s.beginRegister()
}

func (s *RegisterSession) beginRegister() {
	payload := s.registrationPayload()
	handlers := &staticPayloadHandlers{payload: []byte(payload), onDone: s.onRegisterDone}
	req := exchange.ClientRequest{
		Code:        coap.POST,
		Path:        []string{"rd"},
		Queries:     []string{"ep=" + s.endpointName, "lt=" + durSeconds(s.lifetime), "b=" + s.bindingMode},
		Confirmable: true,
		MTU:         s.binding.GetInnerMTU(),
	}
	if err := s.ex.BeginClientRequest(req, handlers); err != nil {
		s.fail(s.clock.Now(), err)
	}
}

func (s *RegisterSession) onRegisterDone(msg *coap.Message, result exchange.Result) {
	now := s.clock.Now()
	if result != exchange.ResultOK || msg == nil || msg.Code != coap.Created {
		s.fail(now, ErrGivenUp)
		return
	}
	s.locationPath = locationPathSegments(msg.Options)
	s.lastActive = now
	s.retryAttempt, s.seqAttempt = 0, 0
	s.backoff.Reset()
	s.state = RegRegistered
}

func (s *RegisterSession) checkUpdateDue(now time.Time) {
	if now.Sub(s.lastActive) < s.updateDueAfter() {
		return
	}
	s.state = RegUpdating
	s.beginUpdate()
}

// updateDueAfter is max(lifetime/2, lifetime-MAX_TRANSMIT_WAIT): an
// Update must land with enough margin before the registration lapses to
// survive a full confirmable retransmission run, so for a long lifetime
// the update-due point is pulled in well past the halfway mark.
func (s *RegisterSession) updateDueAfter() time.Duration {
	half := s.lifetime / 2
	margin := s.lifetime - exchange.MaxTransmitWait
	if margin > half {
		return margin
	}
	return half
}

func (s *RegisterSession) beginUpdate() {
	handlers := &staticPayloadHandlers{onDone: s.onUpdateDone}
	req := exchange.ClientRequest{
		Code:        coap.POST,
		Path:        s.locationPath,
		Confirmable: true,
		MTU:         s.binding.GetInnerMTU(),
	}
	if err := s.ex.BeginClientRequest(req, handlers); err != nil {
		s.fail(s.clock.Now(), err)
	}
}

func (s *RegisterSession) onUpdateDone(msg *coap.Message, result exchange.Result) {
	now := s.clock.Now()
	if result != exchange.ResultOK || msg == nil || msg.Code != coap.Changed {
		s.fail(now, ErrGivenUp)
		return
	}
	s.lastActive = now
	s.retryAttempt, s.seqAttempt = 0, 0
	s.backoff.Reset()
	if s.queueMode {
		s.state = RegSuspended
		_ = s.binding.Close()
		return
	}
	s.state = RegRegistered
}

func (s *RegisterSession) beginDeregister() {
	handlers := &staticPayloadHandlers{onDone: s.onDeregisterDone}
	req := exchange.ClientRequest{
		Code:        coap.DELETE,
		Path:        s.locationPath,
		Confirmable: true,
		MTU:         s.binding.GetInnerMTU(),
	}
	if err := s.ex.BeginClientRequest(req, handlers); err != nil {
		s.state = RegDone
		_ = s.binding.Close()
	}
}

func (s *RegisterSession) onDeregisterDone(msg *coap.Message, result exchange.Result) {
	s.state = RegDone
	_ = s.binding.Close()
}

// driveExchange lets the in-flight exchange's retransmission timer fire;
// AfterSend/OnMessage are called by the owning client as transport events
// arrive, not from here.
func (s *RegisterSession) driveExchange(now time.Time) {
	if s.ex == nil {
		return
	}
	if s.state == RegDeregistering && !s.ex.Active() {
		s.beginDeregister()
		return
	}
	s.ex.Tick(now)
}

// checkWake reconnects a queue-mode session once there's outbound work;
// the owning client calls WakeForSend when it has something to send.
func (s *RegisterSession) checkWake(now time.Time) {}

// WakeForSend reopens the socket and issues an Update, the queue-mode
// client's way of flushing buffered outbound traffic (spec.md §4.8).
func (s *RegisterSession) WakeForSend() {
	if s.state != RegSuspended {
		return
	}
	s.state = RegConnecting
}

func (s *RegisterSession) checkRetryWake(now time.Time) {
	if now.Before(s.deadline) {
		return
	}
	if s.state == RegSeqDelayWait {
		s.seqAttempt++
		if s.seqAttempt >= s.retry.SeqRetryCount {
			s.state = RegError
			return
		}
		s.retryAttempt = 0
		s.backoff.Reset()
	}
	s.state = RegConnecting
}

func (s *RegisterSession) fail(now time.Time, err error) {
	s.pendingErr = err
	logf(s.logger, "session: attempt failed: %v", err)
	_ = s.binding.Close()

	if s.retryAttempt >= s.retry.RetryCount {
		s.deadline = now.Add(s.retry.SeqDelayTimer)
		s.state = RegSeqDelayWait
		return
	}
	s.retryAttempt++
	s.deadline = now.Add(s.backoff.NextBackOff())
	s.state = RegRetryWait
}

// Err returns the last failure recorded, once in RegError.
func (s *RegisterSession) Err() error { return s.pendingErr }

// locationPathSegments reassembles a response's Location-Path options
// into the path segments used as the base for subsequent Update/
// Deregister requests, per RFC 7252's registration-location convention.
func locationPathSegments(opts *coap.Options) []string {
	it := opts.Iter(coap.OptLocationPath)
	var segs []string
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		segs = append(segs, string(v))
	}
	return segs
}

func durSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	return itoa(secs)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// staticPayloadHandlers implements exchange.Handlers for a one-shot
// request whose entire payload is already in memory (registration and
// update bodies are small Link Format/empty documents, never block-wise).
type staticPayloadHandlers struct {
	payload []byte
	sent    int
	onDone  func(msg *coap.Message, result exchange.Result)
}

func (h *staticPayloadHandlers) ReadPayload(buf []byte) (n int, done bool, err error) {
	n = copy(buf, h.payload[h.sent:])
	h.sent += n
	return n, h.sent >= len(h.payload), nil
}

func (h *staticPayloadHandlers) Complete(msg *coap.Message, result exchange.Result) {
	if h.onDone != nil {
		h.onDone(msg, result)
	}
}
