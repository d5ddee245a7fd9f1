package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anj-go/lwm2m/pkg/coap"
	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/exchange"
	"github.com/anj-go/lwm2m/pkg/transport"
)

// resource ids from the Security (/0) and Server (/1) objects' OMA
// definitions, used directly by validateProvisioning rather than
// importing pkg/datamodel/builtin's Go types — the provisioning check
// only needs the wire-level resource numbers, which are protocol
// constants independent of how any particular Handler implements them.
const (
	resSecurityBootstrapServer uint16 = 1
	resSecurityShortServerID   uint16 = 10
	resServerShortServerID     uint16 = 0
)

// ErrNotProvisioned is returned when a Bootstrap-Finish arrives but the
// server has not pushed a usable configuration: spec.md §4.9 requires at
// least one non-bootstrap Security Object Instance whose Short Server ID
// matches a Server Object Instance before the client may accept it.
var ErrNotProvisioned = errors.New("session: bootstrap finish rejected, incomplete provisioning")

// BootstrapState is one of the bootstrap session's states, spec.md §4.9.
type BootstrapState int

const (
	BootstrapWaiting BootstrapState = iota
	BootstrapConnecting
	BootstrapInProgress
	BootstrapFinished
	BootstrapError
)

func (s BootstrapState) String() string {
	switch s {
	case BootstrapWaiting:
		return "Waiting"
	case BootstrapConnecting:
		return "ConnectionInProgress"
	case BootstrapInProgress:
		return "BootstrapInProgress"
	case BootstrapFinished:
		return "Finished"
	default:
		return "Error"
	}
}

// BootstrapMode selects which bootstrap variant to request: the plain
// Bootstrap-Request, or the /bspack batch-provisioning variant spec.md
// supplements (original_source's server_bootstrap.h Pack request).
type BootstrapMode int

const (
	BootstrapModeRequest BootstrapMode = iota
	BootstrapModePack
)

// ErrBootstrapTimeout is reported when no Bootstrap-Finish arrives (nor
// any further server activity) before the bootstrap_finish_timeout.
var ErrBootstrapTimeout = errors.New("session: bootstrap finish timeout")

// BootstrapSession drives the bootstrap exchange with a Bootstrap Server:
// an initial client_hold_off wait, then Bootstrap-Request, writes the
// server pushes in over the same connection, and a Bootstrap-Finish
// (Execute on /1/0/- equivalent path "/bs") that ends it.
//
// Grounded on the same tick-driven shape as RegisterSession; the retry
// cascade here has only one level (spec.md §4.9 defines no seq_delay
// tier for bootstrap, just FinishDisconnectAndRetry → DisconnectAndRetry
// → Retry).
type BootstrapSession struct {
	binding  transport.Binding
	ids      exchange.IDAllocator
	clock    exchange.Clock
	logger   Logger
	registry *datamodel.Registry

	serverURI    string
	endpointName string
	clientHoldOff time.Duration
	finishTimeout time.Duration
	mode          BootstrapMode
	retry         RetryPolicy

	state      BootstrapState
	ex         *exchange.Exchange
	holdOffUntil time.Time
	finishDeadline time.Time
	retryAttempt int
	pendingErr   error
	onFinished   func(err error)
	backoff      *backoff.ExponentialBackOff
}

// BootstrapConfig bundles BootstrapSession's construction parameters.
type BootstrapConfig struct {
	Binding       transport.Binding
	IDs           exchange.IDAllocator
	Clock         exchange.Clock
	Logger        Logger
	Registry      *datamodel.Registry
	ServerURI     string
	EndpointName  string
	ClientHoldOff time.Duration
	FinishTimeout time.Duration
	Mode          BootstrapMode
	Retry         RetryPolicy
	OnFinished    func(err error)
}

// NewBootstrap creates a BootstrapSession ready to Step; it starts out
// waiting for ClientHoldOff to elapse before connecting.
func NewBootstrap(cfg BootstrapConfig) *BootstrapSession {
	return &BootstrapSession{
		binding:       cfg.Binding,
		ids:           cfg.IDs,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		registry:      cfg.Registry,
		serverURI:     cfg.ServerURI,
		endpointName:  cfg.EndpointName,
		clientHoldOff: cfg.ClientHoldOff,
		finishTimeout: cfg.FinishTimeout,
		mode:          cfg.Mode,
		retry:         cfg.Retry,
		onFinished:    cfg.OnFinished,
		state:         BootstrapWaiting,
		backoff:       newRetryBackoff(cfg.Retry.RetryTimer),
	}
}

// State returns the bootstrap session's current state.
func (s *BootstrapSession) State() BootstrapState { return s.state }

// Exchange returns the in-flight exchange, if any, so the owning client
// can route inbound responses to OnMessage and call AfterSend once it
// has handed a datagram to the transport.
func (s *BootstrapSession) Exchange() *exchange.Exchange { return s.ex }

// Start begins the client_hold_off countdown from now.
func (s *BootstrapSession) Start(now time.Time) {
	s.holdOffUntil = now.Add(s.clientHoldOff)
}

// Step advances the bootstrap session one tick.
func (s *BootstrapSession) Step(now time.Time) BootstrapState {
	switch s.state {
	case BootstrapWaiting:
		if !now.Before(s.holdOffUntil) {
			s.state = BootstrapConnecting
			s.connect(now)
		}
	case BootstrapConnecting:
		// connect() is synchronous; nothing to do here once it has run.
	case BootstrapInProgress:
		if s.ex != nil {
			s.ex.Tick(now)
		}
		if !now.Before(s.finishDeadline) {
			s.fail(now, ErrBootstrapTimeout)
		}
	}
	return s.state
}

func (s *BootstrapSession) connect(now time.Time) {
	if err := s.binding.Connect(context.Background(), s.serverURI); err != nil {
		s.fail(now, err)
		return
	}
	s.ex = exchange.New(s.binding, s.ids, s.clock, nil)
	s.state = BootstrapInProgress
	s.finishDeadline = now.Add(s.finishTimeout)
	s.beginBootstrapRequest()
}

func (s *BootstrapSession) beginBootstrapRequest() {
	path := []string{"bs"}
	if s.mode == BootstrapModePack {
		path = []string{"bspack"}
	}
	handlers := &staticPayloadHandlers{onDone: s.onBootstrapRequestDone}
	req := exchange.ClientRequest{
		Code:        coap.POST,
		Path:        path,
		Queries:     []string{"ep=" + s.endpointName},
		Confirmable: true,
		MTU:         s.binding.GetInnerMTU(),
	}
	if err := s.ex.BeginClientRequest(req, handlers); err != nil {
		s.fail(s.clock.Now(), err)
	}
}

func (s *BootstrapSession) onBootstrapRequestDone(msg *coap.Message, result exchange.Result) {
	if result != exchange.ResultOK || msg == nil || (msg.Code != coap.Changed && msg.Code != coap.Created) {
		s.fail(s.clock.Now(), ErrGivenUp)
		return
	}
	// the server now drives a sequence of Write/Delete/Discover requests
	// against this connection; pkg/client routes those through the same
	// Registry this session was built with. Any server activity resets
	// the finish deadline (spec.md §4.9).
	s.finishDeadline = s.clock.Now().Add(s.finishTimeout)
}

// NotifyServerActivity resets the finish deadline; the owning client
// calls this whenever it handles an inbound server request on this
// connection (Write, Delete, Discover), per spec.md's "any server
// activity resets bootstrap_finish_timeout" rule.
func (s *BootstrapSession) NotifyServerActivity(now time.Time) {
	if s.state == BootstrapInProgress {
		s.finishDeadline = now.Add(s.finishTimeout)
	}
}

// HandleFinish is called by the client when the server's Bootstrap-Finish
// (Execute on the bootstrap-finish operation, see pkg/coap.Recognize's
// OpBootstrapFinish) arrives. It validates that the server actually left
// behind a usable configuration before accepting; the caller is
// responsible for responding 2.04 Changed on a nil return or 4.06 Not
// Acceptable otherwise.
func (s *BootstrapSession) HandleFinish(now time.Time) error {
	if s.state != BootstrapInProgress {
		return nil
	}
	if err := s.validateProvisioning(); err != nil {
		s.pendingErr = err
		s.state = BootstrapError
		logf(s.logger, "bootstrap: finish rejected: %v", err)
		if s.onFinished != nil {
			s.onFinished(err)
		}
		return err
	}
	s.state = BootstrapFinished
	if s.onFinished != nil {
		s.onFinished(nil)
	}
	return nil
}

// validateProvisioning implements spec.md §4.9's Bootstrap-Finish
// precondition: at least one non-bootstrap Security Object Instance
// whose Short Server ID matches a Server Object Instance.
func (s *BootstrapSession) validateProvisioning() error {
	srv, ok := s.registry.Get(1)
	if !ok {
		return ErrNotProvisioned
	}
	serverSSIDs := map[uint16]bool{}
	for _, inst := range srv.ListInstances() {
		v, res := srv.ReadResource(inst, resServerShortServerID, nil)
		if res == datamodel.ResultOK {
			serverSSIDs[uint16(v.Uint)] = true
		}
	}
	if len(serverSSIDs) == 0 {
		return ErrNotProvisioned
	}

	sec, ok := s.registry.Get(0)
	if !ok {
		return ErrNotProvisioned
	}
	for _, inst := range sec.ListInstances() {
		bs, res := sec.ReadResource(inst, resSecurityBootstrapServer, nil)
		if res != datamodel.ResultOK || bs.Bool {
			continue
		}
		ssid, res := sec.ReadResource(inst, resSecurityShortServerID, nil)
		if res == datamodel.ResultOK && serverSSIDs[uint16(ssid.Uint)] {
			return nil
		}
	}
	return ErrNotProvisioned
}

func (s *BootstrapSession) fail(now time.Time, err error) {
	s.pendingErr = err
	logf(s.logger, "bootstrap: failed: %v", err)
	_ = s.binding.Close()
	s.ex = nil

	if s.retryAttempt >= s.retry.RetryCount {
		s.state = BootstrapError
		if s.onFinished != nil {
			s.onFinished(err)
		}
		return
	}
	s.retryAttempt++
	s.holdOffUntil = now.Add(s.backoff.NextBackOff())
	s.state = BootstrapWaiting
}

// Err returns the last recorded failure, once in BootstrapError.
func (s *BootstrapSession) Err() error { return s.pendingErr }
