package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/datamodel/builtin"
)

func newTestBootstrap(t *testing.T, binding *fakeBinding, clock *fakeClock, registry *datamodel.Registry) *BootstrapSession {
	t.Helper()
	return NewBootstrap(BootstrapConfig{
		Binding:       binding,
		IDs:           &seqIDs{},
		Clock:         clock,
		Registry:      registry,
		ServerURI:     "coap://bootstrap.example.com:5683",
		EndpointName:  "urn:imei:1",
		ClientHoldOff: 0,
		FinishTimeout: time.Minute,
		Retry:         RetryPolicy{RetryTimer: time.Second, RetryCount: 1},
	})
}

func TestHandleFinishRejectsWithNoProvisioning(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	registry := datamodel.NewRegistry()
	registry.Register(builtin.NewSecurityObject())
	registry.Register(builtin.NewServerObject())
	s := newTestBootstrap(t, binding, clock, registry)
	s.state = BootstrapInProgress

	err := s.HandleFinish(clock.now)
	require.ErrorIs(t, err, ErrNotProvisioned)
	assert.Equal(t, BootstrapError, s.State())
}

func TestHandleFinishAcceptsMatchingSecurityAndServer(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	registry := datamodel.NewRegistry()

	sec := builtin.NewSecurityObject()
	sec.AddInstance(builtin.SecurityInstance{BootstrapServer: true, ShortServerID: 0})
	sec.AddInstance(builtin.SecurityInstance{ServerURI: "coap://server.example.com:5683", BootstrapServer: false, ShortServerID: 123})
	registry.Register(sec)

	srv := builtin.NewServerObject()
	srv.AddInstance(builtin.ServerInstance{ShortServerID: 123})
	registry.Register(srv)

	s := newTestBootstrap(t, binding, clock, registry)
	s.state = BootstrapInProgress

	err := s.HandleFinish(clock.now)
	require.NoError(t, err)
	assert.Equal(t, BootstrapFinished, s.State())
}

func TestHandleFinishRejectsMismatchedShortServerID(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	registry := datamodel.NewRegistry()

	sec := builtin.NewSecurityObject()
	sec.AddInstance(builtin.SecurityInstance{ServerURI: "coap://server.example.com:5683", BootstrapServer: false, ShortServerID: 999})
	registry.Register(sec)

	srv := builtin.NewServerObject()
	srv.AddInstance(builtin.ServerInstance{ShortServerID: 123})
	registry.Register(srv)

	s := newTestBootstrap(t, binding, clock, registry)
	s.state = BootstrapInProgress

	err := s.HandleFinish(clock.now)
	require.ErrorIs(t, err, ErrNotProvisioned)
	assert.Equal(t, BootstrapError, s.State())
}

func TestBootstrapFailUsesDoublingBackoff(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	registry := datamodel.NewRegistry()
	s := newTestBootstrap(t, binding, clock, registry)
	testErr := errors.New("connect failed")

	s.fail(clock.now, testErr)
	first := s.holdOffUntil.Sub(clock.now)
	assert.Equal(t, time.Second, first)

	s.retryAttempt = 0
	s.fail(clock.now, testErr)
	second := s.holdOffUntil.Sub(clock.now)
	assert.Equal(t, 2*time.Second, second)
}
