package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anj-go/lwm2m/pkg/coap"
	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/transport"
)

// fakeBinding is an in-memory transport.Binding: SendMessage just records,
// Connect always succeeds, RecvMessage always reports nothing pending
// (tests drive responses directly through the session's Exchange instead).
type fakeBinding struct {
	sent   []*coap.Message
	state  transport.State
	closed int
}

func (b *fakeBinding) Connect(ctx context.Context, addr string) error {
	b.state = transport.StateConnected
	return nil
}
func (b *fakeBinding) SendMessage(m *coap.Message) error {
	b.sent = append(b.sent, m)
	return nil
}
func (b *fakeBinding) RecvMessage() (*coap.Message, error) { return nil, transport.ErrWouldBlock }
func (b *fakeBinding) Close() error                        { b.closed++; b.state = transport.StateClosed; return nil }
func (b *fakeBinding) GetInnerMTU() int                     { return 1024 }
func (b *fakeBinding) GetState() transport.State            { return b.state }

func (b *fakeBinding) last() *coap.Message {
	if len(b.sent) == 0 {
		return nil
	}
	return b.sent[len(b.sent)-1]
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	tok   byte
	msgID uint16
}

func (a *seqIDs) NextToken() coap.Token {
	a.tok++
	return coap.Token{a.tok}
}
func (a *seqIDs) NextMessageID() uint16 { a.msgID++; return a.msgID }

func newTestSession(t *testing.T, binding *fakeBinding, clock *fakeClock) *RegisterSession {
	t.Helper()
	registry := datamodel.NewRegistry()
	return New(Config{
		Binding:      binding,
		IDs:          &seqIDs{},
		Clock:        clock,
		Registry:     registry,
		ServerURI:    "coap://server.example.com:5683",
		EndpointName: "urn:imei:1",
		Lifetime:     86400 * time.Second,
		BindingMode:  "U",
		Retry:        RetryPolicy{RetryTimer: time.Second, RetryCount: 1, SeqDelayTimer: 10 * time.Second, SeqRetryCount: 1},
	})
}

func TestRegisterSessionConnectsAndRegisters(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newTestSession(t, binding, clock)

	s.Start()
	assert.Equal(t, RegConnecting, s.State())

	s.Step(clock.now)
	require.Equal(t, RegRegistering, s.State())
	require.NotNil(t, binding.last())
	assert.Equal(t, coap.POST, binding.last().Code)

	resp := &coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Created,
		MessageID: binding.last().MessageID, Token: binding.last().Token,
		Options: locationPathOptions("rd", "0"),
	}
	matched, err := s.Exchange().OnMessage(resp)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, RegRegistered, s.State())
	assert.Equal(t, []string{"rd", "0"}, s.LocationPath())
}

func TestRegisterSessionRetriesOnFailureThenGivesUp(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newTestSession(t, binding, clock)
	s.Start()
	s.Step(clock.now)

	reject := func() {
		resp := &coap.Message{
			Version: 1, Type: coap.TypeAck, Code: coap.BadRequest,
			MessageID: binding.last().MessageID, Token: binding.last().Token,
			Options: coap.NewOptions(0),
		}
		_, err := s.Exchange().OnMessage(resp)
		require.NoError(t, err)
	}

	reject()
	require.Equal(t, RegRetryWait, s.State())

	clock.now = clock.now.Add(time.Hour)
	s.Step(clock.now)
	require.Equal(t, RegConnecting, s.State())
	s.Step(clock.now)
	require.Equal(t, RegRegistering, s.State())

	reject()
	require.Equal(t, RegSeqDelayWait, s.State())

	clock.now = clock.now.Add(time.Hour)
	s.Step(clock.now)
	assert.Equal(t, RegError, s.State())
	assert.ErrorIs(t, s.Err(), ErrGivenUp)
}

func TestRegisterSessionDeregisterClosesBinding(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newTestSession(t, binding, clock)
	s.Start()
	s.Step(clock.now)
	resp := &coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Created,
		MessageID: binding.last().MessageID, Token: binding.last().Token,
		Options: locationPathOptions("rd", "0"),
	}
	_, _ = s.Exchange().OnMessage(resp)
	require.Equal(t, RegRegistered, s.State())

	s.RequestDeregister()
	assert.Equal(t, RegDeregistering, s.State())
	s.Step(clock.now)

	resp2 := &coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Deleted,
		MessageID: binding.last().MessageID, Token: binding.last().Token,
		Options: coap.NewOptions(0),
	}
	_, _ = s.Exchange().OnMessage(resp2)
	assert.Equal(t, RegDone, s.State())
	assert.Equal(t, 1, binding.closed)
}

func TestUpdateDueAfterUsesMaxTransmitWaitMargin(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	registry := datamodel.NewRegistry()

	short := New(Config{
		Binding: binding, IDs: &seqIDs{}, Clock: clock, Registry: registry,
		ServerURI: "coap://server.example.com:5683", EndpointName: "urn:imei:1",
		Lifetime: 100 * time.Second, BindingMode: "U",
		Retry: RetryPolicy{RetryTimer: time.Second, RetryCount: 1, SeqDelayTimer: time.Second, SeqRetryCount: 1},
	})
	assert.Equal(t, 50*time.Second, short.updateDueAfter())

	long := New(Config{
		Binding: binding, IDs: &seqIDs{}, Clock: clock, Registry: registry,
		ServerURI: "coap://server.example.com:5683", EndpointName: "urn:imei:1",
		Lifetime: 500 * time.Second, BindingMode: "U",
		Retry: RetryPolicy{RetryTimer: time.Second, RetryCount: 1, SeqDelayTimer: time.Second, SeqRetryCount: 1},
	})
	assert.Equal(t, 407*time.Second, long.updateDueAfter())
}

func TestRegisterSessionUpdatesWhenDue(t *testing.T) {
	binding := &fakeBinding{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	registry := datamodel.NewRegistry()
	s := New(Config{
		Binding: binding, IDs: &seqIDs{}, Clock: clock, Registry: registry,
		ServerURI: "coap://server.example.com:5683", EndpointName: "urn:imei:1",
		Lifetime: 100 * time.Second, BindingMode: "U",
		Retry: RetryPolicy{RetryTimer: time.Second, RetryCount: 1, SeqDelayTimer: time.Second, SeqRetryCount: 1},
	})
	s.Start()
	s.Step(clock.now)
	resp := &coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Created,
		MessageID: binding.last().MessageID, Token: binding.last().Token,
		Options: locationPathOptions("rd", "0"),
	}
	_, err := s.Exchange().OnMessage(resp)
	require.NoError(t, err)
	require.Equal(t, RegRegistered, s.State())

	clock.now = clock.now.Add(49 * time.Second)
	s.Step(clock.now)
	assert.Equal(t, RegRegistered, s.State())

	clock.now = clock.now.Add(2 * time.Second)
	s.Step(clock.now)
	assert.Equal(t, RegUpdating, s.State())
}

func locationPathOptions(segs ...string) *coap.Options {
	opts := coap.NewOptions(0)
	for _, s := range segs {
		_ = opts.AddString(coap.OptLocationPath, s)
	}
	return opts
}
