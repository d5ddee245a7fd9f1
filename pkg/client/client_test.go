package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anj-go/lwm2m/pkg/coap"
	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/lwm2mconfig"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
	"github.com/anj-go/lwm2m/pkg/session"
	"github.com/anj-go/lwm2m/pkg/transport"
)

// fakeBinding is an in-memory transport.Binding recording every sent
// message, the same fixture shape pkg/session's own tests use.
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

// fakeObject is a minimal datamodel.Handler with one Instance (0) and two
// Int64 Resources, enough to exercise Read/Write Composite fan-out across
// two distinct paths under the same Object.
type fakeObject struct {
	id     uint16
	values map[uint16]map[uint16]int64
}

func newFakeObject(id uint16) *fakeObject {
	return &fakeObject{id: id, values: map[uint16]map[uint16]int64{0: {5: 1, 6: 2}}}
}

func (o *fakeObject) Def() datamodel.ObjectDef {
	return datamodel.ObjectDef{ID: o.id, Resources: []datamodel.ResourceDef{
		{ID: 5, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
		{ID: 6, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
	}}
}
func (o *fakeObject) ListInstances() []uint16 { return []uint16{0} }
func (o *fakeObject) ListResources(instance uint16) ([]uint16, datamodel.Result) {
	return []uint16{5, 6}, datamodel.ResultOK
}
func (o *fakeObject) ReadResource(instance, resource uint16, _ *uint16) (lwm2mio.Value, datamodel.Result) {
	inst, ok := o.values[instance]
	if !ok {
		return lwm2mio.Value{}, datamodel.ResultNotFound
	}
	v, ok := inst[resource]
	if !ok {
		return lwm2mio.Value{}, datamodel.ResultNotFound
	}
	return lwm2mio.Int64Value(v), datamodel.ResultOK
}
func (o *fakeObject) WriteResource(instance, resource uint16, _ *uint16, v lwm2mio.Value, partial bool) datamodel.Result {
	inst, ok := o.values[instance]
	if !ok {
		return datamodel.ResultNotFound
	}
	inst[resource] = v.Int
	return datamodel.ResultOK
}
func (o *fakeObject) Execute(instance, resource uint16, args string) datamodel.Result {
	return datamodel.ResultMethodNotAllowed
}
func (o *fakeObject) CreateInstance(hint *uint16, initial []lwm2mio.Record) (uint16, datamodel.Result) {
	return 0, datamodel.ResultMethodNotAllowed
}
func (o *fakeObject) DeleteInstance(instance uint16) datamodel.Result {
	return datamodel.ResultMethodNotAllowed
}

func newTestClient(t *testing.T, binding *fakeBinding) *Client {
	t.Helper()
	registry := datamodel.NewRegistry()
	registry.Register(newFakeObject(3))
	return New(lwm2mconfig.Config{SendQueueCapacity: 4}, binding, registry, &seqIDs{}, &fakeClock{now: time.Unix(0, 0)}, nil)
}

// compositeRequestPayload encodes a FETCH/iPATCH-style SenML+CBOR body
// naming paths (and, for Write-Composite, values), the same codec
// pkg/client's decodeRequestBody dispatches to by default.
func compositeRequestPayload(t *testing.T, recs []lwm2mio.Record) []byte {
	t.Helper()
	enc := &lwm2mio.SenMLEncoder{}
	require.NoError(t, enc.Reset(recs))
	buf := make([]byte, 4096)
	var out []byte
	for {
		n, done, err := enc.GetPayload(buf)
		out = append(out, buf[:n]...)
		require.NoError(t, err)
		if done {
			break
		}
	}
	return out
}

func TestHandleReadCompositeConcatenatesPaths(t *testing.T) {
	binding := &fakeBinding{}
	c := newTestClient(t, binding)
	p5, _ := lwm2mio.NewPath(3, 0, 5)
	p6, _ := lwm2mio.NewPath(3, 0, 6)
	payload := compositeRequestPayload(t, []lwm2mio.Record{{Path: p5}, {Path: p6}})

	msg := &coap.Message{Version: 1, Type: coap.TypeConfirmable, Code: coap.FETCH, Token: coap.Token{1}, Payload: payload, Options: coap.NewOptions(0)}
	c.handleReadComposite(msg)

	require.NotNil(t, binding.last())
	assert.Equal(t, coap.Content, binding.last().Code)
	assert.NotEmpty(t, binding.last().Payload)
}

func TestHandleReadCompositeRejectsOnInvalidPath(t *testing.T) {
	binding := &fakeBinding{}
	c := newTestClient(t, binding)
	p5, _ := lwm2mio.NewPath(3, 0, 5)
	bogus, _ := lwm2mio.NewPath(99, 0, 1)
	payload := compositeRequestPayload(t, []lwm2mio.Record{{Path: p5}, {Path: bogus}})

	msg := &coap.Message{Version: 1, Type: coap.TypeConfirmable, Code: coap.FETCH, Token: coap.Token{1}, Payload: payload, Options: coap.NewOptions(0)}
	c.handleReadComposite(msg)

	require.NotNil(t, binding.last())
	assert.Equal(t, coap.BadRequest, binding.last().Code)
}

func TestHandleWriteCompositeAppliesEveryRecord(t *testing.T) {
	binding := &fakeBinding{}
	c := newTestClient(t, binding)
	p5, _ := lwm2mio.NewPath(3, 0, 5)
	p6, _ := lwm2mio.NewPath(3, 0, 6)
	payload := compositeRequestPayload(t, []lwm2mio.Record{
		{Path: p5, Value: lwm2mio.Int64Value(100), HasValue: true},
		{Path: p6, Value: lwm2mio.Int64Value(200), HasValue: true},
	})

	msg := &coap.Message{Version: 1, Type: coap.TypeConfirmable, Code: coap.IPATCH, Token: coap.Token{1}, Payload: payload, Options: coap.NewOptions(0)}
	c.handleWriteComposite(msg)

	require.NotNil(t, binding.last())
	assert.Equal(t, coap.Changed, binding.last().Code)

	h, _ := c.registry.Get(3)
	v, res := h.ReadResource(0, 5, nil)
	require.Equal(t, datamodel.ResultOK, res)
	assert.Equal(t, int64(100), v.Int)
}

func TestWriteAttributesThenDiscoverReportsStoredAttrs(t *testing.T) {
	binding := &fakeBinding{}
	c := newTestClient(t, binding)
	p, _ := lwm2mio.NewPath(3, 0, 5)

	opts := coap.NewOptions(2)
	require.NoError(t, opts.AddString(coap.OptUriQuery, "pmin=5"))
	require.NoError(t, opts.AddString(coap.OptUriQuery, "pmax=60"))
	msg := &coap.Message{Version: 1, Type: coap.TypeConfirmable, Code: coap.PUT, Token: coap.Token{1}, Options: opts}
	c.handleWriteAttributes(msg, p)
	require.Equal(t, coap.Changed, binding.last().Code)

	objPath, _ := lwm2mio.NewPath(3)
	discMsg := &coap.Message{Version: 1, Type: coap.TypeConfirmable, Code: coap.GET, Token: coap.Token{2}}
	c.handleDiscover(discMsg, objPath)
	require.NotNil(t, binding.last())
	assert.Equal(t, coap.Content, binding.last().Code)
	assert.Contains(t, string(binding.last().Payload), "pmin")
}

func TestPumpSendQueueOnlyDispatchesWhenRegistered(t *testing.T) {
	binding := &fakeBinding{}
	c := newTestClient(t, binding)
	regBinding := &fakeBinding{}
	c.reg = session.New(session.Config{
		Binding: regBinding, IDs: &seqIDs{}, Clock: c.clock, Registry: c.registry,
		ServerURI: "coap://server.example.com:5683", EndpointName: "urn:imei:1",
		Lifetime: 100 * time.Second, BindingMode: "U",
		Retry: session.RetryPolicy{RetryTimer: time.Second, RetryCount: 1, SeqDelayTimer: time.Second, SeqRetryCount: 1},
	})

	p, _ := lwm2mio.NewPath(3, 0, 5)
	_, err := c.sendQueue.Enqueue([]lwm2mio.Record{{Path: p, Value: lwm2mio.Int64Value(1), HasValue: true}}, lwm2mio.FormatSenMLCBOR, nil)
	require.NoError(t, err)

	c.pumpSendQueue(time.Unix(0, 0))
	assert.Nil(t, c.inbound, "must not dispatch a Send while not yet Registered")
}

func TestPumpSendQueueWakesSuspendedRegistrationOnQueuedSend(t *testing.T) {
	binding := &fakeBinding{}
	registry := datamodel.NewRegistry()
	registry.Register(newFakeObject(3))
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New(lwm2mconfig.Config{SendQueueCapacity: 4}, binding, registry, &seqIDs{}, clock, nil)

	regBinding := &fakeBinding{}
	c.reg = session.New(session.Config{
		Binding: regBinding, IDs: &seqIDs{}, Clock: clock, Registry: registry,
		ServerURI: "coap://server.example.com:5683", EndpointName: "urn:imei:1",
		Lifetime: 100 * time.Second, BindingMode: "U", QueueMode: true,
		Retry: session.RetryPolicy{RetryTimer: time.Second, RetryCount: 1, SeqDelayTimer: time.Second, SeqRetryCount: 1},
	})
	c.reg.Start()
	c.reg.Step(clock.now)
	resp := &coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Created,
		MessageID: regBinding.last().MessageID, Token: regBinding.last().Token,
		Options: regLocationPathOptions("rd", "0"),
	}
	_, err := c.reg.Exchange().OnMessage(resp)
	require.NoError(t, err)
	require.Equal(t, session.RegRegistered, c.reg.State())

	// drive past updateDueAfter (50s at a 100s lifetime) so the session
	// issues an Update; completing it while QueueMode suspends the binding.
	clock.now = clock.now.Add(51 * time.Second)
	c.reg.Step(clock.now)
	require.Equal(t, session.RegUpdating, c.reg.State())
	updResp := &coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Changed,
		MessageID: regBinding.last().MessageID, Token: regBinding.last().Token,
		Options: coap.NewOptions(0),
	}
	_, err = c.reg.Exchange().OnMessage(updResp)
	require.NoError(t, err)
	require.Equal(t, session.RegSuspended, c.reg.State())

	p, _ := lwm2mio.NewPath(3, 0, 5)
	_, err = c.sendQueue.Enqueue([]lwm2mio.Record{{Path: p, Value: lwm2mio.Int64Value(1), HasValue: true}}, lwm2mio.FormatSenMLCBOR, nil)
	require.NoError(t, err)

	c.pumpSendQueue(clock.now)
	assert.Equal(t, session.RegConnecting, c.reg.State())
}

func regLocationPathOptions(segs ...string) *coap.Options {
	opts := coap.NewOptions(0)
	for _, s := range segs {
		_ = opts.AddString(coap.OptLocationPath, s)
	}
	return opts
}
