package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anj-go/lwm2m/pkg/coap"
)

// fakeTransport records every message handed to SendMessage.
type fakeTransport struct {
	sent []*coap.Message
}

func (f *fakeTransport) SendMessage(m *coap.Message) error {
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) last() *coap.Message {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// fakeClock is a manually-advanced Clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// seqAllocator hands out deterministic tokens/message-ids for assertions.
type seqAllocator struct {
	tok   byte
	msgID uint16
}

func (a *seqAllocator) NextToken() coap.Token {
	a.tok++
	return coap.Token{a.tok}
}

func (a *seqAllocator) NextMessageID() uint16 {
	a.msgID++
	return a.msgID
}

// staticHandlers supplies one payload and records the terminal Complete call.
type staticHandlers struct {
	payload []byte
	sent    int
	msg     *coap.Message
	result  Result
	done    bool
}

func (h *staticHandlers) ReadPayload(buf []byte) (int, bool, error) {
	n := copy(buf, h.payload[h.sent:])
	h.sent += n
	return n, h.sent >= len(h.payload), nil
}

func (h *staticHandlers) Complete(msg *coap.Message, result Result) {
	h.msg, h.result, h.done = msg, result, true
}

func TestBeginClientRequestSendsMessage(t *testing.T) {
	tr := &fakeTransport{}
	ex := New(tr, &seqAllocator{}, &fakeClock{now: time.Unix(0, 0)}, nil)
	h := &staticHandlers{payload: []byte("hello")}

	err := ex.BeginClientRequest(ClientRequest{
		Code: coap.GET, Path: []string{"3", "0", "0"}, Confirmable: true, MTU: 1024,
	}, h)
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, coap.TypeConfirmable, tr.last().Type)
	assert.Equal(t, coap.GET, tr.last().Code)
	assert.Equal(t, MsgToSend, ex.State())
}

func TestBeginClientRequestWhileActiveFails(t *testing.T) {
	tr := &fakeTransport{}
	ex := New(tr, &seqAllocator{}, &fakeClock{now: time.Unix(0, 0)}, nil)
	h := &staticHandlers{payload: []byte("x")}
	require.NoError(t, ex.BeginClientRequest(ClientRequest{Code: coap.GET, MTU: 1024}, h))

	err := ex.BeginClientRequest(ClientRequest{Code: coap.GET, MTU: 1024}, h)
	assert.ErrorIs(t, err, ErrLogic)
}

func TestHappyPathCompletesOnMatchingResponse(t *testing.T) {
	tr := &fakeTransport{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	ex := New(tr, &seqAllocator{}, clock, nil)
	h := &staticHandlers{payload: []byte("hello")}

	req := ClientRequest{Code: coap.GET, Path: []string{"3", "0", "0"}, Confirmable: true, MTU: 1024}
	require.NoError(t, ex.BeginClientRequest(req, h))

	ex.AfterSend()
	assert.Equal(t, WaitingMsg, ex.State())

	resp := &coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Content,
		MessageID: tr.last().MessageID, Token: tr.last().Token,
		Options: coap.NewOptions(0), Payload: []byte("42"),
	}
	matched, err := ex.OnMessage(resp)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.True(t, h.done)
	assert.Equal(t, ResultOK, h.result)
	assert.Equal(t, resp, h.msg)
	assert.Equal(t, Finished, ex.State())
}

func TestOnMessageIgnoresUnmatchedToken(t *testing.T) {
	tr := &fakeTransport{}
	ex := New(tr, &seqAllocator{}, &fakeClock{now: time.Unix(0, 0)}, nil)
	h := &staticHandlers{payload: []byte("x")}
	require.NoError(t, ex.BeginClientRequest(ClientRequest{Code: coap.GET, Confirmable: true, MTU: 1024}, h))
	ex.AfterSend()

	other :=&coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Content,
		MessageID: 9999, Token: coap.Token{0xff}, Options: coap.NewOptions(0),
	}
	matched, err := ex.OnMessage(other)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.False(t, h.done)
	assert.Equal(t, WaitingMsg, ex.State())
}

func TestTickRetransmitsThenTimesOut(t *testing.T) {
	tr := &fakeTransport{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	ex := New(tr, &seqAllocator{}, clock, nil)
	h := &staticHandlers{payload: []byte("x")}
	require.NoError(t, ex.BeginClientRequest(ClientRequest{Code: coap.GET, Confirmable: true, MTU: 1024}, h))
	ex.AfterSend()
	require.Equal(t, WaitingMsg, ex.State())

	for i := 0; i < MaxRetransmit; i++ {
		clock.now = clock.now.Add(AckTimeout * 2)
		ex.Tick(clock.now)
		require.False(t, h.done, "should not complete before MaxRetransmit attempts")
		ex.AfterSend()
	}

	clock.now = clock.now.Add(AckTimeout * 2)
	ex.Tick(clock.now)
	assert.True(t, h.done)
	assert.Equal(t, ResultTimeout, h.result)
	assert.Nil(t, h.msg)
}

func TestSelectBlockSize(t *testing.T) {
	assert.Equal(t, 1024, SelectBlockSize(4096))
	assert.Equal(t, 16, SelectBlockSize(8))
	assert.Equal(t, 64, SelectBlockSize(80))
}
