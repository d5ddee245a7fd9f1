package observe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anj-go/lwm2m/pkg/coap"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	tok := coap.Token{1, 2, 3}
	p, _ := lwm2mio.NewPath(3, 0, 9)
	r.Add(&Entry{Token: tok, Paths: []lwm2mio.Path{p}})

	e, ok := r.Get(tok)
	require.True(t, ok)
	assert.Equal(t, 1, r.Len())

	r.Remove(tok)
	_, ok = r.Get(tok)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	_ = e
}

func TestShouldNotifyFirstValueAlwaysFires(t *testing.T) {
	e := &Entry{Attrs: Attributes{}}
	e.lastValues = map[string]lwm2mio.Value{}
	p, _ := lwm2mio.NewPath(3, 0, 9)
	now := time.Unix(100, 0)
	assert.True(t, e.ShouldNotify(p, lwm2mio.Int64Value(10), now))
}

func TestShouldNotifyPminSuppressesRapidChange(t *testing.T) {
	e := &Entry{Attrs: Attributes{Pmin: 10 * time.Second}}
	e.lastValues = map[string]lwm2mio.Value{}
	p, _ := lwm2mio.NewPath(3, 0, 9)
	base := time.Unix(100, 0)
	e.Record(p, lwm2mio.Int64Value(10), base)

	assert.False(t, e.ShouldNotify(p, lwm2mio.Int64Value(20), base.Add(5*time.Second)))
	assert.True(t, e.ShouldNotify(p, lwm2mio.Int64Value(20), base.Add(11*time.Second)))
}

func TestShouldNotifyPmaxForcesNotificationWithoutChange(t *testing.T) {
	e := &Entry{Attrs: Attributes{Pmax: 60 * time.Second}}
	e.lastValues = map[string]lwm2mio.Value{}
	p, _ := lwm2mio.NewPath(3, 0, 9)
	base := time.Unix(100, 0)
	e.Record(p, lwm2mio.Int64Value(10), base)

	assert.False(t, e.ShouldNotify(p, lwm2mio.Int64Value(10), base.Add(30*time.Second)))
	assert.True(t, e.ShouldNotify(p, lwm2mio.Int64Value(10), base.Add(61*time.Second)))
}

func TestShouldNotifyGreaterThanThreshold(t *testing.T) {
	e := &Entry{Attrs: Attributes{HasGt: true, Gt: 50}}
	e.lastValues = map[string]lwm2mio.Value{}
	p, _ := lwm2mio.NewPath(3, 0, 9)
	base := time.Unix(100, 0)
	e.Record(p, lwm2mio.Int64Value(40), base)

	assert.False(t, e.ShouldNotify(p, lwm2mio.Int64Value(45), base.Add(time.Second)))
	assert.True(t, e.ShouldNotify(p, lwm2mio.Int64Value(55), base.Add(2*time.Second)))
}

func TestShouldNotifyStepThreshold(t *testing.T) {
	e := &Entry{Attrs: Attributes{HasSt: true, St: 5}}
	e.lastValues = map[string]lwm2mio.Value{}
	p, _ := lwm2mio.NewPath(3, 0, 9)
	base := time.Unix(100, 0)
	e.Record(p, lwm2mio.DoubleValue(20), base)

	assert.False(t, e.ShouldNotify(p, lwm2mio.DoubleValue(23), base.Add(time.Second)))
	assert.True(t, e.ShouldNotify(p, lwm2mio.DoubleValue(26), base.Add(2*time.Second)))
}

func TestResolveInheritsAndOverrides(t *testing.T) {
	gt := 12.5
	parent := Attributes{Pmin: 5 * time.Second, HasGt: true, Gt: 1}
	pmin := 20
	child := lwm2mio.Attributes{Pmin: &pmin, Gt: &gt}

	resolved := Resolve(parent, child)
	assert.Equal(t, 20*time.Second, resolved.Pmin)
	assert.True(t, resolved.HasGt)
	assert.Equal(t, 12.5, resolved.Gt)
}

func TestShouldNotifyHqmaxTightensPmax(t *testing.T) {
	e := &Entry{Attrs: Attributes{Pmax: 60 * time.Second, Hqmax: 20 * time.Second}}
	e.lastValues = map[string]lwm2mio.Value{}
	p, _ := lwm2mio.NewPath(3, 0, 9)
	base := time.Unix(100, 0)
	e.Record(p, lwm2mio.Int64Value(10), base)

	assert.False(t, e.ShouldNotify(p, lwm2mio.Int64Value(10), base.Add(15*time.Second)))
	assert.True(t, e.ShouldNotify(p, lwm2mio.Int64Value(10), base.Add(21*time.Second)))
}

func TestShouldNotifyEdgeSuppressesPmaxResend(t *testing.T) {
	e := &Entry{Attrs: Attributes{Pmax: 10 * time.Second, Edge: true}}
	e.lastValues = map[string]lwm2mio.Value{}
	p, _ := lwm2mio.NewPath(3, 0, 9)
	base := time.Unix(100, 0)
	e.Record(p, lwm2mio.BoolValue(true), base)

	assert.False(t, e.ShouldNotify(p, lwm2mio.BoolValue(true), base.Add(30*time.Second)))
	assert.True(t, e.ShouldNotify(p, lwm2mio.BoolValue(false), base.Add(31*time.Second)))
}

func TestAttrStoreResolveChainInheritsDownPath(t *testing.T) {
	s := NewAttrStore()
	objPath, _ := lwm2mio.NewPath(3)
	resPath, _ := lwm2mio.NewPath(3, 0, 9)
	objPmin, resPmax := 5, 60
	s.Set(objPath, lwm2mio.Attributes{Pmin: &objPmin})
	s.Set(resPath, lwm2mio.Attributes{Pmax: &resPmax})

	eff := s.ResolveChain(resPath)
	assert.Equal(t, 5*time.Second, eff.Pmin)
	assert.Equal(t, 60*time.Second, eff.Pmax)

	assert.Nil(t, s.At(resPath).Pmin)
	require.NotNil(t, s.At(resPath).Pmax)
}
