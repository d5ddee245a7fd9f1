package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
)

func TestSecurityObjectReadWrite(t *testing.T) {
	obj := NewSecurityObject()
	id := obj.AddInstance(SecurityInstance{
		ServerURI:     "coap://server.example.com:5683",
		SecurityMode:  SecurityModePSK,
		ShortServerID: 123,
	})

	v, res := obj.ReadResource(id, ResServerURI, nil)
	require.Equal(t, datamodel.ResultOK, res)
	assert.Equal(t, "coap://server.example.com:5683", v.Str)

	res = obj.WriteResource(id, ResServerURI, nil, lwm2mio.StringValue("coap://new.example.com"), false)
	require.Equal(t, datamodel.ResultOK, res)
	v, _ = obj.ReadResource(id, ResServerURI, nil)
	assert.Equal(t, "coap://new.example.com", v.Str)

	_, res = obj.ReadResource(id, ResSecretKey, nil)
	assert.Equal(t, datamodel.ResultMethodNotAllowed, res)

	_, res = obj.ReadResource(9999, ResServerURI, nil)
	assert.Equal(t, datamodel.ResultNotFound, res)
}

func TestSecurityObjectListInstancesSorted(t *testing.T) {
	obj := NewSecurityObject()
	obj.AddInstance(SecurityInstance{ServerURI: "a"})
	obj.AddInstance(SecurityInstance{ServerURI: "b"})
	ids := obj.ListInstances()
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])
}

func TestServerObjectReadLifetime(t *testing.T) {
	obj := NewServerObject()
	id := obj.AddInstance(ServerInstance{ShortServerID: 1, LifetimeSec: 86400, Binding: "U"})

	v, res := obj.ReadResource(id, ResLifetime, nil)
	require.Equal(t, datamodel.ResultOK, res)
	assert.EqualValues(t, 86400, v.Int)

	v, res = obj.ReadResource(id, ResBinding, nil)
	require.Equal(t, datamodel.ResultOK, res)
	assert.Equal(t, "U", v.Str)
}

func TestServerObjectExecuteRegistrationUpdateTrigger(t *testing.T) {
	obj := NewServerObject()
	id := obj.AddInstance(ServerInstance{ShortServerID: 1})
	assert.False(t, obj.RegistrationUpdateRequested[id])
	res := obj.Execute(id, ResRegUpdateTrigger, "")
	require.Equal(t, datamodel.ResultOK, res)
	assert.True(t, obj.RegistrationUpdateRequested[id])
}
