// Package builtin provides the LwM2M Security (/0) and Server (/1)
// Objects every client must carry, backed by an in-memory instance table
// rather than the embedding application's own storage, since these two
// objects are protocol plumbing rather than device-specific data.
package builtin

import (
	"sort"

	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
)

// Security resource ids, OMA LwM2M Security Object (/0).
const (
	ResServerURI        uint16 = 0
	ResBootstrapServer  uint16 = 1
	ResSecurityMode     uint16 = 2
	ResPublicKey        uint16 = 3
	ResServerPublicKey  uint16 = 4
	ResSecretKey        uint16 = 5
	ResShortServerID    uint16 = 10
	ResClientHoldOffSec uint16 = 11
	ResBootstrapTimeout uint16 = 12
)

// SecurityMode mirrors the Security Object's Resource 2 enum.
type SecurityMode int64

const (
	SecurityModePSK SecurityMode = iota
	SecurityModeRPK
	SecurityModeCertificate
	SecurityModeNoSec
)

// SecurityInstance is one row of the Security Object: one LwM2M Server
// (or the Bootstrap-Server) and the credentials used to reach it.
type SecurityInstance struct {
	ServerURI        string
	BootstrapServer  bool
	SecurityMode     SecurityMode
	PublicKey        []byte
	ServerPublicKey  []byte
	SecretKey        []byte
	ShortServerID    uint16
	ClientHoldOffSec int64
	BootstrapTimeout int64
}

// SecurityObject implements datamodel.Handler for Object 0.
type SecurityObject struct {
	instances map[uint16]*SecurityInstance
	nextID    uint16
}

// NewSecurityObject creates an empty Security Object.
func NewSecurityObject() *SecurityObject {
	return &SecurityObject{instances: map[uint16]*SecurityInstance{}}
}

// AddInstance inserts inst at the next available instance id.
func (s *SecurityObject) AddInstance(inst SecurityInstance) uint16 {
	id := s.nextID
	s.nextID++
	s.instances[id] = &inst
	return id
}

func (s *SecurityObject) Def() datamodel.ObjectDef {
	return datamodel.ObjectDef{
		ID:      0,
		Version: "1.1",
		Ops:     datamodel.OpMultiInstance | datamodel.OpMandatory,
		Resources: []datamodel.ResourceDef{
			{ID: ResServerURI, Kind: lwm2mio.KindString, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResBootstrapServer, Kind: lwm2mio.KindBool, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResSecurityMode, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResPublicKey, Kind: lwm2mio.KindBytes, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResServerPublicKey, Kind: lwm2mio.KindBytes, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResSecretKey, Kind: lwm2mio.KindBytes, Ops: datamodel.OpWrite},
			{ID: ResShortServerID, Kind: lwm2mio.KindUint64, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResClientHoldOffSec, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResBootstrapTimeout, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
		},
	}
}

func (s *SecurityObject) ListInstances() []uint16 {
	ids := make([]uint16, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *SecurityObject) ListResources(instance uint16) ([]uint16, datamodel.Result) {
	if _, ok := s.instances[instance]; !ok {
		return nil, datamodel.ResultNotFound
	}
	ids := make([]uint16, 0, len(s.Def().Resources))
	for _, r := range s.Def().Resources {
		ids = append(ids, r.ID)
	}
	return ids, datamodel.ResultOK
}

func (s *SecurityObject) ReadResource(instance, resource uint16, resInst *uint16) (lwm2mio.Value, datamodel.Result) {
	inst, ok := s.instances[instance]
	if !ok {
		return lwm2mio.Value{}, datamodel.ResultNotFound
	}
	switch resource {
	case ResServerURI:
		return lwm2mio.StringValue(inst.ServerURI), datamodel.ResultOK
	case ResBootstrapServer:
		return lwm2mio.BoolValue(inst.BootstrapServer), datamodel.ResultOK
	case ResSecurityMode:
		return lwm2mio.Int64Value(int64(inst.SecurityMode)), datamodel.ResultOK
	case ResPublicKey:
		return lwm2mio.BytesValue(inst.PublicKey), datamodel.ResultOK
	case ResServerPublicKey:
		return lwm2mio.BytesValue(inst.ServerPublicKey), datamodel.ResultOK
	case ResShortServerID:
		return lwm2mio.Uint64Value(uint64(inst.ShortServerID)), datamodel.ResultOK
	case ResClientHoldOffSec:
		return lwm2mio.Int64Value(inst.ClientHoldOffSec), datamodel.ResultOK
	case ResBootstrapTimeout:
		return lwm2mio.Int64Value(inst.BootstrapTimeout), datamodel.ResultOK
	case ResSecretKey:
		return lwm2mio.Value{}, datamodel.ResultMethodNotAllowed // write-only
	default:
		return lwm2mio.Value{}, datamodel.ResultNotFound
	}
}

func (s *SecurityObject) WriteResource(instance, resource uint16, resInst *uint16, v lwm2mio.Value, partial bool) datamodel.Result {
	inst, ok := s.instances[instance]
	if !ok {
		return datamodel.ResultNotFound
	}
	switch resource {
	case ResServerURI:
		inst.ServerURI = v.Str
	case ResBootstrapServer:
		inst.BootstrapServer = v.Bool
	case ResSecurityMode:
		inst.SecurityMode = SecurityMode(v.Int)
	case ResPublicKey:
		inst.PublicKey = v.Bytes
	case ResServerPublicKey:
		inst.ServerPublicKey = v.Bytes
	case ResSecretKey:
		inst.SecretKey = v.Bytes
	case ResShortServerID:
		inst.ShortServerID = uint16(v.Uint)
	case ResClientHoldOffSec:
		inst.ClientHoldOffSec = v.Int
	case ResBootstrapTimeout:
		inst.BootstrapTimeout = v.Int
	default:
		return datamodel.ResultNotFound
	}
	return datamodel.ResultOK
}

func (s *SecurityObject) Execute(instance, resource uint16, args string) datamodel.Result {
	return datamodel.ResultMethodNotAllowed
}

func (s *SecurityObject) CreateInstance(hint *uint16, initial []lwm2mio.Record) (uint16, datamodel.Result) {
	id := s.AddInstance(SecurityInstance{})
	for _, rec := range initial {
		if rec.Path.Len() < 2 {
			continue
		}
		s.WriteResource(id, rec.Path.At(1), nil, rec.Value, false)
	}
	return id, datamodel.ResultOK
}

func (s *SecurityObject) DeleteInstance(instance uint16) datamodel.Result {
	if _, ok := s.instances[instance]; !ok {
		return datamodel.ResultNotFound
	}
	delete(s.instances, instance)
	return datamodel.ResultOK
}
