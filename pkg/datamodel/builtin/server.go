package builtin

import (
	"sort"

	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
)

// Server resource ids, OMA LwM2M Server Object (/1).
const (
	ResShortServerIDSrv uint16 = 0
	ResLifetime         uint16 = 1
	ResDefaultMinPeriod uint16 = 2
	ResDefaultMaxPeriod uint16 = 3
	ResDisable          uint16 = 4
	ResDisableTimeout   uint16 = 5
	ResNotifStoring     uint16 = 6
	ResBinding          uint16 = 7
	ResRegUpdateTrigger uint16 = 8
)

// ServerInstance is one row of the Server Object: registration policy for
// one LwM2M Server.
type ServerInstance struct {
	ShortServerID    uint16
	LifetimeSec      int64
	DefaultMinPeriod int64
	DefaultMaxPeriod int64
	NotifStoring     bool
	Binding          string
}

// ServerObject implements datamodel.Handler for Object 1.
type ServerObject struct {
	instances map[uint16]*ServerInstance
	nextID    uint16
	// RegistrationUpdateRequested is set by Execute on Resource 8 and
	// consumed by pkg/session to trigger an out-of-cycle Update.
	RegistrationUpdateRequested map[uint16]bool
}

// NewServerObject creates an empty Server Object.
func NewServerObject() *ServerObject {
	return &ServerObject{instances: map[uint16]*ServerInstance{}, RegistrationUpdateRequested: map[uint16]bool{}}
}

// AddInstance inserts inst at the next available instance id.
func (s *ServerObject) AddInstance(inst ServerInstance) uint16 {
	id := s.nextID
	s.nextID++
	s.instances[id] = &inst
	return id
}

// Get returns the ServerInstance for instance, if present.
func (s *ServerObject) Get(instance uint16) (*ServerInstance, bool) {
	inst, ok := s.instances[instance]
	return inst, ok
}

func (s *ServerObject) Def() datamodel.ObjectDef {
	return datamodel.ObjectDef{
		ID:      1,
		Version: "1.1",
		Ops:     datamodel.OpMultiInstance,
		Resources: []datamodel.ResourceDef{
			{ID: ResShortServerIDSrv, Kind: lwm2mio.KindUint64, Ops: datamodel.OpRead},
			{ID: ResLifetime, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResDefaultMinPeriod, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResDefaultMaxPeriod, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResDisable, Kind: lwm2mio.KindString, Ops: datamodel.OpExecute},
			{ID: ResDisableTimeout, Kind: lwm2mio.KindInt64, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResNotifStoring, Kind: lwm2mio.KindBool, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResBinding, Kind: lwm2mio.KindString, Ops: datamodel.OpRead | datamodel.OpWrite},
			{ID: ResRegUpdateTrigger, Kind: lwm2mio.KindString, Ops: datamodel.OpExecute},
		},
	}
}

func (s *ServerObject) ListInstances() []uint16 {
	ids := make([]uint16, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *ServerObject) ListResources(instance uint16) ([]uint16, datamodel.Result) {
	if _, ok := s.instances[instance]; !ok {
		return nil, datamodel.ResultNotFound
	}
	ids := make([]uint16, 0, len(s.Def().Resources))
	for _, r := range s.Def().Resources {
		ids = append(ids, r.ID)
	}
	return ids, datamodel.ResultOK
}

func (s *ServerObject) ReadResource(instance, resource uint16, resInst *uint16) (lwm2mio.Value, datamodel.Result) {
	inst, ok := s.instances[instance]
	if !ok {
		return lwm2mio.Value{}, datamodel.ResultNotFound
	}
	switch resource {
	case ResShortServerIDSrv:
		return lwm2mio.Uint64Value(uint64(inst.ShortServerID)), datamodel.ResultOK
	case ResLifetime:
		return lwm2mio.Int64Value(inst.LifetimeSec), datamodel.ResultOK
	case ResDefaultMinPeriod:
		return lwm2mio.Int64Value(inst.DefaultMinPeriod), datamodel.ResultOK
	case ResDefaultMaxPeriod:
		return lwm2mio.Int64Value(inst.DefaultMaxPeriod), datamodel.ResultOK
	case ResNotifStoring:
		return lwm2mio.BoolValue(inst.NotifStoring), datamodel.ResultOK
	case ResBinding:
		return lwm2mio.StringValue(inst.Binding), datamodel.ResultOK
	default:
		return lwm2mio.Value{}, datamodel.ResultMethodNotAllowed
	}
}

func (s *ServerObject) WriteResource(instance, resource uint16, resInst *uint16, v lwm2mio.Value, partial bool) datamodel.Result {
	inst, ok := s.instances[instance]
	if !ok {
		return datamodel.ResultNotFound
	}
	switch resource {
	case ResLifetime:
		inst.LifetimeSec = v.Int
	case ResDefaultMinPeriod:
		inst.DefaultMinPeriod = v.Int
	case ResDefaultMaxPeriod:
		inst.DefaultMaxPeriod = v.Int
	case ResNotifStoring:
		inst.NotifStoring = v.Bool
	case ResBinding:
		inst.Binding = v.Str
	default:
		return datamodel.ResultMethodNotAllowed
	}
	return datamodel.ResultOK
}

func (s *ServerObject) Execute(instance, resource uint16, args string) datamodel.Result {
	switch resource {
	case ResRegUpdateTrigger:
		s.RegistrationUpdateRequested[instance] = true
		return datamodel.ResultOK
	case ResDisable:
		return datamodel.ResultOK
	default:
		return datamodel.ResultMethodNotAllowed
	}
}

func (s *ServerObject) CreateInstance(hint *uint16, initial []lwm2mio.Record) (uint16, datamodel.Result) {
	id := s.AddInstance(ServerInstance{})
	for _, rec := range initial {
		if rec.Path.Len() < 2 {
			continue
		}
		s.WriteResource(id, rec.Path.At(1), nil, rec.Value, false)
	}
	return id, datamodel.ResultOK
}

func (s *ServerObject) DeleteInstance(instance uint16) datamodel.Result {
	if _, ok := s.instances[instance]; !ok {
		return datamodel.ResultNotFound
	}
	delete(s.instances, instance)
	delete(s.RegistrationUpdateRequested, instance)
	return datamodel.ResultOK
}
