// Package datamodel defines the callback interface an LwM2M client's
// embedding application implements to expose Objects, Object Instances,
// and Resources: read/write/execute/create/delete plus instance/resource
// enumeration, dispatched by pkg/exchange's request handling.
package datamodel

import (
	"sort"

	"github.com/anj-go/lwm2m/pkg/coap"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
)

// Result is the outcome of a data model operation, mapped to a CoAP
// response code by ResultCode. Grounded on gocanopen's ODR abort-code
// table (od_interface.go): a small enum of operation outcomes, each with
// a fixed mapping to the wire-level error code, instead of ad hoc errors
// at each call site.
type Result int8

const (
	ResultOK               Result = 0
	ResultNotFound         Result = 1
	ResultMethodNotAllowed Result = 2
	ResultBadRequest       Result = 3
	ResultUnauthorized     Result = 4
	ResultNotAcceptable    Result = 5
	ResultInternal         Result = 6
)

func (r Result) Error() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNotFound:
		return "not found"
	case ResultMethodNotAllowed:
		return "method not allowed"
	case ResultBadRequest:
		return "bad request"
	case ResultUnauthorized:
		return "unauthorized"
	case ResultNotAcceptable:
		return "not acceptable"
	default:
		return "internal error"
	}
}

// Operations is a bitmask of what's permitted on a Resource, mirroring
// gocanopen's ODA attribute bitmask (od_interface.go) adapted to LwM2M's
// operation set instead of CANopen's SDO/PDO access modes.
type Operations uint8

const (
	OpRead Operations = 1 << iota
	OpWrite
	OpExecute
	OpMultiInstance // the Object allows more than one Instance
	OpMandatory     // the Object must always have at least one Instance
)

func (o Operations) Has(op Operations) bool { return o&op != 0 }

// ResponseCode maps a Result to the CoAP response code the exchange
// engine sends back, per the OMA LwM2M response-code table.
func (r Result) ResponseCode() coap.Code {
	switch r {
	case ResultOK:
		return coap.Changed
	case ResultNotFound:
		return coap.NotFound
	case ResultMethodNotAllowed:
		return coap.MethodNotAllowed
	case ResultBadRequest:
		return coap.BadRequest
	case ResultUnauthorized:
		return coap.Unauthorized
	case ResultNotAcceptable:
		return coap.NotAcceptable
	default:
		return coap.InternalServerError
	}
}

// ResourceDef describes one Resource's static shape within an Object:
// its id, value kind, and permitted operations. Instance data itself
// lives behind Handler, not here — ResourceDef is metadata Discover and
// the composite operations consult.
type ResourceDef struct {
	ID   uint16
	Kind lwm2mio.ValueKind
	Ops  Operations
	// MultipleInstances marks a multi-instance resource (an array of
	// Resource Instances under one Resource ID), e.g. Server APN Link List.
	MultipleInstances bool
}

// ObjectDef describes one Object's static shape: its id, version, and
// resource table.
type ObjectDef struct {
	ID        uint16
	Version   string // e.g. "1.1"; empty means the LwM2M 1.0 default
	Resources []ResourceDef
	Ops       Operations
}

// Handler is the callback interface the embedding application implements
// for one Object. The data model package dispatches Read/Write/Execute/
// Create/Delete against it; pkg/client registers one Handler per Object ID.
type Handler interface {
	Def() ObjectDef

	// ListInstances returns the currently existing Instance IDs, sorted.
	ListInstances() []uint16

	// ListResources returns the Resource IDs currently populated on
	// instance (a subset of Def().Resources when optional resources are
	// absent), used by Discover and composite Read.
	ListResources(instance uint16) ([]uint16, Result)

	// ReadResource reads one Resource (or, for a multi-instance Resource,
	// one Resource Instance if resourceInstance != nil).
	ReadResource(instance uint16, resource uint16, resourceInstance *uint16) (lwm2mio.Value, Result)

	// WriteResource writes one Resource or Resource Instance.
	// partialUpdate distinguishes LwM2M Write (Partial Update) from a
	// Write (Replace) that first clears any existing Resource Instances.
	WriteResource(instance uint16, resource uint16, resourceInstance *uint16, value lwm2mio.Value, partialUpdate bool) Result

	// Execute invokes a Resource's Execute operation with an optional
	// argument string.
	Execute(instance uint16, resource uint16, args string) Result

	// CreateInstance creates a new Object Instance, optionally with an
	// explicit id (nil lets the handler pick one), seeded with the given
	// initial resource values. It returns the assigned instance id.
	CreateInstance(instanceHint *uint16, initial []lwm2mio.Record) (uint16, Result)

	// DeleteInstance removes an existing Object Instance.
	DeleteInstance(instance uint16) Result
}

// Registry maps Object IDs to their Handler, the table pkg/client and
// pkg/exchange's request dispatch consult to route an incoming path.
type Registry struct {
	handlers map[uint16]Handler
}

// NewRegistry creates an empty object registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[uint16]Handler{}}
}

// Register binds a Handler to its Object ID, overwriting any prior
// registration for that id.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Def().ID] = h
}

// Get returns the Handler for objectID, if registered.
func (r *Registry) Get(objectID uint16) (Handler, bool) {
	h, ok := r.handlers[objectID]
	return h, ok
}

// ObjectIDs returns every registered Object ID, sorted, used to build the
// root Discover / the registration payload's Object Links list.
func (r *Registry) ObjectIDs() []uint16 {
	ids := make([]uint16, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
