// Package client wires the codec, exchange, session, observation, and send
// layers into one cooperatively-scheduled LwM2M client, driven by a single
// Step call per tick the way the teacher's gocanopen Node drives its bus,
// SDO, PDO, and heartbeat subsystems from one tick.
package client

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/anj-go/lwm2m/pkg/coap"
	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/exchange"
	"github.com/anj-go/lwm2m/pkg/lwm2mconfig"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
	"github.com/anj-go/lwm2m/pkg/observe"
	"github.com/anj-go/lwm2m/pkg/send"
	"github.com/anj-go/lwm2m/pkg/session"
	"github.com/anj-go/lwm2m/pkg/transport"
)

// Logger is the narrow logging interface this package logs through.
type Logger interface {
	Printf(format string, v ...interface{})
}

func logf(l Logger, format string, v ...interface{}) {
	if l != nil {
		l.Printf(format, v...)
	}
}

// Client is the top-level LwM2M client: one Registry of Objects, one
// transport Binding, one active RegisterSession (and, during
// provisioning, a BootstrapSession), an observation registry, and a Send
// queue.
type Client struct {
	cfg      lwm2mconfig.Config
	binding  transport.Binding
	ids      exchange.IDAllocator
	clock    exchange.Clock
	logger   Logger
	registry *datamodel.Registry

	reg       *session.RegisterSession
	bootstrap *session.BootstrapSession

	observations *observe.Registry
	attrs        *observe.AttrStore
	sendQueue    *send.Queue

	inbound *exchange.Exchange // client-initiated Send (POST /dp) exchange; server requests are answered directly over binding
}

// New constructs a Client. Call Bootstrap or Register to choose how it
// joins a server, then call Step repeatedly.
func New(cfg lwm2mconfig.Config, binding transport.Binding, registry *datamodel.Registry, ids exchange.IDAllocator, clock exchange.Clock, logger Logger) *Client {
	return &Client{
		cfg:          cfg,
		binding:      binding,
		ids:          ids,
		clock:        clock,
		logger:       logger,
		registry:     registry,
		observations: observe.NewRegistry(),
		attrs:        observe.NewAttrStore(),
		sendQueue:    send.NewQueue(cfg.SendQueueCapacity),
	}
}

// Register starts the registration session against cfg.ServerURI.
func (c *Client) Register() {
	c.reg = session.New(session.Config{
		Binding:      c.binding,
		IDs:          c.ids,
		Clock:        c.clock,
		Logger:       c.logger,
		Registry:     c.registry,
		ServerURI:    c.cfg.ServerURI,
		EndpointName: c.cfg.EndpointName,
		Lifetime:     time.Duration(c.cfg.LifetimeSec) * time.Second,
		BindingMode:  c.cfg.BindingMode,
		QueueMode:    c.cfg.QueueMode,
		Retry: session.RetryPolicy{
			RetryTimer:    c.cfg.RetryTimer(),
			RetryCount:    c.cfg.RetryCount,
			SeqDelayTimer: c.cfg.SeqDelayTimer(),
			SeqRetryCount: c.cfg.SeqRetryCount,
		},
	})
	c.reg.Start()
}

// Bootstrap starts the bootstrap session against cfg.ServerURI; onDone is
// called once bootstrap finishes (err == nil) or gives up.
func (c *Client) Bootstrap(mode session.BootstrapMode, onDone func(err error)) {
	c.bootstrap = session.NewBootstrap(session.BootstrapConfig{
		Binding:       c.binding,
		IDs:           c.ids,
		Clock:         c.clock,
		Logger:        c.logger,
		Registry:      c.registry,
		ServerURI:     c.cfg.ServerURI,
		EndpointName:  c.cfg.EndpointName,
		ClientHoldOff: c.cfg.ClientHoldOff(),
		FinishTimeout: c.cfg.BootstrapFinishTimeout(),
		Mode:          mode,
		Retry: session.RetryPolicy{
			RetryTimer: c.cfg.RetryTimer(),
			RetryCount: c.cfg.RetryCount,
		},
		OnFinished: onDone,
	})
	c.bootstrap.Start(c.clock.Now())
}

// RegisterSession exposes the active registration session, if any (for
// the owning application to inspect state or request deregistration).
func (c *Client) RegisterSession() *session.RegisterSession { return c.reg }

// Observations exposes the observation registry so an application can
// inspect the active observations.
func (c *Client) Observations() *observe.Registry { return c.observations }

// SendQueue exposes the Send operation queue.
func (c *Client) SendQueue() *send.Queue { return c.sendQueue }

// Step advances every owned subsystem by one tick: the active session,
// any in-flight inbound exchange, and due notifications.
func (c *Client) Step(now time.Time) {
	if c.bootstrap != nil && c.bootstrap.State() != session.BootstrapFinished && c.bootstrap.State() != session.BootstrapError {
		c.bootstrap.Step(now)
	}
	if c.reg != nil {
		c.reg.Step(now)
	}
	if c.inbound != nil {
		c.inbound.Tick(now)
	}
	c.afterSend()
	c.pumpTransport(now)
	c.checkNotifications(now)
	c.pumpSendQueue(now)
}

// afterSend tells every exchange that may have just handed a datagram to
// the (synchronous) transport binding that the send has completed, so it
// can transition MsgToSend → WaitingMsg/Finished. A no-op on any exchange
// not currently in MsgToSend.
func (c *Client) afterSend() {
	if c.bootstrap != nil && c.bootstrap.Exchange() != nil {
		c.bootstrap.Exchange().AfterSend()
	}
	if c.reg != nil && c.reg.Exchange() != nil {
		c.reg.Exchange().AfterSend()
	}
	if c.inbound != nil {
		c.inbound.AfterSend()
	}
}

// pumpTransport drains any pending inbound datagram and routes it either
// to whichever active exchange matches its token (a response) or
// dispatches it as a new server-initiated request.
func (c *Client) pumpTransport(now time.Time) {
	msg, err := c.binding.RecvMessage()
	if err != nil {
		return
	}
	if msg.Code.IsRequest() {
		c.handleServerRequest(now, msg)
		return
	}
	if c.bootstrap != nil && c.bootstrap.Exchange() != nil {
		if matched, _ := c.bootstrap.Exchange().OnMessage(msg); matched {
			return
		}
	}
	if c.reg != nil && c.reg.Exchange() != nil {
		if matched, _ := c.reg.Exchange().OnMessage(msg); matched {
			return
		}
	}
	if c.inbound != nil {
		_, _ = c.inbound.OnMessage(msg)
	}
}

// handleServerRequest recognizes and dispatches one server-initiated
// request against the data model, then sends back the response.
func (c *Client) handleServerRequest(now time.Time, msg *coap.Message) {
	p, err := lwm2mio.ParsePath(msg.Options.Path())
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}

	observeRaw, obsErr := msg.Options.GetBytes(coap.OptObserve)
	var observeOpt []byte
	if obsErr == nil {
		observeOpt = observeRaw
	}
	accept, acceptErr := msg.Options.GetU16(coap.OptAccept)
	cf, cfErr := msg.Options.GetU16(coap.OptContentFormat)

	in := coap.RecognizeInput{
		Code:             msg.Code,
		Path:             uriPathSegments(msg.Options),
		Observe:          observeOpt,
		HasAccept:        acceptErr == nil,
		Accept:           coap.ContentFormat(accept),
		HasContentFormat: cfErr == nil,
		ContentFormat:    coap.ContentFormat(cf),
	}
	op, err := coap.Recognize(in)
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}

	if c.bootstrap != nil {
		c.bootstrap.NotifyServerActivity(now)
		if op == coap.OpBootstrapFinish {
			if err := c.bootstrap.HandleFinish(now); err != nil {
				c.respond(msg, coap.NotAcceptable, nil, 0)
				return
			}
			c.respond(msg, coap.Changed, nil, 0)
			return
		}
	}

	switch op {
	case coap.OpRead:
		c.handleRead(msg, p)
	case coap.OpObserveStart:
		c.handleObserveStart(msg, p)
	case coap.OpObserveCancel:
		c.observations.Remove(msg.Token)
		c.handleRead(msg, p)
	case coap.OpReadComposite:
		c.handleReadComposite(msg)
	case coap.OpObserveCompositeStart:
		c.handleObserveCompositeStart(msg)
	case coap.OpObserveCompositeCancel:
		c.handleObserveCompositeCancel(msg)
	case coap.OpWriteReplace, coap.OpWritePartial:
		c.handleWrite(msg, p, op == coap.OpWritePartial)
	case coap.OpWriteComposite:
		c.handleWriteComposite(msg)
	case coap.OpWriteAttributes:
		c.handleWriteAttributes(msg, p)
	case coap.OpExecute:
		c.handleExecute(msg, p)
	case coap.OpCreate:
		c.handleCreate(msg, p)
	case coap.OpDelete:
		c.handleDelete(msg, p)
	case coap.OpDiscover:
		c.handleDiscover(msg, p)
	default:
		c.respond(msg, coap.NotImplemented, nil, 0)
	}
}

// uriPathSegments reassembles a message's Uri-Path option occurrences, in
// order, the raw string form pkg/coap.Recognize expects.
func uriPathSegments(opts *coap.Options) []string {
	it := opts.Iter(coap.OptUriPath)
	var segs []string
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		segs = append(segs, string(v))
	}
	return segs
}

func (c *Client) handleRead(msg *coap.Message, p lwm2mio.Path) {
	recs, res := c.readPath(p)
	if res != datamodel.ResultOK {
		c.respond(msg, res.ResponseCode(), nil, 0)
		return
	}
	c.respond(msg, coap.Content, recs, lwm2mio.FormatSenMLCBOR)
}

// readPath reads everything under p (one resource, one instance's
// resources, or every instance's resources) against the registry,
// shared by plain Read and each composite operation's per-path fan-out.
func (c *Client) readPath(p lwm2mio.Path) ([]lwm2mio.Record, datamodel.Result) {
	h, ok := c.registry.Get(p.ObjectID())
	if !ok {
		return nil, datamodel.ResultNotFound
	}
	var recs []lwm2mio.Record
	switch {
	case p.HasResource():
		v, res := h.ReadResource(p.InstanceID(), p.ResourceID(), nil)
		if res != datamodel.ResultOK {
			return nil, res
		}
		recs = []lwm2mio.Record{{Path: p, Value: v, HasValue: true}}
	case p.HasInstance():
		ids, res := h.ListResources(p.InstanceID())
		if res != datamodel.ResultOK {
			return nil, res
		}
		for _, rid := range ids {
			v, res := h.ReadResource(p.InstanceID(), rid, nil)
			if res != datamodel.ResultOK {
				continue
			}
			rp, _ := p.Append(rid)
			recs = append(recs, lwm2mio.Record{Path: rp, Value: v, HasValue: true})
		}
	default:
		for _, inst := range h.ListInstances() {
			ids, _ := h.ListResources(inst)
			for _, rid := range ids {
				v, res := h.ReadResource(inst, rid, nil)
				if res != datamodel.ResultOK {
					continue
				}
				rp, _ := p.Append(inst)
				rp, _ = rp.Append(rid)
				recs = append(recs, lwm2mio.Record{Path: rp, Value: v, HasValue: true})
			}
		}
	}
	return recs, datamodel.ResultOK
}

// decodeRequestPaths decodes a Read-Composite/Observe-Composite/
// Write-Attributes-style request body down to the bare list of paths it
// names, ignoring any carried values (FETCH's SenML+CBOR payload sets
// Name but not Value on each record).
func decodeRequestPaths(msg *coap.Message) ([]lwm2mio.Path, error) {
	recs, err := decodeRequestBody(msg, lwm2mio.Path{})
	if err != nil {
		return nil, err
	}
	paths := make([]lwm2mio.Path, 0, len(recs))
	for _, rec := range recs {
		paths = append(paths, rec.Path)
	}
	return paths, nil
}

// handleReadComposite serves FETCH: every path in the request body is
// read and the results concatenated into one SenML+CBOR response. Per
// the reject-on-partial-failure rule (spec.md §4.3), any invalid path
// fails the whole request with 4.00 Bad Request rather than a partial
// result set.
func (c *Client) handleReadComposite(msg *coap.Message) {
	paths, err := decodeRequestPaths(msg)
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}
	var recs []lwm2mio.Record
	for _, p := range paths {
		rs, res := c.readPath(p)
		if res != datamodel.ResultOK {
			c.respond(msg, coap.BadRequest, nil, 0)
			return
		}
		recs = append(recs, rs...)
	}
	c.respond(msg, coap.Content, recs, lwm2mio.FormatSenMLCBOR)
}

// handleWriteComposite serves iPATCH: every record in the request body
// addresses its own full path (possibly spanning several Objects), so
// each one is looked up and written independently; any failure rejects
// the whole request.
func (c *Client) handleWriteComposite(msg *coap.Message) {
	recs, err := decodeRequestBody(msg, lwm2mio.Path{})
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}
	for _, rec := range recs {
		if !rec.Path.HasResource() {
			c.respond(msg, coap.BadRequest, nil, 0)
			return
		}
		h, ok := c.registry.Get(rec.Path.ObjectID())
		if !ok {
			c.respond(msg, coap.BadRequest, nil, 0)
			return
		}
		if res := h.WriteResource(rec.Path.InstanceID(), rec.Path.ResourceID(), nil, rec.Value, true); res != datamodel.ResultOK {
			c.respond(msg, coap.BadRequest, nil, 0)
			return
		}
	}
	c.respond(msg, coap.Changed, nil, 0)
}

func (c *Client) handleObserveStart(msg *coap.Message, p lwm2mio.Path) {
	c.observations.Add(&observe.Entry{Token: msg.Token, Paths: []lwm2mio.Path{p}, Attrs: c.attrs.ResolveChain(p), Format: lwm2mio.FormatSenMLCBOR})
	c.handleRead(msg, p)
}

// handleObserveCompositeStart serves FETCH-with-Observe: the gating
// attributes come from the paths' nearest common ancestor, the same
// aggregation lwm2mio's SenML encoder uses to pick a base name.
func (c *Client) handleObserveCompositeStart(msg *coap.Message) {
	paths, err := decodeRequestPaths(msg)
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}
	var recs []lwm2mio.Record
	for _, p := range paths {
		rs, res := c.readPath(p)
		if res != datamodel.ResultOK {
			c.respond(msg, coap.BadRequest, nil, 0)
			return
		}
		recs = append(recs, rs...)
	}
	ancestor := lwm2mio.CommonAncestor(paths)
	c.observations.Add(&observe.Entry{Token: msg.Token, Paths: paths, Attrs: c.attrs.ResolveChain(ancestor), Format: lwm2mio.FormatSenMLCBOR})
	c.respond(msg, coap.Content, recs, lwm2mio.FormatSenMLCBOR)
}

func (c *Client) handleObserveCompositeCancel(msg *coap.Message) {
	c.observations.Remove(msg.Token)
	paths, err := decodeRequestPaths(msg)
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}
	var recs []lwm2mio.Record
	for _, p := range paths {
		rs, res := c.readPath(p)
		if res != datamodel.ResultOK {
			c.respond(msg, coap.BadRequest, nil, 0)
			return
		}
		recs = append(recs, rs...)
	}
	c.respond(msg, coap.Content, recs, lwm2mio.FormatSenMLCBOR)
}

// handleWriteAttributes serves Write-Attributes (PUT with no
// Content-Format): the pmin/pmax/gt/lt/st parameters arrive as Uri-Query
// options, not a payload, and are stored per path for Discover to report
// and for future Observe-Start calls at or below this path to inherit.
func (c *Client) handleWriteAttributes(msg *coap.Message, p lwm2mio.Path) {
	attrs, err := parseAttrQueries(msg.Options.Queries())
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}
	c.attrs.Set(p, attrs)
	c.respond(msg, coap.Changed, nil, 0)
}

func parseAttrQueries(queries []string) (lwm2mio.Attributes, error) {
	var a lwm2mio.Attributes
	for _, q := range queries {
		kv := strings.SplitN(q, "=", 2)
		if len(kv) != 2 {
			return lwm2mio.Attributes{}, lwm2mio.ErrFormat
		}
		key, val := kv[0], kv[1]
		switch key {
		case "pmin":
			n, err := strconv.Atoi(val)
			if err != nil {
				return lwm2mio.Attributes{}, lwm2mio.ErrFormat
			}
			a.Pmin = &n
		case "pmax":
			n, err := strconv.Atoi(val)
			if err != nil {
				return lwm2mio.Attributes{}, lwm2mio.ErrFormat
			}
			a.Pmax = &n
		case "gt":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return lwm2mio.Attributes{}, lwm2mio.ErrFormat
			}
			a.Gt = &f
		case "lt":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return lwm2mio.Attributes{}, lwm2mio.ErrFormat
			}
			a.Lt = &f
		case "st":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return lwm2mio.Attributes{}, lwm2mio.ErrFormat
			}
			a.St = &f
		case "hqmax":
			n, err := strconv.Atoi(val)
			if err != nil {
				return lwm2mio.Attributes{}, lwm2mio.ErrFormat
			}
			a.Hqmax = &n
		default:
			return lwm2mio.Attributes{}, lwm2mio.ErrFormat
		}
	}
	return a, nil
}

func (c *Client) handleWrite(msg *coap.Message, p lwm2mio.Path, partial bool) {
	h, ok := c.registry.Get(p.ObjectID())
	if !ok {
		c.respond(msg, coap.NotFound, nil, 0)
		return
	}
	recs, err := decodeRequestBody(msg, p)
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}
	for _, rec := range recs {
		if !rec.Path.HasResource() {
			continue
		}
		res := h.WriteResource(rec.Path.InstanceID(), rec.Path.ResourceID(), nil, rec.Value, partial)
		if res != datamodel.ResultOK {
			c.respond(msg, res.ResponseCode(), nil, 0)
			return
		}
	}
	c.respond(msg, coap.Changed, nil, 0)
}

func (c *Client) handleExecute(msg *coap.Message, p lwm2mio.Path) {
	h, ok := c.registry.Get(p.ObjectID())
	if !ok || !p.HasResource() {
		c.respond(msg, coap.NotFound, nil, 0)
		return
	}
	res := h.Execute(p.InstanceID(), p.ResourceID(), string(msg.Payload))
	c.respond(msg, res.ResponseCode(), nil, 0)
}

func (c *Client) handleCreate(msg *coap.Message, p lwm2mio.Path) {
	h, ok := c.registry.Get(p.ObjectID())
	if !ok {
		c.respond(msg, coap.NotFound, nil, 0)
		return
	}
	recs, err := decodeRequestBody(msg, p)
	if err != nil {
		c.respond(msg, coap.BadRequest, nil, 0)
		return
	}
	id, res := h.CreateInstance(nil, recs)
	if res != datamodel.ResultOK {
		c.respond(msg, res.ResponseCode(), nil, 0)
		return
	}
	instPath, _ := p.Append(id)
	locOpts := coap.NewOptions(4)
	for i := 0; i < instPath.Len(); i++ {
		_ = locOpts.AddString(coap.OptLocationPath, itoa(int64(instPath.At(i))))
	}
	_ = c.binding.SendMessage(&coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Created,
		MessageID: msg.MessageID, Token: msg.Token, Options: locOpts,
	})
}

func (c *Client) handleDelete(msg *coap.Message, p lwm2mio.Path) {
	h, ok := c.registry.Get(p.ObjectID())
	if !ok || !p.HasInstance() {
		c.respond(msg, coap.NotFound, nil, 0)
		return
	}
	res := h.DeleteInstance(p.InstanceID())
	c.respond(msg, res.ResponseCode(), nil, 0)
}

func (c *Client) handleDiscover(msg *coap.Message, p lwm2mio.Path) {
	var entries []lwm2mio.DiscoverEntry
	h, ok := c.registry.Get(p.ObjectID())
	if !ok {
		c.respond(msg, coap.NotFound, nil, 0)
		return
	}
	entries = append(entries, lwm2mio.DiscoverEntry{Path: p, Ver: h.Def().Version, Attrs: c.attrs.At(p)})
	for _, inst := range h.ListInstances() {
		instPath, _ := p.Append(inst)
		entries = append(entries, lwm2mio.DiscoverEntry{Path: instPath, Attrs: c.attrs.At(instPath)})
		resIDs, res := h.ListResources(inst)
		if res != datamodel.ResultOK || instPath.Len() != 2 {
			continue
		}
		for _, rid := range resIDs {
			resPath, _ := instPath.Append(rid)
			entries = append(entries, lwm2mio.DiscoverEntry{Path: resPath, Attrs: c.attrs.At(resPath)})
		}
	}
	doc := lwm2mio.EncodeDiscover(entries)
	opts := coap.NewOptions(2)
	_ = opts.AddU16(coap.OptContentFormat, uint16(lwm2mio.FormatLinkFormat))
	_ = c.binding.SendMessage(&coap.Message{
		Version: 1, Type: coap.TypeAck, Code: coap.Content,
		MessageID: msg.MessageID, Token: msg.Token, Options: opts, Payload: []byte(doc),
	})
}

// decodeRequestBody picks a decoder by the request's Content-Format
// option (defaulting to SenML+CBOR, the mandatory format) and buffers the
// whole payload through it in one FeedPayload/NextRecord pass.
func decodeRequestBody(msg *coap.Message, base lwm2mio.Path) ([]lwm2mio.Record, error) {
	format, _ := msg.Options.GetU16(coap.OptContentFormat)
	var dec lwm2mio.RecordDecoder
	switch lwm2mio.Format(format) {
	case lwm2mio.FormatLwM2MCBOR:
		dec = lwm2mio.NewLwM2MCBORDecoder(base)
	case lwm2mio.FormatCBOR:
		dec = lwm2mio.NewCBORDecoder(base)
	case lwm2mio.FormatTLV:
		dec = lwm2mio.NewTLVDecoder(base)
	default:
		dec = lwm2mio.NewSenMLDecoder()
	}
	dec.FeedPayload(msg.Payload, true)
	var out []lwm2mio.Record
	for {
		rec, err := dec.NextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// respond encodes recs (if any) as SenML+CBOR and sends the ACK; the
// format argument is not consulted.
func (c *Client) respond(msg *coap.Message, code coap.Code, recs []lwm2mio.Record, format lwm2mio.Format) {
	opts := coap.NewOptions(2)
	var payload []byte
	if len(recs) > 0 {
		enc := &lwm2mio.SenMLEncoder{}
		if err := enc.Reset(recs); err == nil {
			buf := make([]byte, 4096)
			for {
				n, done, err := enc.GetPayload(buf)
				payload = append(payload, buf[:n]...)
				if done || err != nil {
					break
				}
			}
			_ = opts.AddU16(coap.OptContentFormat, uint16(lwm2mio.FormatSenMLCBOR))
		}
	}
	_ = c.binding.SendMessage(&coap.Message{
		Version: 1, Type: coap.TypeAck, Code: code,
		MessageID: msg.MessageID, Token: msg.Token, Options: opts, Payload: payload,
	})
}

// checkNotifications walks every active observation, re-reads its
// resource(s), and emits a notification when ShouldNotify's gating rules
// say to.
func (c *Client) checkNotifications(now time.Time) {
	for _, entry := range c.observations.All() {
		for _, p := range entry.Paths {
			h, ok := c.registry.Get(p.ObjectID())
			if !ok || !p.HasResource() {
				continue
			}
			v, res := h.ReadResource(p.InstanceID(), p.ResourceID(), nil)
			if res != datamodel.ResultOK {
				continue
			}
			if entry.ShouldNotify(p, v, now) {
				c.sendNotification(entry, p, v, now)
			}
		}
	}
}

func (c *Client) sendNotification(entry *observe.Entry, p lwm2mio.Path, v lwm2mio.Value, now time.Time) {
	enc := &lwm2mio.SenMLEncoder{}
	recs := []lwm2mio.Record{{Path: p, Value: v, HasValue: true}}
	if err := enc.Reset(recs); err != nil {
		return
	}
	buf := make([]byte, 4096)
	var payload []byte
	for {
		n, done, err := enc.GetPayload(buf)
		payload = append(payload, buf[:n]...)
		if done || err != nil {
			break
		}
	}
	opts := coap.NewOptions(4)
	_ = opts.AddU16(coap.OptContentFormat, uint16(lwm2mio.FormatSenMLCBOR))
	_ = opts.AddUint(coap.OptObserve, uint64(now.Unix()&0xffffff))
	_ = c.binding.SendMessage(&coap.Message{
		Version: 1, Type: coap.TypeNonConfirmable, Code: coap.Content,
		MessageID: c.ids.NextMessageID(), Token: entry.Token, Options: opts, Payload: payload,
	})
	entry.Record(p, v, now)
}

// pumpSendQueue dispatches the next pending Send, if the registration is
// Registered and no other exchange is active (spec.md §4.11). In queue
// mode, a pending Send against a Suspended (socket-closed) registration
// instead wakes it — the registration reconnects and re-registers, and
// the Send goes out once that lands it back in Registered.
func (c *Client) pumpSendQueue(now time.Time) {
	if c.inbound != nil && c.inbound.Active() {
		return
	}
	if c.reg == nil {
		return
	}
	switch c.reg.State() {
	case session.RegSuspended:
		if c.sendQueue.Len() > 0 {
			c.reg.WakeForSend()
		}
		return
	case session.RegRegistered:
	default:
		return
	}
	e := c.sendQueue.Next()
	if e == nil {
		return
	}
	enc := &lwm2mio.SenMLEncoder{}
	if err := enc.Reset(e.Records); err != nil {
		c.sendQueue.Complete(false, err)
		return
	}
	handlers := &sendHandlers{enc: enc, queue: c.sendQueue}
	c.inbound = exchange.New(c.binding, c.ids, c.clock, nil)
	sendFormat := coap.ContentFormat(lwm2mio.FormatSenMLCBOR)
	req := exchange.ClientRequest{
		Code:          coap.POST,
		Path:          []string{"dp"},
		Confirmable:   true,
		ContentFormat: &sendFormat,
		MTU:           c.binding.GetInnerMTU(),
	}
	if err := c.inbound.BeginClientRequest(req, handlers); err != nil {
		c.sendQueue.Complete(false, err)
	}
}

type sendHandlers struct {
	enc   *lwm2mio.SenMLEncoder
	queue *send.Queue
}

func (h *sendHandlers) ReadPayload(buf []byte) (n int, done bool, err error) {
	return h.enc.GetPayload(buf)
}

func (h *sendHandlers) Complete(msg *coap.Message, result exchange.Result) {
	ok := result == exchange.ResultOK && msg != nil && msg.Code == coap.Changed
	h.queue.Complete(ok, nil)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
