// Package observe implements the observation and notification registry
// (component C11): one entry per active Observe/Observe-Composite
// relationship, gated by pmin/pmax/gt/lt/st/edge notification attributes.
package observe

import (
	"time"

	"github.com/anj-go/lwm2m/pkg/coap"
	"github.com/anj-go/lwm2m/pkg/lwm2mio"
)

// Attributes is the resolved (post-inheritance) notification-parameter set
// that gates one observed path. Unlike lwm2mio.Attributes (what's set
// exactly at a path), this is the effective value after walking up through
// Resource → Object Instance → Object, per spec.md §4.10.
type Attributes struct {
	Pmin  time.Duration
	Pmax  time.Duration
	// Hqmax, when set (>0), tightens the effective maximum period below
	// Pmax rather than replacing it — the smaller of the two gates
	// pmax-forced notifications.
	Hqmax time.Duration
	HasGt bool
	Gt    float64
	HasLt bool
	Lt    float64
	HasSt bool
	St    float64
	Edge  bool
	Con   bool
}

// effectivePmax is Pmax tightened by Hqmax, if Hqmax is set and smaller.
func (a Attributes) effectivePmax() time.Duration {
	if a.Hqmax > 0 && (a.Pmax == 0 || a.Hqmax < a.Pmax) {
		return a.Hqmax
	}
	return a.Pmax
}

// DefaultPmax is used when no pmax attribute is set anywhere on the
// inheritance chain: with no upper bound, periodic notifications never
// fire from pmax alone.
const DefaultPmax = 0

// Resolve merges a, the attributes set exactly at the observed path, over
// inherited, the attributes resolved for its parent (Attributes{} for the
// root). A set field at a more specific level always wins.
func Resolve(inherited Attributes, a lwm2mio.Attributes) Attributes {
	out := inherited
	if a.Pmin != nil {
		out.Pmin = time.Duration(*a.Pmin) * time.Second
	}
	if a.Pmax != nil {
		out.Pmax = time.Duration(*a.Pmax) * time.Second
	}
	if a.Hqmax != nil {
		out.Hqmax = time.Duration(*a.Hqmax) * time.Second
	}
	if a.Gt != nil {
		out.HasGt, out.Gt = true, *a.Gt
	}
	if a.Lt != nil {
		out.HasLt, out.Lt = true, *a.Lt
	}
	if a.St != nil {
		out.HasSt, out.St = true, *a.St
	}
	if a.Edge != nil {
		out.Edge = *a.Edge
	}
	if a.Con != nil {
		out.Con = *a.Con != 0
	}
	return out
}

// Entry is one active observation relationship, single-resource or
// composite (multiple paths sharing one token, spec.md's Observe-Composite).
type Entry struct {
	Token      coap.Token
	Paths      []lwm2mio.Path
	Attrs      Attributes
	Format     lwm2mio.Format
	lastSent   time.Time
	lastValues map[string]lwm2mio.Value
	haveLast   bool
}

// Registry tracks all active observations, keyed by token.
type Registry struct {
	entries map[string]*Entry
}

// NewRegistry creates an empty observation registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

func tokenKey(t coap.Token) string { return string(t) }

// Add registers a new observation, or replaces one with the same token (a
// client re-observing the same path refreshes attributes and resets the
// gating state, per RFC 7641).
func (r *Registry) Add(e *Entry) {
	e.lastValues = map[string]lwm2mio.Value{}
	r.entries[tokenKey(e.Token)] = e
}

// Remove cancels the observation for token, if any.
func (r *Registry) Remove(token coap.Token) {
	delete(r.entries, tokenKey(token))
}

// Get returns the observation for token, if active.
func (r *Registry) Get(token coap.Token) (*Entry, bool) {
	e, ok := r.entries[tokenKey(token)]
	return e, ok
}

// All returns every active observation, in no particular order.
func (r *Registry) All() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Len reports the number of active observations.
func (r *Registry) Len() int { return len(r.entries) }

// ShouldNotify evaluates the gating rules for one observed path's new value
// against the entry's resolved attributes and its last-sent value, given
// now. It returns whether a notification should fire right now.
//
// Gating, spec.md §4.10:
//   - pmin: suppress until Pmin has elapsed since the last notification for
//     this entry, regardless of how much the value moved.
//   - pmax: force a notification once Pmax has elapsed, even with no
//     qualifying change (0 disables this).
//   - gt/lt/st: for numeric resources, only notify if the value crossed the
//     gt/lt threshold or moved by at least st since the last sent value.
//   - with none of gt/lt/st set, any change notifies (post-pmin).
func (e *Entry) ShouldNotify(path lwm2mio.Path, value lwm2mio.Value, now time.Time) bool {
	sincePrev := now.Sub(e.lastSent)
	if e.haveLast && sincePrev < e.Attrs.Pmin {
		return false
	}
	// edge-gated resources only notify on an actual transition; pmax (or
	// hqmax) never forces a resend of an unchanged value for them.
	if pmax := e.Attrs.effectivePmax(); pmax > 0 && e.haveLast && sincePrev >= pmax && !e.Attrs.Edge {
		return true
	}

	key := path.String()
	prev, hadPrev := e.lastValues[key]
	if !hadPrev {
		return true
	}
	if !valuesEqual(prev, value) {
		if numericThresholdsSet(e.Attrs) {
			return thresholdCrossed(e.Attrs, prev, value)
		}
		return true
	}
	return false
}

// Record updates the entry's last-sent bookkeeping after a notification for
// path has actually gone out, for the next ShouldNotify evaluation.
func (e *Entry) Record(path lwm2mio.Path, value lwm2mio.Value, now time.Time) {
	e.lastSent = now
	e.lastValues[path.String()] = value
	e.haveLast = true
}

func numericThresholdsSet(a Attributes) bool {
	return a.HasGt || a.HasLt || a.HasSt
}

func valuesEqual(a, b lwm2mio.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case lwm2mio.KindInt64:
		return a.Int == b.Int
	case lwm2mio.KindUint64:
		return a.Uint == b.Uint
	case lwm2mio.KindDouble:
		return a.Double == b.Double
	case lwm2mio.KindBool:
		return a.Bool == b.Bool
	case lwm2mio.KindString:
		return a.Str == b.Str
	default:
		return false
	}
}

func asFloat(v lwm2mio.Value) (float64, bool) {
	switch v.Kind {
	case lwm2mio.KindInt64:
		return float64(v.Int), true
	case lwm2mio.KindUint64:
		return float64(v.Uint), true
	case lwm2mio.KindDouble:
		return v.Double, true
	default:
		return 0, false
	}
}

// thresholdCrossed implements the gt/lt/st evaluation: notify if the new
// value crosses gt upward, crosses lt downward, or has moved by at least st
// from the last reported value. Non-numeric values always notify on change
// since gt/lt/st don't apply to them.
func thresholdCrossed(a Attributes, prev, cur lwm2mio.Value) bool {
	curF, curOK := asFloat(cur)
	prevF, prevOK := asFloat(prev)
	if !curOK || !prevOK {
		return true
	}
	if a.HasGt && prevF <= a.Gt && curF > a.Gt {
		return true
	}
	if a.HasLt && prevF >= a.Lt && curF < a.Lt {
		return true
	}
	if a.HasSt {
		diff := curF - prevF
		if diff < 0 {
			diff = -diff
		}
		if diff >= a.St {
			return true
		}
	}
	return false
}

// AttrStore holds the notification attributes explicitly set at each
// path via Write-Attributes, the per-path counterpart to Registry's
// per-token active observations. Discover reports exactly what's stored
// here (lwm2mio.Attributes, unset fields nil); ResolveChain folds a
// path's whole ancestor chain into the effective Attributes a new
// observation gates on.
type AttrStore struct {
	set map[string]lwm2mio.Attributes
}

// NewAttrStore creates an empty per-path attribute store.
func NewAttrStore() *AttrStore {
	return &AttrStore{set: map[string]lwm2mio.Attributes{}}
}

// Set overlays a Write-Attributes request's parameters onto whatever is
// already stored at path: a request only carries the parameters being
// changed, so an unset field in a leaves the stored value untouched.
func (s *AttrStore) Set(path lwm2mio.Path, a lwm2mio.Attributes) {
	key := path.String()
	cur := s.set[key]
	if a.Pmin != nil {
		cur.Pmin = a.Pmin
	}
	if a.Pmax != nil {
		cur.Pmax = a.Pmax
	}
	if a.Gt != nil {
		cur.Gt = a.Gt
	}
	if a.Lt != nil {
		cur.Lt = a.Lt
	}
	if a.St != nil {
		cur.St = a.St
	}
	if a.Edge != nil {
		cur.Edge = a.Edge
	}
	if a.Con != nil {
		cur.Con = a.Con
	}
	if a.Hqmax != nil {
		cur.Hqmax = a.Hqmax
	}
	s.set[key] = cur
}

// At returns exactly what's stored at path, not what path inherits from
// its ancestors — the value Discover reports.
func (s *AttrStore) At(path lwm2mio.Path) lwm2mio.Attributes {
	return s.set[path.String()]
}

// ResolveChain walks path from its Object root down to itself, folding
// each level's stored attributes into an effective Attributes the way a
// new Observe-Start inherits them (spec.md §4.10).
func (s *AttrStore) ResolveChain(path lwm2mio.Path) Attributes {
	var eff Attributes
	var cur lwm2mio.Path
	eff = Resolve(eff, s.At(cur))
	for i := 0; i < path.Len(); i++ {
		cur, _ = cur.Append(path.At(i))
		eff = Resolve(eff, s.At(cur))
	}
	return eff
}
