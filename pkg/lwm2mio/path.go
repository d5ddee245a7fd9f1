// Package lwm2mio implements the LwM2M resource payload content formats
// (CBOR, SenML+CBOR, LwM2M+CBOR, TLV, plaintext, opaque) over pkg/cbor's
// low-level primitives, per spec.md §4.6 (component C7).
package lwm2mio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NoID is the sentinel marking "no ID at this level" in a Path.
const NoID uint16 = 0xffff

// ErrFormat covers malformed paths and payload structure.
var ErrFormat = errors.New("lwm2mio: malformed input")

// Path is an ordered sequence of up to 4 unsigned 16-bit IDs identifying
// Object / Instance / Resource / Resource-Instance. Len 0 means the root
// path.
type Path struct {
	ids [4]uint16
	n   int
}

// NewPath builds a Path from 0 to 4 segments.
func NewPath(ids ...uint16) (Path, error) {
	if len(ids) > 4 {
		return Path{}, ErrFormat
	}
	var p Path
	copy(p.ids[:], ids)
	p.n = len(ids)
	return p, nil
}

// Len returns the number of set segments (0..4).
func (p Path) Len() int { return p.n }

// At returns the ID at level (0=Object..3=Resource-Instance).
func (p Path) At(level int) uint16 { return p.ids[level] }

// HasObject, HasInstance, HasResource, HasResourceInstance report whether
// the path is at least that deep.
func (p Path) HasObject() bool           { return p.n >= 1 }
func (p Path) HasInstance() bool         { return p.n >= 2 }
func (p Path) HasResource() bool         { return p.n >= 3 }
func (p Path) HasResourceInstance() bool { return p.n >= 4 }

func (p Path) ObjectID() uint16           { return p.ids[0] }
func (p Path) InstanceID() uint16         { return p.ids[1] }
func (p Path) ResourceID() uint16         { return p.ids[2] }
func (p Path) ResourceInstanceID() uint16 { return p.ids[3] }

// Append returns a new Path with id appended at the next level; fails if
// already at depth 4.
func (p Path) Append(id uint16) (Path, error) {
	if p.n >= 4 {
		return Path{}, ErrFormat
	}
	np := p
	np.ids[np.n] = id
	np.n++
	return np, nil
}

// String renders the path as "/O/I/R/i", e.g. "/3/0/1".
func (p Path) String() string {
	if p.n == 0 {
		return "/"
	}
	var b strings.Builder
	for i := 0; i < p.n; i++ {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(int(p.ids[i])))
	}
	return b.String()
}

// ParsePath parses a strict "/N/N/N/N" grammar path (0 to 4 unsigned
// segments), per spec.md §4.6.4's SenML absolute-path rule.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return Path{}, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) > 4 {
		return Path{}, ErrFormat
	}
	var ids []uint16
	for _, part := range parts {
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return Path{}, fmt.Errorf("lwm2mio: %w: %q", ErrFormat, part)
		}
		ids = append(ids, uint16(v))
	}
	return NewPath(ids...)
}

// CommonAncestor returns the longest path that is a prefix of every path in
// paths, used to pick a SenML base-name. Returns the root path for an
// empty or divergent-at-level-0 input.
func CommonAncestor(paths []Path) Path {
	if len(paths) == 0 {
		return Path{}
	}
	best := paths[0]
	for _, p := range paths[1:] {
		depth := best.n
		if p.n < depth {
			depth = p.n
		}
		common := 0
		for i := 0; i < depth; i++ {
			if best.ids[i] != p.ids[i] {
				break
			}
			common++
		}
		best.n = common
	}
	return best
}

// Suffix returns the segments of p beyond ancestor's depth, as a Path
// (reusing Path to represent a relative segment list).
func (p Path) Suffix(ancestor Path) Path {
	var out Path
	for i := ancestor.n; i < p.n; i++ {
		out.ids[out.n] = p.ids[i]
		out.n++
	}
	return out
}

// ObjectLinkString renders an Object-Link value as "oid:iid".
func ObjectLinkString(objectID, instanceID uint16) string {
	return fmt.Sprintf("%d:%d", objectID, instanceID)
}

// ParseObjectLinkString parses an "oid:iid" Object-Link value.
func ParseObjectLinkString(s string) (objectID, instanceID uint16, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, ErrFormat
	}
	o, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, ErrFormat
	}
	i, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, 0, ErrFormat
	}
	return uint16(o), uint16(i), nil
}
