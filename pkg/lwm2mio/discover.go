package lwm2mio

import (
	"fmt"
	"strconv"
	"strings"
)

// Attributes is the notification-parameter set a Discover response reports
// per path: minimum/maximum period, greater/less/step thresholds, and the
// LwM2M v1.2 edge/confirmable/hqmax extensions. A nil pointer means the
// attribute is not set at that path (it may still be inherited from an
// ancestor at evaluation time; Discover reports only what's set exactly
// here, not the resolved/inherited value).
type Attributes struct {
	Pmin  *int
	Pmax  *int
	Gt    *float64
	Lt    *float64
	St    *float64
	Edge  *bool
	Con   *int
	Hqmax *int
}

// DiscoverEntry is one link-format record in a Discover response: a path,
// optionally an object version, and any attributes attached exactly there.
type DiscoverEntry struct {
	Path  Path
	Ver   string
	Attrs Attributes
}

// EncodeDiscover renders entries as a CoRE Link Format document (RFC 6690),
// content format 40, the payload Discover and Bootstrap-Discover
// responses carry.
func EncodeDiscover(entries []DiscoverEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		var b strings.Builder
		b.WriteByte('<')
		b.WriteString(e.Path.String())
		b.WriteByte('>')
		if e.Ver != "" {
			fmt.Fprintf(&b, ";ver=%s", e.Ver)
		}
		writeAttrParams(&b, e.Attrs)
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ",")
}

func writeAttrParams(b *strings.Builder, a Attributes) {
	if a.Pmin != nil {
		fmt.Fprintf(b, ";pmin=%d", *a.Pmin)
	}
	if a.Pmax != nil {
		fmt.Fprintf(b, ";pmax=%d", *a.Pmax)
	}
	if a.Gt != nil {
		fmt.Fprintf(b, ";gt=%s", formatAttrFloat(*a.Gt))
	}
	if a.Lt != nil {
		fmt.Fprintf(b, ";lt=%s", formatAttrFloat(*a.Lt))
	}
	if a.St != nil {
		fmt.Fprintf(b, ";st=%s", formatAttrFloat(*a.St))
	}
	if a.Edge != nil && *a.Edge {
		b.WriteString(";edge=1")
	}
	if a.Con != nil {
		fmt.Fprintf(b, ";con=%d", *a.Con)
	}
	if a.Hqmax != nil {
		fmt.Fprintf(b, ";hqmax=%d", *a.Hqmax)
	}
}

func formatAttrFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// DecodeDiscover parses a CoRE Link Format document into DiscoverEntry
// records; used by bootstrap clients processing a Bootstrap-Discover
// response and by test/debug tooling.
func DecodeDiscover(s string) ([]DiscoverEntry, error) {
	var out []DiscoverEntry
	for _, link := range splitLinks(s) {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		close := strings.IndexByte(link, '>')
		if !strings.HasPrefix(link, "<") || close < 0 {
			return nil, ErrFormat
		}
		p, err := ParsePath(link[1:close])
		if err != nil {
			return nil, err
		}
		entry := DiscoverEntry{Path: p}
		rest := strings.TrimPrefix(link[close+1:], ";")
		for _, param := range strings.Split(rest, ";") {
			if param == "" {
				continue
			}
			kv := strings.SplitN(param, "=", 2)
			key := kv[0]
			var val string
			if len(kv) == 2 {
				val = kv[1]
			}
			if err := applyAttrParam(&entry, key, val); err != nil {
				return nil, err
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func applyAttrParam(e *DiscoverEntry, key, val string) error {
	switch key {
	case "ver":
		e.Ver = val
	case "pmin":
		n, err := strconv.Atoi(val)
		if err != nil {
			return ErrFormat
		}
		e.Attrs.Pmin = &n
	case "pmax":
		n, err := strconv.Atoi(val)
		if err != nil {
			return ErrFormat
		}
		e.Attrs.Pmax = &n
	case "gt":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return ErrFormat
		}
		e.Attrs.Gt = &f
	case "lt":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return ErrFormat
		}
		e.Attrs.Lt = &f
	case "st":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return ErrFormat
		}
		e.Attrs.St = &f
	case "edge":
		b := val == "1"
		e.Attrs.Edge = &b
	case "con":
		n, err := strconv.Atoi(val)
		if err != nil {
			return ErrFormat
		}
		e.Attrs.Con = &n
	case "hqmax":
		n, err := strconv.Atoi(val)
		if err != nil {
			return ErrFormat
		}
		e.Attrs.Hqmax = &n
	}
	return nil
}

// splitLinks splits a link-format document on commas that separate
// top-level links (there is never a comma inside a single link's
// parameters for the attribute set this package emits/consumes).
func splitLinks(s string) []string {
	return strings.Split(s, ",")
}
