package curate

import (
	"strings"
	"unicode"
)

// defaultLegalSuffixes are the legal-entity designators removed from names so
// that "Acme LLC" and "Acme Ltd." resolve to the same provider.
var defaultLegalSuffixes = []string{
	"llc", "l.l.c", "ltd", "limited", "inc", "incorporated", "corp", "corporation",
	"co", "company", "plc", "llp", "lp", "pllc", "pc", "p.c", "gmbh", "ag", "sa",
	"s.a", "srl", "s.r.l", "spa", "s.p.a", "bv", "b.v", "nv", "n.v", "pty", "oy", "ab",
}

// Canonicalizer maps entity names to canonical ids. It is a pure function of
// its input and its suffix list.
type Canonicalizer struct {
	suffixes map[string]struct{}
}

// NewCanonicalizer returns a Canonicalizer that strips the default legal
// suffixes plus any extra ones.
func NewCanonicalizer(extra ...string) *Canonicalizer {
	c := &Canonicalizer{suffixes: make(map[string]struct{}, len(defaultLegalSuffixes)+len(extra))}
	for _, s := range defaultLegalSuffixes {
		c.suffixes[s] = struct{}{}
	}
	for _, s := range extra {
		s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".,")
		if s != "" {
			c.suffixes[s] = struct{}{}
		}
	}
	return c
}

// Canonical normalizes case and whitespace and strips trailing legal suffixes
// until none is left. A name made only of a suffix keeps that suffix.
func (c *Canonicalizer) Canonical(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	for i, f := range fields {
		fields[i] = strings.TrimRightFunc(f, isTrailingPunct)
	}
	fields = dropEmpty(fields)

	for len(fields) > 1 {
		last := strings.Trim(fields[len(fields)-1], ".,")
		if _, ok := c.suffixes[last]; !ok {
			break
		}
		fields = dropEmpty(fields[:len(fields)-1])
		if n := len(fields); n > 0 {
			fields[n-1] = strings.TrimRightFunc(fields[n-1], isTrailingPunct)
		}
	}
	return strings.Join(dropEmpty(fields), " ")
}

func isTrailingPunct(r rune) bool {
	return r == ',' || r == ';' || r == '.' || unicode.Is(unicode.Pd, r)
}

func dropEmpty(fields []string) []string {
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
