// Package resolver locates segment repetitions inside a message tree across
// the group layouts different message structures use for the same data.
package resolver

import (
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Location is one resolved segment repetition.
type Location struct {
	Key     string
	Rep     int
	Path    hl7v2.Path
	Segment *hl7v2.Segment
	// Scope is the group bound at the wildcard step. When the wildcard sits
	// on the segment itself, Scope is a transient group holding the segment
	// and the siblings that follow it up to the next segment of its kind.
	Scope *hl7v2.Group
}

// Get reads a leaf of the resolved segment.
func (l Location) Get(field, rep, comp, sub int) string {
	if l.Segment == nil {
		return ""
	}
	return l.Segment.Get(field, rep, comp, sub)
}

// Field returns the first component of the first repetition of field.
func (l Location) Field(field int) string { return l.Get(field, 0, 1, 1) }

// Resolver holds the policy table. It is immutable after New and safe for
// concurrent use.
type Resolver struct {
	policies map[string]Policy
}

// New builds a Resolver from the default policy table with cap overrides
// applied. Unknown keys and non-positive caps are rejected.
func New(capOverrides map[string]int) (*Resolver, error) {
	p, err := buildPolicies(capOverrides)
	if err != nil {
		return nil, err
	}
	return &Resolver{policies: p}, nil
}

// Default returns a Resolver with the built-in caps.
func Default() *Resolver {
	r, err := New(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Policy returns the policy registered under key.
func (r *Resolver) Policy(key string) (Policy, bool) {
	p, ok := r.policies[key]
	return p, ok
}

// Resolve returns repetition rep of the segment governed by key, trying each
// candidate path relative to scope in order. The first candidate that
// addresses an existing segment wins.
func (r *Resolver) Resolve(scope *hl7v2.Group, key string, rep int) (Location, bool) {
	p, ok := r.policies[key]
	if !ok || scope == nil {
		return Location{}, false
	}
	return resolve(scope, p, rep)
}

func resolve(scope *hl7v2.Group, p Policy, rep int) (Location, bool) {
	for _, c := range p.Candidates {
		bound := c.Bind(rep)
		seg := scope.Segment(bound)
		if seg == nil {
			continue
		}
		return Location{
			Key:     p.Key,
			Rep:     rep,
			Path:    bound,
			Segment: seg,
			Scope:   scopeOf(scope, bound, c.WildcardIndex(), seg),
		}, true
	}
	return Location{}, false
}

func scopeOf(root *hl7v2.Group, bound hl7v2.Path, w int, seg *hl7v2.Segment) *hl7v2.Group {
	if w < len(bound.Steps)-1 {
		if g, ok := root.Find(bound.Steps[:w+1]).(*hl7v2.Group); ok {
			return g
		}
	}
	parent := root
	if len(bound.Steps) > 1 {
		if g, ok := root.Find(bound.Steps[:len(bound.Steps)-1]).(*hl7v2.Group); ok {
			parent = g
		}
	}
	return followers(parent, seg)
}

// followers collects seg and the children after it in parent, stopping at
// the next segment named like seg.
func followers(parent *hl7v2.Group, seg *hl7v2.Segment) *hl7v2.Group {
	nodes := []hl7v2.Node{seg}
	at := -1
	for i, c := range parent.Children {
		if c == hl7v2.Node(seg) {
			at = i
			break
		}
	}
	if at >= 0 {
		for _, c := range parent.Children[at+1:] {
			if c.NodeName() == seg.Name {
				break
			}
			nodes = append(nodes, c)
		}
	}
	return hl7v2.NewTransientGroup(seg.Name, nodes)
}

// StopReason records why an Iterator finished.
type StopReason int

const (
	// Running means the iterator has not finished.
	Running StopReason = iota
	// NoCandidate means no candidate path addressed the next repetition.
	NoCandidate
	// Absent means repetition 0 resolved but its discriminator is empty, so
	// the segment counts as absent.
	Absent
	// EndOfData means a later repetition resolved with an empty
	// discriminator and ended the enumeration.
	EndOfData
	// Capped means more repetitions existed beyond the safety cap.
	Capped
)

func (s StopReason) String() string {
	switch s {
	case Running:
		return "running"
	case NoCandidate:
		return "no-candidate"
	case Absent:
		return "absent"
	case EndOfData:
		return "end-of-data"
	case Capped:
		return "capped"
	}
	return "unknown"
}

// Iterator enumerates repetitions 0, 1, 2, ... lazily. It cannot be
// restarted.
type Iterator struct {
	scope  *hl7v2.Group
	policy Policy
	rep    int
	stop   StopReason
}

// Iterate returns an Iterator over the repetitions governed by key. An
// unknown key yields an iterator that is already finished.
func (r *Resolver) Iterate(scope *hl7v2.Group, key string) *Iterator {
	p, ok := r.policies[key]
	it := &Iterator{scope: scope, policy: p}
	if !ok || scope == nil {
		it.stop = NoCandidate
	}
	return it
}

// Next returns the next repetition, or false once the enumeration ends.
func (it *Iterator) Next() (Location, bool) {
	if it.stop != Running {
		return Location{}, false
	}
	loc, ok := resolve(it.scope, it.policy, it.rep)
	if !ok {
		it.stop = NoCandidate
		return Location{}, false
	}
	if it.rep >= it.policy.Cap {
		it.stop = Capped
		return Location{}, false
	}
	if d := it.policy.Discriminator; d > 0 && loc.Segment.IsEmpty(d) {
		if it.rep == 0 {
			it.stop = Absent
		} else {
			it.stop = EndOfData
		}
		return Location{}, false
	}
	it.rep++
	return loc, true
}

// Stopped reports why the iterator finished, or Running.
func (it *Iterator) Stopped() StopReason { return it.stop }

// Count returns how many repetitions Next has yielded.
func (it *Iterator) Count() int { return it.rep }

// All drains a fresh Iterator and returns its locations along with the
// reason it stopped.
func (r *Resolver) All(scope *hl7v2.Group, key string) ([]Location, StopReason) {
	it := r.Iterate(scope, key)
	var out []Location
	for {
		loc, ok := it.Next()
		if !ok {
			return out, it.Stopped()
		}
		out = append(out, loc)
	}
}

// First resolves repetition 0 of key and applies the discriminator rule.
func (r *Resolver) First(scope *hl7v2.Group, key string) (Location, bool) {
	return r.Iterate(scope, key).Next()
}

// ZSegments returns the site-defined Z segments of t in message order,
// capped by the Z policy, and whether the cap cut the list short.
func (r *Resolver) ZSegments(t *hl7v2.Tree) ([]hl7v2.Placed, bool) {
	var out []hl7v2.Placed
	for _, p := range t.NonStandard() {
		if strings.HasPrefix(p.Segment.Name, "Z") {
			out = append(out, p)
		}
	}
	limit := r.policies[Z].Cap
	if len(out) > limit {
		return out[:limit], true
	}
	return out, false
}
