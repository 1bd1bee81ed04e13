package hl7v2

import (
	"fmt"
	"strings"
)

// Node is a child of a Group: either a *Group or a *Segment.
type Node interface {
	NodeName() string
}

// Group is a named, ordered container of segments and nested groups.
type Group struct {
	Name     string
	Children []Node

	def *Def
}

// NodeName implements Node.
func (g *Group) NodeName() string { return g.Name }

// Tree is a message arranged into the groups of its structure grammar.
type Tree struct {
	Root      *Group
	Structure string
	Delims    Delimiters
}

// ParseTree parses raw text and arranges it into groups.
func ParseTree(raw []byte) (*Tree, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return FromMessage(msg), nil
}

// FromMessage arranges the flat segment list of msg into the groups of its
// structure. Segments the grammar does not name are kept, flagged
// NonStandard, in the group where they appear.
func FromMessage(msg *Message) *Tree {
	def := Grammar(msg.Structure)
	t := &Tree{
		Root:      &Group{Name: def.Name, def: def},
		Structure: msg.Structure,
		Delims:    msg.Delims,
	}
	b := &treeBuilder{segs: msg.Segments, known: def.SegmentNames()}
	b.fill(t.Root, true)
	return t
}

// NewTree returns an empty tree for structure holding only an MSH segment
// with MSH-1 and MSH-2 populated.
func NewTree(structure string, d Delimiters) *Tree {
	def := Grammar(structure)
	msh := &Segment{Name: "MSH", Fields: []Field{
		literalField(string(d.Field)),
		literalField(d.EncodingCharacters()),
	}}
	return &Tree{
		Root:      &Group{Name: def.Name, def: def, Children: []Node{msh}},
		Structure: structure,
		Delims:    d,
	}
}

type treeBuilder struct {
	segs  []*Segment
	pos   int
	known map[string]bool
}

// fill consumes segments into g until one arrives that g cannot hold. The
// root holds everything, so every segment lands somewhere.
func (b *treeBuilder) fill(g *Group, root bool) {
	def := g.def
	ci := 0
	counts := make([]int, len(def.Children))
	for b.pos < len(b.segs) {
		seg := b.segs[b.pos]
		j := matchChild(def, ci, counts, seg.Name)
		if j < 0 {
			if root || !b.known[seg.Name] {
				seg.NonStandard = true
				g.Children = append(g.Children, seg)
				b.pos++
				continue
			}
			return
		}
		ci = j
		counts[j]++
		child := def.Children[j]
		if !child.Group {
			seg.NonStandard = false
			g.Children = append(g.Children, seg)
			b.pos++
			continue
		}
		sub := &Group{Name: child.Name, def: child}
		g.Children = append(g.Children, sub)
		b.fill(sub, false)
	}
}

// matchChild returns the first child at or after ci that may start with
// name and still has room for another occurrence.
func matchChild(def *Def, ci int, counts []int, name string) int {
	for j := ci; j < len(def.Children); j++ {
		c := def.Children[j]
		if c.Starts(name) && (counts[j] == 0 || c.Repeating) {
			return j
		}
	}
	return -1
}

// Get returns the leaf value addressed by p from the root.
func (t *Tree) Get(p Path) string { return t.Root.Get(p) }

// Set writes value at p from the root.
func (t *Tree) Set(p Path, value string) error { return t.Root.Set(p, value) }

// Exists reports whether the segment addressed by p exists.
func (t *Tree) Exists(p Path) bool { return t.Root.Exists(p) }

// Header returns the MSH segment.
func (t *Tree) Header() *Segment {
	if seg, ok := t.Root.Find([]Step{{Name: "MSH"}}).(*Segment); ok {
		return seg
	}
	return nil
}

// GroupNames returns the distinct names of all groups present below the
// root, in the order first encountered.
func (t *Tree) GroupNames() []string {
	var names []string
	seen := map[string]bool{}
	t.Root.walk(func(n Node, _ *Group) {
		if g, ok := n.(*Group); ok && !seen[g.Name] {
			seen[g.Name] = true
			names = append(names, g.Name)
		}
	})
	return names
}

// NonStandard returns every segment not named by the structure grammar, in
// message order, together with the group holding it.
func (t *Tree) NonStandard() []Placed {
	var out []Placed
	t.Root.walk(func(n Node, parent *Group) {
		if seg, ok := n.(*Segment); ok && seg.NonStandard {
			out = append(out, Placed{Segment: seg, Parent: parent})
		}
	})
	return out
}

// Placed is a segment together with the group that holds it.
type Placed struct {
	Segment *Segment
	Parent  *Group
}

// Segments returns all segments in message order.
func (t *Tree) Segments() []*Segment {
	var out []*Segment
	t.Root.walk(func(n Node, _ *Group) {
		if seg, ok := n.(*Segment); ok {
			out = append(out, seg)
		}
	})
	return out
}

// Message flattens the tree back into a Message with its header fields
// extracted.
func (t *Tree) Message() *Message {
	msg := &Message{Delims: t.Delims, Segments: t.Segments()}
	msg.extractMSHFields()
	return msg
}

// Encode renders the tree as HL7v2 text with \r segment separators.
func (t *Tree) Encode() []byte {
	return SerializeMessage(&Message{Delims: t.Delims, Segments: t.Segments()})
}

func (g *Group) walk(fn func(n Node, parent *Group)) {
	for _, c := range g.Children {
		fn(c, g)
		if sub, ok := c.(*Group); ok {
			sub.walk(fn)
		}
	}
}

// child returns the rep-th child named name.
func (g *Group) child(name string, rep int) Node {
	n := 0
	for _, c := range g.Children {
		if c.NodeName() != name {
			continue
		}
		if n == rep {
			return c
		}
		n++
	}
	return nil
}

// Count returns how many children named name g holds.
func (g *Group) Count(name string) int {
	n := 0
	for _, c := range g.Children {
		if c.NodeName() == name {
			n++
		}
	}
	return n
}

// Find walks steps from g and returns the node reached, or nil. Wildcard
// steps never match.
func (g *Group) Find(steps []Step) Node {
	cur := g
	for i, st := range steps {
		if st.Rep < 0 {
			return nil
		}
		n := cur.child(st.Name, st.Rep)
		if n == nil {
			return nil
		}
		if i == len(steps)-1 {
			return n
		}
		next, ok := n.(*Group)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// Segment returns the segment addressed by p, or nil.
func (g *Group) Segment(p Path) *Segment {
	seg, _ := g.Find(p.Steps).(*Segment)
	return seg
}

// Get returns the leaf value addressed by p relative to g, or "" when any
// part of the path is missing.
func (g *Group) Get(p Path) string {
	seg := g.Segment(p)
	if seg == nil || p.Field == 0 {
		return ""
	}
	return seg.Get(p.Field, p.FieldRep, p.Component, p.Subcomponent)
}

// Exists reports whether the segment addressed by p exists relative to g.
// The field locator is ignored.
func (g *Group) Exists(p Path) bool {
	return g.Segment(p) != nil
}

// Set writes value at p relative to g, creating missing groups, segments and
// repetitions. Existing values at other paths are left untouched.
func (g *Group) Set(p Path, value string) error {
	seg, err := g.Ensure(p.Steps)
	if err != nil {
		return err
	}
	if p.Field == 0 {
		return fmt.Errorf("hl7v2: path %s has no field", p)
	}
	seg.Set(p.Field, p.FieldRep, p.Component, p.Subcomponent, value)
	return nil
}

// Ensure returns the segment addressed by steps, creating it and any
// missing ancestors. New children are placed in grammar order.
func (g *Group) Ensure(steps []Step) (*Segment, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("hl7v2: empty path")
	}
	cur := g
	for i, st := range steps {
		if st.Rep < 0 {
			return nil, fmt.Errorf("hl7v2: unbound wildcard at %s", st.Name)
		}
		last := i == len(steps)-1
		for cur.Count(st.Name) <= st.Rep {
			cur.insert(cur.newChild(st.Name, last))
		}
		n := cur.child(st.Name, st.Rep)
		if last {
			seg, ok := n.(*Segment)
			if !ok {
				return nil, fmt.Errorf("hl7v2: %s is a group, not a segment", st.Name)
			}
			return seg, nil
		}
		next, ok := n.(*Group)
		if !ok {
			return nil, fmt.Errorf("hl7v2: %s is a segment, not a group", st.Name)
		}
		cur = next
	}
	return nil, nil
}

func (g *Group) newChild(name string, segment bool) Node {
	if d := g.childDef(name); d != nil {
		if d.Group {
			return &Group{Name: name, def: d}
		}
		return &Segment{Name: name}
	}
	if segment {
		return &Segment{Name: name, NonStandard: true}
	}
	return &Group{Name: name}
}

func (g *Group) childDef(name string) *Def {
	if g.def == nil {
		return nil
	}
	for _, c := range g.def.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// childIndex returns the grammar position of name inside g, or -1.
func (g *Group) childIndex(name string) int {
	if g.def == nil {
		return -1
	}
	for i, c := range g.def.Children {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// insert places n after the last grammar child whose position is not
// greater than its own, ahead of any non-standard children. Nodes unknown
// to the grammar go last.
func (g *Group) insert(n Node) {
	k := g.childIndex(n.NodeName())
	if k < 0 {
		g.Children = append(g.Children, n)
		return
	}
	at := 0
	for i, c := range g.Children {
		ci := g.childIndex(c.NodeName())
		if ci >= 0 && ci <= k {
			at = i + 1
		}
	}
	g.Children = append(g.Children, nil)
	copy(g.Children[at+1:], g.Children[at:])
	g.Children[at] = n
}

// String renders g as an indented outline, one node per line.
func (g *Group) String() string {
	var b strings.Builder
	var dump func(*Group, int)
	dump = func(x *Group, depth int) {
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth), x.Name)
		for _, c := range x.Children {
			if sub, ok := c.(*Group); ok {
				dump(sub, depth+1)
				continue
			}
			fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth+1), c.NodeName())
		}
	}
	dump(g, 0)
	return b.String()
}

// NewTransientGroup returns an ungoverned group holding nodes, used to scope
// lookups to a run of root-level segments.
func NewTransientGroup(name string, nodes []Node) *Group {
	return &Group{Name: name, Children: nodes}
}
