package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
)

// Wildcard marks a step repetition that is bound later via Path.Bind.
const Wildcard = -1

// Step is one group or segment hop of a Path.
type Step struct {
	Name string
	Rep  int
}

// Path addresses a node inside a Tree. The last step names a segment; Field
// and the parts below it are optional and 1-based, FieldRep is 0-based.
//
// Textual form: PATIENT_RESULT/ORDER_OBSERVATION(1)/OBR-4(0)-1-2
type Path struct {
	Steps        []Step
	Field        int
	FieldRep     int
	Component    int
	Subcomponent int
}

// ParsePath parses the textual form of a Path. A step repetition of "*"
// parses as Wildcard.
func ParsePath(s string) (Path, error) {
	var p Path
	if s == "" {
		return p, fmt.Errorf("hl7v2: empty path")
	}
	parts := strings.Split(s, "/")
	for i, part := range parts {
		last := i == len(parts)-1
		var locator []string
		if last {
			locator = strings.Split(part, "-")
			part = locator[0]
			locator = locator[1:]
		}
		step, err := parseStep(part)
		if err != nil {
			return Path{}, fmt.Errorf("hl7v2: path %q: %w", s, err)
		}
		p.Steps = append(p.Steps, step)
		if last && len(locator) > 0 {
			if err := p.parseLocator(locator); err != nil {
				return Path{}, fmt.Errorf("hl7v2: path %q: %w", s, err)
			}
		}
	}
	return p, nil
}

// MustParsePath is ParsePath for static tables; it panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseStep(s string) (Step, error) {
	name, rep, err := splitRep(s)
	if err != nil {
		return Step{}, err
	}
	if name == "" {
		return Step{}, fmt.Errorf("empty step")
	}
	return Step{Name: name, Rep: rep}, nil
}

// splitRep splits "NAME(n)" into its name and repetition.
func splitRep(s string) (string, int, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return s, 0, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", 0, fmt.Errorf("unterminated repetition in %q", s)
	}
	inner := s[open+1 : len(s)-1]
	if inner == "*" {
		return s[:open], Wildcard, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("invalid repetition %q", inner)
	}
	return s[:open], n, nil
}

func (p *Path) parseLocator(parts []string) error {
	fieldText, rep, err := splitRep(parts[0])
	if err != nil {
		return err
	}
	if rep == Wildcard {
		return fmt.Errorf("field repetition cannot be a wildcard")
	}
	if p.Field, err = strconv.Atoi(fieldText); err != nil || p.Field < 1 {
		return fmt.Errorf("invalid field %q", parts[0])
	}
	p.FieldRep = rep
	if len(parts) > 1 {
		if p.Component, err = strconv.Atoi(parts[1]); err != nil || p.Component < 1 {
			return fmt.Errorf("invalid component %q", parts[1])
		}
	}
	if len(parts) > 2 {
		if p.Subcomponent, err = strconv.Atoi(parts[2]); err != nil || p.Subcomponent < 1 {
			return fmt.Errorf("invalid subcomponent %q", parts[2])
		}
	}
	if len(parts) > 3 {
		return fmt.Errorf("too many locator parts")
	}
	return nil
}

// String renders the textual form of p.
func (p Path) String() string {
	var b strings.Builder
	for i, st := range p.Steps {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(st.Name)
		switch {
		case st.Rep == Wildcard:
			b.WriteString("(*)")
		case st.Rep > 0:
			fmt.Fprintf(&b, "(%d)", st.Rep)
		}
	}
	if p.Field > 0 {
		fmt.Fprintf(&b, "-%d", p.Field)
		if p.FieldRep > 0 {
			fmt.Fprintf(&b, "(%d)", p.FieldRep)
		}
		if p.Component > 0 {
			fmt.Fprintf(&b, "-%d", p.Component)
			if p.Subcomponent > 0 {
				fmt.Fprintf(&b, "-%d", p.Subcomponent)
			}
		}
	}
	return b.String()
}

// Segment returns the name of the segment the path ends in.
func (p Path) Segment() string {
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[len(p.Steps)-1].Name
}

// WildcardIndex returns the index of the first wildcard step, or -1.
func (p Path) WildcardIndex() int {
	for i, st := range p.Steps {
		if st.Rep == Wildcard {
			return i
		}
	}
	return -1
}

// Bind returns a copy of p with every wildcard step set to rep in order;
// extra wildcards beyond len(reps) bind to 0.
func (p Path) Bind(reps ...int) Path {
	out := p
	out.Steps = make([]Step, len(p.Steps))
	copy(out.Steps, p.Steps)
	n := 0
	for i := range out.Steps {
		if out.Steps[i].Rep != Wildcard {
			continue
		}
		out.Steps[i].Rep = 0
		if n < len(reps) {
			out.Steps[i].Rep = reps[n]
		}
		n++
	}
	return out
}

// At returns a copy of p addressing a leaf of the same segment.
func (p Path) At(field, rep, comp, sub int) Path {
	out := p
	out.Field, out.FieldRep, out.Component, out.Subcomponent = field, rep, comp, sub
	return out
}

// Join appends rel's steps and locator to the steps of p.
func (p Path) Join(rel Path) Path {
	out := rel
	out.Steps = make([]Step, 0, len(p.Steps)+len(rel.Steps))
	out.Steps = append(out.Steps, p.Steps...)
	out.Steps = append(out.Steps, rel.Steps...)
	return out
}
