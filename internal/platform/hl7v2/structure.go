package hl7v2

import (
	"fmt"
	"strings"
	"sync"
)

// GenericStructure is used for message types without a declared grammar.
const GenericStructure = "GENERIC"

// Def describes one element of a message structure grammar: either a
// segment or a named group of further elements.
type Def struct {
	Name      string
	Group     bool
	Optional  bool
	Repeating bool
	Children  []*Def

	starts map[string]bool
}

// Grammars use the bracket notation of the HL7 standard: [X] is optional,
// {X} repeats, and NAME( ... ) declares a group.
var grammarSources = map[string]string{
	"ADT_A01": `MSH [{SFT}] EVN PID [PD1] [{ROL}] [{NK1}] PV1 [PV2] [{ROL}] [{DB1}] [{OBX}] [{AL1}] [{DG1}] [DRG]
		[{PROCEDURE(PR1 [{ROL}])}] [{GT1}] [{INSURANCE(IN1 [IN2] [{IN3}] [{ROL}])}] [ACC] [UB1] [UB2] [PDA]`,
	"ADT_A03": `MSH [{SFT}] EVN PID [PD1] [{ROL}] [{NK1}] PV1 [PV2] [{ROL}] [{DB1}] [{AL1}] [{DG1}] [DRG]
		[{PROCEDURE(PR1 [{ROL}])}] [{OBX}] [{GT1}] [{INSURANCE(IN1 [IN2] [{IN3}] [{ROL}])}] [ACC] [PDA]`,
	"ORM_O01": `MSH [{NTE}] [PATIENT(PID [PD1] [{NTE}] [PATIENT_VISIT(PV1 [PV2])] [{INSURANCE(IN1 [IN2] [IN3])}] [GT1] [{AL1}])]
		{ORDER(ORC [ORDER_DETAIL(OBR [{NTE}] [{DG1}] [{OBSERVATION(OBX [{NTE}])}])] [{FT1}] [{CTI}] [BLG])}`,
	"OML_O21": `MSH [{SFT}] [{NTE}] [PATIENT(PID [PD1] [{NTE}] [{NK1}] [PATIENT_VISIT(PV1 [PV2])] [{INSURANCE(IN1 [IN2] [IN3])}] [GT1] [{AL1}])]
		{ORDER(ORC [{TIMING(TQ1 [{TQ2}])}] [OBSERVATION_REQUEST(OBR [{NTE}] [{DG1}] [{OBSERVATION(OBX [{NTE}])}]
		[{SPECIMEN(SPM [{OBX}] [{CONTAINER(SAC [{OBX}])}])}])] [{FT1}] [{CTI}] [BLG])}`,
	"ORU_R01": `MSH [{SFT}] {PATIENT_RESULT([PATIENT(PID [PD1] [{NTE}] [{NK1}] [VISIT(PV1 [PV2])])]
		{ORDER_OBSERVATION([ORC] OBR [{NTE}] [{TIMING_QTY(TQ1 [{TQ2}])}] [CTD] [{OBSERVATION(OBX [{NTE}])}] [{FT1}] [{CTI}]
		[{SPECIMEN(SPM [{OBX}])}])})} [DSC]`,
	"VXU_V04": `MSH [{SFT}] [EVN] PID [PD1] [{NK1}] [PATIENT(PV1 [PV2])] [{GT1}] [{INSURANCE(IN1 [IN2] [IN3])}]
		[{ORDER(ORC [{TIMING(TQ1 [{TQ2}])}] RXA [RXR] [{OBSERVATION(OBX [{NTE}])}])}]`,
	GenericStructure: `MSH [{SFT}] [EVN] [{NTE}] [PATIENT(PID [PD1] [{NTE}] [{NK1}] [VISIT(PV1 [PV2])] [{AL1}] [{DG1}]
		[{INSURANCE(IN1 [IN2] [IN3])}])] [{ORDER([ORC] [OBR] [{NTE}] [{OBSERVATION(OBX [{NTE}])}] [{SPECIMEN(SPM [{OBX}])}]
		[RXA] [RXR])}]`,
}

// eventStructures maps message code and trigger event to a structure for
// messages that leave MSH-9.3 empty.
var eventStructures = map[string]string{
	"ADT_A01": "ADT_A01",
	"ADT_A04": "ADT_A01",
	"ADT_A08": "ADT_A01",
	"ADT_A13": "ADT_A01",
	"ADT_A03": "ADT_A03",
	"ORM_O01": "ORM_O01",
	"OML_O21": "OML_O21",
	"ORU_R01": "ORU_R01",
	"VXU_V04": "VXU_V04",
}

var (
	grammarOnce sync.Once
	grammars    map[string]*Def
)

// Grammar returns the parsed grammar for a structure, falling back to the
// generic grammar for unknown structures.
func Grammar(structure string) *Def {
	grammarOnce.Do(func() {
		grammars = make(map[string]*Def, len(grammarSources))
		for name, src := range grammarSources {
			def, err := ParseGrammar(name, src)
			if err != nil {
				panic(fmt.Sprintf("hl7v2: invalid built-in grammar %s: %v", name, err))
			}
			grammars[name] = def
		}
	})
	if def, ok := grammars[structure]; ok {
		return def
	}
	return grammars[GenericStructure]
}

// ResolveStructure returns the structure id for a message. An explicit
// MSH-9.3 wins when it names a known grammar.
func ResolveStructure(code, event, declared string) string {
	if declared != "" {
		if _, ok := grammarSources[declared]; ok {
			return declared
		}
	}
	if s, ok := eventStructures[code+"_"+event]; ok {
		return s
	}
	return GenericStructure
}

// ParseGrammar parses the bracket notation into a Def tree rooted at a
// group named name.
func ParseGrammar(name, src string) (*Def, error) {
	p := &grammarParser{tokens: tokenizeGrammar(src)}
	children, err := p.parseSequence("")
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	root := &Def{Name: name, Group: true, Children: children}
	root.computeStarts()
	return root, nil
}

func tokenizeGrammar(src string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range src {
		switch r {
		case '[', ']', '{', '}', '(', ')':
			flush()
			tokens = append(tokens, string(r))
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

type grammarParser struct {
	tokens []string
	pos    int
}

func (p *grammarParser) parseSequence(closer string) ([]*Def, error) {
	var defs []*Def
	for p.pos < len(p.tokens) {
		if p.tokens[p.pos] == closer {
			return defs, nil
		}
		d, err := p.parseElement()
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	if closer != "" {
		return nil, fmt.Errorf("missing %q", closer)
	}
	return defs, nil
}

func (p *grammarParser) parseElement() (*Def, error) {
	tok := p.tokens[p.pos]
	switch tok {
	case "[", "{":
		closer := "]"
		if tok == "{" {
			closer = "}"
		}
		p.pos++
		inner, err := p.parseSequence(closer)
		if err != nil {
			return nil, err
		}
		p.pos++
		if len(inner) != 1 {
			return nil, fmt.Errorf("bracket must wrap exactly one element, got %d", len(inner))
		}
		d := inner[0]
		if tok == "[" {
			d.Optional = true
		} else {
			d.Repeating = true
		}
		return d, nil
	case "]", "}", "(", ")":
		return nil, fmt.Errorf("unexpected %q", tok)
	}

	p.pos++
	if p.pos < len(p.tokens) && p.tokens[p.pos] == "(" {
		p.pos++
		children, err := p.parseSequence(")")
		if err != nil {
			return nil, err
		}
		p.pos++
		if len(children) == 0 {
			return nil, fmt.Errorf("group %s is empty", tok)
		}
		return &Def{Name: tok, Group: true, Children: children}, nil
	}
	if len(tok) != 3 {
		return nil, fmt.Errorf("invalid segment name %q", tok)
	}
	return &Def{Name: tok}, nil
}

// computeStarts fills the set of segment names that may open each element:
// the leading children up to and including the first required one.
func (d *Def) computeStarts() {
	d.starts = map[string]bool{}
	if !d.Group {
		d.starts[d.Name] = true
		return
	}
	for _, c := range d.Children {
		c.computeStarts()
	}
	for _, c := range d.Children {
		for n := range c.starts {
			d.starts[n] = true
		}
		if !c.Optional {
			break
		}
	}
}

// Starts reports whether a segment named name may open this element.
func (d *Def) Starts(name string) bool {
	return d.starts[name]
}

// SegmentNames returns every segment name that appears in the grammar.
func (d *Def) SegmentNames() map[string]bool {
	names := map[string]bool{}
	var walk func(*Def)
	walk = func(x *Def) {
		if !x.Group {
			names[x.Name] = true
			return
		}
		for _, c := range x.Children {
			walk(c)
		}
	}
	walk(d)
	return names
}
