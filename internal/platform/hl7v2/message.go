package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Delimiters holds the encoding characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters are the encoding characters used when building new messages.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// Message represents a parsed HL7v2 message as a flat list of segments.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ADT^A01")
	Structure    string    // MSH-9.3, or derived from MSH-9.1/9.2
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Delims       Delimiters
	Segments     []*Segment
}

// Segment represents a single HL7v2 segment. Fields[0] holds field 1; for
// MSH that is MSH-1, the field separator itself.
type Segment struct {
	Name        string
	Fields      []Field
	NonStandard bool // not part of the message structure's grammar
}

// Field is an ordered list of repetitions.
type Field struct {
	Repetitions []Repetition
}

// Repetition is one occurrence of a repeating field.
type Repetition []Component

// Component is an ordered list of subcomponents.
type Component []string

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)

	// Normalize line endings: replace \r\n with \r, then replace \n with \r
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var segmentLines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	// First segment must be MSH
	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	delims, err := readDelimiters(segmentLines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Delims: delims}
	for _, line := range segmentLines {
		seg, err := parseSegment(line, delims)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()
	return msg, nil
}

// readDelimiters reads MSH-1 and MSH-2 from the header line.
func readDelimiters(msh string) (Delimiters, error) {
	if len(msh) < 8 {
		return Delimiters{}, fmt.Errorf("hl7v2: MSH segment too short to declare encoding characters")
	}
	d := Delimiters{
		Field:        msh[3],
		Component:    msh[4],
		Repetition:   msh[5],
		Escape:       msh[6],
		Subcomponent: msh[7],
	}
	// Subcomponent separator is optional in some feeds ("MSH|^~\|...").
	if d.Subcomponent == d.Field {
		d.Subcomponent = DefaultDelimiters.Subcomponent
	}
	seen := map[byte]bool{}
	for _, b := range []byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent} {
		if seen[b] || isAlnum(b) {
			return Delimiters{}, fmt.Errorf("hl7v2: invalid encoding characters %q", msh[3:8])
		}
		seen[b] = true
	}
	return d, nil
}

// parseSegment parses a single segment line into a Segment.
func parseSegment(line string, d Delimiters) (*Segment, error) {
	if len(line) < 3 {
		return nil, fmt.Errorf("segment too short: %q", line)
	}
	name := line[:3]
	for i := 0; i < 3; i++ {
		if !isAlnum(name[i]) {
			return nil, fmt.Errorf("invalid segment name %q", name)
		}
	}
	if len(line) > 3 && line[3] != d.Field {
		return nil, fmt.Errorf("segment %s: expected field separator after name", name)
	}

	seg := &Segment{Name: name}

	// MSH is special: the field separator (|) is MSH-1 itself and MSH-2 holds
	// the encoding characters verbatim.
	if name == "MSH" {
		seg.Fields = append(seg.Fields, literalField(string(d.Field)))
		rest := line[4:]
		parts := strings.Split(rest, string(d.Field))
		seg.Fields = append(seg.Fields, literalField(parts[0]))
		for _, part := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
		return seg, nil
	}

	if len(line) > 4 {
		for _, part := range strings.Split(line[4:], string(d.Field)) {
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
	}
	return seg, nil
}

// parseField parses a single field, handling repetitions, components and
// subcomponents. Leaf values are unescaped.
func parseField(raw string, d Delimiters) Field {
	var f Field
	if raw == "" {
		return f
	}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		var r Repetition
		for _, comp := range strings.Split(rep, string(d.Component)) {
			var c Component
			for _, sub := range strings.Split(comp, string(d.Subcomponent)) {
				c = append(c, Unescape(sub, d))
			}
			r = append(r, c)
		}
		f.Repetitions = append(f.Repetitions, r)
	}
	return f
}

func literalField(v string) Field {
	return Field{Repetitions: []Repetition{{Component{v}}}}
}

func isAlnum(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)

	if ts := msh.GetField(7); ts != "" {
		if t, err := parseHL7Timestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	code := msh.Get(9, 0, 1, 1)
	event := msh.Get(9, 0, 2, 1)
	m.Type = code
	if event != "" {
		m.Type = code + "^" + event
	}
	m.Structure = ResolveStructure(code, event, msh.Get(9, 0, 3, 1))

	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for _, seg := range m.Segments {
		if seg.Name == name {
			return seg
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []*Segment {
	var result []*Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// NodeName implements Node.
func (s *Segment) NodeName() string { return s.Name }

// Get returns a leaf value by 1-based field, 0-based field repetition, and
// 1-based component and subcomponent. A component or subcomponent of 0 is
// read as 1, so Get(5, 0, 0, 0) yields the first component of PID-5.
func (s *Segment) Get(field, rep, comp, sub int) string {
	if comp <= 0 {
		comp = 1
	}
	if sub <= 0 {
		sub = 1
	}
	fi := field - 1
	if fi < 0 || fi >= len(s.Fields) {
		return ""
	}
	reps := s.Fields[fi].Repetitions
	if rep < 0 || rep >= len(reps) {
		return ""
	}
	comps := reps[rep]
	if comp > len(comps) {
		return ""
	}
	subs := comps[comp-1]
	if sub > len(subs) {
		return ""
	}
	return subs[sub-1]
}

// GetField returns the first component of the first repetition of a field.
func (s *Segment) GetField(index int) string {
	return s.Get(index, 0, 1, 1)
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	return s.Get(fieldIdx, 0, compIdx, 1)
}

// RepetitionCount returns the number of repetitions present in a field.
func (s *Segment) RepetitionCount(field int) int {
	fi := field - 1
	if fi < 0 || fi >= len(s.Fields) {
		return 0
	}
	return len(s.Fields[fi].Repetitions)
}

// FieldCount returns the number of fields carried by the segment.
func (s *Segment) FieldCount() int {
	return len(s.Fields)
}

// Set writes a leaf value, growing fields, repetitions, components and
// subcomponents as needed. Nothing outside the addressed leaf is modified.
func (s *Segment) Set(field, rep, comp, sub int, value string) {
	if comp <= 0 {
		comp = 1
	}
	if sub <= 0 {
		sub = 1
	}
	if field < 1 || rep < 0 {
		return
	}
	for len(s.Fields) < field {
		s.Fields = append(s.Fields, Field{})
	}
	f := &s.Fields[field-1]
	for len(f.Repetitions) <= rep {
		f.Repetitions = append(f.Repetitions, Repetition{})
	}
	r := &f.Repetitions[rep]
	for len(*r) < comp {
		*r = append(*r, Component{""})
	}
	c := &(*r)[comp-1]
	for len(*c) < sub {
		*c = append(*c, "")
	}
	(*c)[sub-1] = value
}

// IsEmpty reports whether the addressed field has no non-empty leaf.
func (s *Segment) IsEmpty(field int) bool {
	for r := 0; r < s.RepetitionCount(field); r++ {
		if !s.IsEmptyRep(field, r) {
			return false
		}
	}
	return true
}

// IsEmptyRep reports whether one repetition of field has no non-empty leaf.
func (s *Segment) IsEmptyRep(field, rep int) bool {
	fi := field - 1
	if fi < 0 || fi >= len(s.Fields) || rep < 0 || rep >= len(s.Fields[fi].Repetitions) {
		return true
	}
	for _, c := range s.Fields[fi].Repetitions[rep] {
		for _, v := range c {
			if v != "" {
				return false
			}
		}
	}
	return true
}

// FieldText returns the encoded text of a whole field.
func (s *Segment) FieldText(field int, d Delimiters) string {
	fi := field - 1
	if fi < 0 || fi >= len(s.Fields) {
		return ""
	}
	if s.Name == "MSH" && field <= 2 {
		return s.Get(field, 0, 1, 1)
	}
	return encodeField(s.Fields[fi], d)
}

// SetFieldText replaces a whole field with the parsed form of text.
func (s *Segment) SetFieldText(field int, text string, d Delimiters) {
	if field < 1 {
		return
	}
	for len(s.Fields) < field {
		s.Fields = append(s.Fields, Field{})
	}
	s.Fields[field-1] = parseField(text, d)
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}
