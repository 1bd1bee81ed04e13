package hl7v2

import (
	"strings"
)

// Escape escapes HL7 special characters in a leaf value.
// The HL7 escape sequences are:
//
//	\F\ = |  (field separator)
//	\S\ = ^  (component separator)
//	\R\ = ~  (repetition separator)
//	\E\ = \  (escape character)
//	\T\ = &  (subcomponent separator)
func Escape(s string, d Delimiters) string {
	if !strings.ContainsAny(s, string([]byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent})) {
		return s
	}
	esc := string(d.Escape)
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case d.Escape:
			b.WriteString(esc + "E" + esc)
		case d.Field:
			b.WriteString(esc + "F" + esc)
		case d.Component:
			b.WriteString(esc + "S" + esc)
		case d.Repetition:
			b.WriteString(esc + "R" + esc)
		case d.Subcomponent:
			b.WriteString(esc + "T" + esc)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Unescape reverses Escape. Unknown escape sequences (formatting commands
// such as \.br\ or hex data \X..\) are kept verbatim.
func Unescape(s string, d Delimiters) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != d.Escape {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], d.Escape)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		switch seq {
		case "F":
			b.WriteByte(d.Field)
		case "S":
			b.WriteByte(d.Component)
		case "R":
			b.WriteByte(d.Repetition)
		case "E":
			b.WriteByte(d.Escape)
		case "T":
			b.WriteByte(d.Subcomponent)
		default:
			b.WriteString(s[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

// encodeField renders a field with trailing empty components and
// subcomponents trimmed.
func encodeField(f Field, d Delimiters) string {
	reps := make([]string, len(f.Repetitions))
	for i, r := range f.Repetitions {
		comps := make([]string, len(r))
		for j, c := range r {
			subs := make([]string, len(c))
			for k, v := range c {
				subs[k] = Escape(v, d)
			}
			comps[j] = strings.Join(trimTrailing(subs), string(d.Subcomponent))
		}
		reps[i] = strings.Join(trimTrailing(comps), string(d.Component))
	}
	return strings.Join(reps, string(d.Repetition))
}

func trimTrailing(parts []string) []string {
	n := len(parts)
	for n > 0 && parts[n-1] == "" {
		n--
	}
	return parts[:n]
}

// SerializeSegment converts a Segment back into its HL7v2 string form.
func SerializeSegment(seg *Segment, d Delimiters) string {
	fs := string(d.Field)
	if seg.Name == "MSH" {
		// MSH is special: Fields[0] is the field separator itself and
		// Fields[1] is the encoding characters, written verbatim.
		enc := d.EncodingCharacters()
		parts := []string{enc}
		for i := 2; i < len(seg.Fields); i++ {
			parts = append(parts, encodeField(seg.Fields[i], d))
		}
		return "MSH" + fs + strings.Join(trimTrailing(parts), fs)
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = encodeField(f, d)
	}
	parts = trimTrailing(parts)
	if len(parts) == 0 {
		return seg.Name
	}
	return seg.Name + fs + strings.Join(parts, fs)
}

// SerializeMessage converts a Message back into raw HL7v2 bytes with \r
// segment separators.
func SerializeMessage(msg *Message) []byte {
	d := msg.Delims
	if d.Field == 0 {
		d = DefaultDelimiters
	}
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, SerializeSegment(seg, d))
	}
	return []byte(strings.Join(segments, "\r"))
}
