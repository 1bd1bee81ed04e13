// Package mapping holds the field-mapping building blocks shared by the
// inbound and outbound converters: rule tables for scalar attributes,
// composite datatype readers and writers, date/time conversion and code
// tables.
package mapping

import (
	"strconv"
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Leaf addresses one value inside a segment. Field and Component are
// 1-based, Rep is 0-based.
type Leaf struct {
	Field     int
	Rep       int
	Component int
	Sub       int
}

// At addresses the first component of field.
func At(field int) Leaf { return Leaf{Field: field, Component: 1, Sub: 1} }

// Comp addresses component comp of field.
func Comp(field, comp int) Leaf { return Leaf{Field: field, Component: comp, Sub: 1} }

// Read copies one source leaf into a record attribute.
type Read[R any] struct {
	From Leaf
	To   func(r R, v string)
}

// Write copies one record attribute into a target leaf.
type Write[R any] struct {
	To   Leaf
	From func(r R) string
}

// Rules is the scalar mapping table of one record kind. Composite and
// repeating attributes are handled by the converter itself.
type Rules[R any] struct {
	In  []Read[R]
	Out []Write[R]
}

// Apply runs the inbound rules against seg. Empty leaves are skipped, so
// absent data leaves the record attribute unset. It returns the number of
// rules that found a value.
func (rs Rules[R]) Apply(seg *hl7v2.Segment, r R) int {
	n := 0
	for _, rule := range rs.In {
		v := seg.Get(rule.From.Field, rule.From.Rep, rule.From.Component, rule.From.Sub)
		if v == "" {
			continue
		}
		rule.To(r, v)
		n++
	}
	return n
}

// Emit runs the outbound rules into t with set-if-present semantics.
func (rs Rules[R]) Emit(t *Target, r R) {
	for _, rule := range rs.Out {
		t.Set(rule.To.Field, rule.To.Rep, rule.To.Component, rule.To.Sub, rule.From(r))
	}
}

// AsDateTime wraps a setter so the value is converted to a FHIR dateTime
// first. Values that do not parse are dropped.
func AsDateTime[R any](set func(R, string)) func(R, string) {
	return func(r R, v string) {
		if dt, err := DateTimeToFHIR(v); err == nil && dt != "" {
			set(r, dt)
		}
	}
}

// AsDate wraps a setter so the value is converted to a FHIR date first.
func AsDate[R any](set func(R, string)) func(R, string) {
	return func(r R, v string) {
		if d, err := DateToFHIR(v); err == nil && d != "" {
			set(r, d)
		}
	}
}

// Via wraps a setter so the value is mapped through t first. Codes the
// table does not know, and that have no default, are dropped.
func Via[R any](t *Table, set func(R, string)) func(R, string) {
	return func(r R, v string) {
		if code, ok := t.Lookup(v); ok {
			set(r, code)
		}
	}
}

// FromDateTime wraps a getter so its FHIR dateTime is written as a TS.
func FromDateTime[R any](get func(R) string) func(R) string {
	return func(r R) string {
		ts, err := DateTimeToHL7(get(r))
		if err != nil {
			return ""
		}
		return ts
	}
}

// FromDate wraps a getter so its FHIR date is written as a DT.
func FromDate[R any](get func(R) string) func(R) string {
	return func(r R) string {
		d, err := DateToHL7(get(r))
		if err != nil {
			return ""
		}
		return d
	}
}

// ToTable wraps a getter so its FHIR code is mapped back through t.
func ToTable[R any](t *Table, get func(R) string) func(R) string {
	return func(r R) string { return t.ToHL7(get(r)) }
}

// AsFlag wraps a setter for a Y/N indicator. Other values are dropped.
func AsFlag[R any](set func(R, bool)) func(R, string) {
	return func(r R, v string) {
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "Y":
			set(r, true)
		case "N":
			set(r, false)
		}
	}
}

// AsInt wraps a setter for a whole number.
func AsInt[R any](set func(R, int)) func(R, string) {
	return func(r R, v string) {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			set(r, n)
		}
	}
}

// FromFlag wraps a getter so a set boolean is written as Y or N.
func FromFlag[R any](get func(R) *bool) func(R) string {
	return func(r R) string {
		b := get(r)
		switch {
		case b == nil:
			return ""
		case *b:
			return "Y"
		}
		return "N"
	}
}

// FromInt wraps a getter so a set integer is written in decimal.
func FromInt[R any](get func(R) *int) func(R) string {
	return func(r R) string {
		if n := get(r); n != nil {
			return strconv.Itoa(*n)
		}
		return ""
	}
}
