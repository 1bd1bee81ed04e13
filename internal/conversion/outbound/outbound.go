// Package outbound writes FHIR records into an HL7v2 message tree. Every
// conversion gets fresh converter instances, so the repetition counters
// kept here never leak between messages.
package outbound

import (
	"fmt"
	"strconv"

	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Register adds a factory for every outbound converter to r.
func Register(r *registry.Registry) {
	for _, f := range []registry.OutboundFactory{
		func() registry.Outbound { return orderPlan{} },
		func() registry.Outbound { return &Patient{} },
		func() registry.Outbound { return &RelatedPerson{} },
		func() registry.Outbound { return &Encounter{} },
		func() registry.Outbound { return &AllergyIntolerance{} },
		func() registry.Outbound { return &Condition{} },
		func() registry.Outbound { return &Coverage{} },
		func() registry.Outbound { return &ServiceRequest{} },
		func() registry.Outbound { return newSpecimen() },
		func() registry.Outbound { return newObservation() },
		func() registry.Outbound { return &DiagnosticReport{} },
		func() registry.Outbound { return &Immunization{} },
		func() registry.Outbound { return newExtension() },
	} {
		r.RegisterOutbound(f)
	}
}

// target ensures repetition rep of segment, inside order when the
// structure groups that segment by order, and returns a writer for it.
func target(c *registry.Conversion, segment string, order, rep int) (*mapping.Target, error) {
	slot := resolver.Place(c.Structure(), segment)
	t, err := mapping.NewTarget(c.Tree, slot.At(order, rep))
	if err != nil {
		return nil, fmt.Errorf("outbound: place %s: %w", segment, err)
	}
	return t, nil
}

// counters hands out repetition numbers. Ordered slots count per order;
// flat slots share one sequence.
type counters map[int]int

func (cs counters) next(c *registry.Conversion, segment string, order int) int {
	key := -1
	if resolver.Place(c.Structure(), segment).Ordered {
		key = order
	}
	n := cs[key]
	cs[key] = n + 1
	return n
}

func setID(n int) string { return strconv.Itoa(n + 1) }

// orderKind is the correlation kind under which the plan stores each
// record's order index, keyed by "Kind/id".
const orderKind = "ORDER"

func recordKey(r fhir.Record) string {
	return fhir.FormatReference(r.ResourceKind(), r.ResourceID())
}

// orderOf returns the planned order index of r, or 0.
func orderOf(c *registry.Conversion, r fhir.Record) int {
	v, ok := c.Context.Lookup(orderKind, recordKey(r))
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// identifierOfType returns the first identifier whose v2-0203 type is typ.
func identifierOfType(ids []fhir.Identifier, typ string) (fhir.Identifier, bool) {
	for _, id := range ids {
		if id.Type != nil && id.Type.First().Code == typ {
			return id, true
		}
	}
	return fhir.Identifier{}, false
}

// orderNumbers returns the placer and filler identifiers of an order. An
// untyped first identifier is taken as the placer number.
func orderNumbers(ids []fhir.Identifier) (placer, filler fhir.Identifier) {
	placer, okP := identifierOfType(ids, "PLAC")
	filler, _ = identifierOfType(ids, "FILL")
	if !okP && len(ids) > 0 && ids[0].Type == nil {
		placer = ids[0]
	}
	return placer, filler
}
