// Package inbound converts HL7v2 segments into FHIR records. There is one
// stateless converter per record kind; Register installs them in the order
// later converters depend on.
package inbound

import (
	"strings"

	"github.com/ehr/hl7bridge/internal/conversion/correlation"
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Register adds every inbound converter to r. Patient runs first so the
// others can reference it; orders run before the results that link to
// them.
func Register(r *registry.Registry) {
	for _, c := range []registry.Inbound{
		Patient{},
		RelatedPerson{},
		Encounter{},
		AllergyIntolerance{},
		Condition{},
		Coverage{},
		ServiceRequest{},
		Specimen{},
		Observation{},
		DiagnosticReport{},
		Immunization{},
		Basic{},
	} {
		r.RegisterInbound(c)
	}
}

func reference(kind, id string) *fhir.Reference {
	if id == "" {
		return nil
	}
	return &fhir.Reference{Reference: fhir.FormatReference(kind, id)}
}

func subject(c *registry.Conversion) *fhir.Reference {
	return reference(fhir.KindPatient, c.Context.PatientID())
}

func patientRef(c *registry.Conversion) fhir.Reference {
	if r := subject(c); r != nil {
		return *r
	}
	return fhir.Reference{}
}

func encounter(c *registry.Conversion) *fhir.Reference {
	return reference(fhir.KindEncounter, c.Context.EncounterID())
}

var orcPath = hl7v2.MustParsePath("ORC")

// order is one OBR with its ORC and the keys results use to find it.
type order struct {
	Index int
	OBR   resolver.Location
	ORC   *hl7v2.Segment
	Keys  correlation.OrderKeys
}

// field returns the first non-empty value of field in OBR, then ORC.
func (o order) field(n int) string {
	if v := o.OBR.Field(n); v != "" {
		return v
	}
	if o.ORC != nil {
		return o.ORC.GetField(n)
	}
	return ""
}

// identifier reads the EI in field n of OBR, falling back to ORC, typed
// with a v2-0203 code.
func (o order) identifier(n int, typ string) (fhir.Identifier, bool) {
	id, ok := mapping.EntityIdentifier(o.OBR.Segment, n)
	if !ok && o.ORC != nil {
		id, ok = mapping.EntityIdentifier(o.ORC, n)
	}
	if !ok {
		return fhir.Identifier{}, false
	}
	id.Type = &fhir.CodeableConcept{Coding: []fhir.Coding{{System: mapping.IdentifierTypeSystem, Code: typ}}}
	return id, true
}

func (o order) identifiers() []fhir.Identifier {
	var out []fhir.Identifier
	if id, ok := o.identifier(2, "PLAC"); ok {
		out = append(out, id)
	}
	if id, ok := o.identifier(3, "FILL"); ok {
		out = append(out, id)
	}
	return out
}

// orders enumerates the OBR segments of the message. Converters call it
// independently; the enumeration is deterministic, so indices agree.
func orders(c *registry.Conversion) []order {
	locs, _ := c.Resolver.All(c.Tree.Root, resolver.OBR)
	out := make([]order, 0, len(locs))
	for i, loc := range locs {
		o := order{Index: i, OBR: loc}
		if loc.Scope != nil {
			o.ORC = loc.Scope.Segment(orcPath)
		}
		o.Keys = correlation.OrderKeys{Placer: o.field(2), Filler: o.field(3), Index: i}
		out = append(out, o)
	}
	return out
}

// notes reads the NTE segments governed by key inside scope.
func notes(c *registry.Conversion, scope *hl7v2.Group, key string) []fhir.Annotation {
	locs, _ := c.Resolver.All(scope, key)
	var out []fhir.Annotation
	for _, loc := range locs {
		if text := joinReps(loc.Segment, 3, "\n"); text != "" {
			out = append(out, fhir.Annotation{Text: text})
		}
	}
	return out
}

// joinReps joins the first component of every repetition of field.
func joinReps(seg *hl7v2.Segment, field int, sep string) string {
	var parts []string
	for r := 0; r < seg.RepetitionCount(field); r++ {
		if v := seg.Get(field, r, 1, 1); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}

// codeable returns cc as a value, or the zero concept.
func codeable(cc *fhir.CodeableConcept, ok bool) fhir.CodeableConcept {
	if !ok || cc == nil {
		return fhir.CodeableConcept{}
	}
	return *cc
}

func references(kind string, ids []string) []fhir.Reference {
	var out []fhir.Reference
	for _, id := range ids {
		out = append(out, *reference(kind, id))
	}
	return out
}
