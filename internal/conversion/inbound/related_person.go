package inbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// RelatedPerson converts NK1 segments.
type RelatedPerson struct{}

func (RelatedPerson) Kind() string { return fhir.KindRelatedPerson }

func (RelatedPerson) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	locs, _ := c.Resolver.All(c.Tree.Root, resolver.NK1)
	var out []fhir.Record
	for _, loc := range locs {
		nk1 := loc.Segment
		rp := fhir.New(fhir.KindRelatedPerson).(*fhir.RelatedPerson)
		rp.Patient = patientRef(c)
		rp.Name = mapping.Names(nk1, 2)
		if rel := relationship(nk1.Get(3, 0, 1, 1), nk1.Get(3, 0, 2, 1)); rel != nil {
			rp.Relationship = []fhir.CodeableConcept{*rel}
		}
		rp.Address = mapping.Addresses(nk1, 4)
		rp.Telecom = append(mapping.Telecoms(nk1, 5, "home"), mapping.Telecoms(nk1, 6, "work")...)
		mapping.RelatedPersonFields.Apply(nk1, rp)
		out = append(out, rp)
	}
	return out, nil
}

// relationship maps a table 0063 code to v3-RoleCode, keeping unknown codes
// as text.
func relationship(code, display string) *fhir.CodeableConcept {
	if code == "" && display == "" {
		return nil
	}
	if role, ok := mapping.Relationship.Lookup(code); ok {
		return &fhir.CodeableConcept{Coding: []fhir.Coding{{
			System:  mapping.Relationship.System,
			Code:    role,
			Display: display,
		}}}
	}
	if display == "" {
		display = code
	}
	return &fhir.CodeableConcept{Text: display}
}
