package inbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// AllergyIntolerance converts AL1 segments. AL1 carries no clinical or
// verification status, so neither is set.
type AllergyIntolerance struct{}

func (AllergyIntolerance) Kind() string { return fhir.KindAllergyIntolerance }

func (AllergyIntolerance) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	locs, _ := c.Resolver.All(c.Tree.Root, resolver.AL1)
	var out []fhir.Record
	for _, loc := range locs {
		al1 := loc.Segment
		a := fhir.New(fhir.KindAllergyIntolerance).(*fhir.AllergyIntolerance)
		a.Patient = patientRef(c)
		a.Code, _ = mapping.Concept(al1, 3, 0)
		mapping.AllergyFields.Apply(al1, a)

		severity := mapping.AllergySeverity.ToFHIR(al1.GetField(4))
		for r := 0; r < al1.RepetitionCount(5); r++ {
			text := al1.Get(5, r, 1, 1)
			if text == "" {
				continue
			}
			a.Reaction = append(a.Reaction, fhir.AllergyReaction{
				Manifestation: []fhir.CodeableConcept{{Text: text}},
				Severity:      severity,
			})
		}
		out = append(out, a)
	}
	return out, nil
}
