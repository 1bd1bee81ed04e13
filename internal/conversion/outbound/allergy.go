package outbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// AllergyIntolerance writes one AL1 per record.
type AllergyIntolerance struct {
	n int
}

func (*AllergyIntolerance) Name() string { return fhir.KindAllergyIntolerance }

func (*AllergyIntolerance) CanConvert(r fhir.Record) bool {
	return r.ResourceKind() == fhir.KindAllergyIntolerance
}

func (a *AllergyIntolerance) Convert(c *registry.Conversion, r fhir.Record) error {
	ai := r.(*fhir.AllergyIntolerance)
	al1, err := target(c, "AL1", 0, a.n)
	if err != nil {
		return err
	}
	al1.Put(1, setID(a.n))
	a.n++

	al1.PutConcept(3, 0, ai.Code)
	al1.Put(4, allergySeverity(ai))
	rep := 0
	for _, rx := range ai.Reaction {
		for _, m := range rx.Manifestation {
			text := m.Text
			if text == "" {
				text = m.First().Display
			}
			if text == "" {
				text = m.First().Code
			}
			if text == "" {
				continue
			}
			al1.Set(5, rep, 1, 1, text)
			rep++
		}
	}
	mapping.AllergyFields.Emit(al1, ai)
	return nil
}

// allergySeverity prefers the first reaction severity and falls back to
// criticality.
func allergySeverity(ai *fhir.AllergyIntolerance) string {
	for _, rx := range ai.Reaction {
		if v := mapping.AllergySeverity.ToHL7(rx.Severity); v != "" {
			return v
		}
	}
	return mapping.AllergyCriticality.ToHL7(ai.Criticality)
}
