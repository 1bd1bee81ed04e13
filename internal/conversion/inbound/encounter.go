package inbound

import (
	"strings"

	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Encounter converts PV1 and PV2.
type Encounter struct{}

func (Encounter) Kind() string { return fhir.KindEncounter }

// PV1 doctor fields and their participation types.
var participantFields = []struct {
	field int
	code  string
}{
	{7, "ATND"}, {8, "REF"}, {9, "CON"}, {17, "ADM"},
}

func (Encounter) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	loc, ok := c.Resolver.First(c.Tree.Root, resolver.PV1)
	if !ok {
		return nil, nil
	}
	pv1 := loc.Segment

	e := fhir.New(fhir.KindEncounter).(*fhir.Encounter)
	e.Subject = subject(c)
	e.Class = encounterClass(pv1.GetField(2))
	if t, ok := mapping.Concept(pv1, 4, 0); ok {
		e.Type = []fhir.CodeableConcept{*t}
	}
	if where := location(pv1, 3); where != "" {
		e.Location = []fhir.EncounterLocation{{Location: fhir.Reference{Display: where}}}
	}
	for _, pf := range participantFields {
		for r := 0; r < pv1.RepetitionCount(pf.field); r++ {
			who, ok := mapping.Person(pv1, pf.field, r)
			if !ok {
				continue
			}
			e.Participant = append(e.Participant, fhir.EncounterParticipant{
				Type: []fhir.CodeableConcept{{Coding: []fhir.Coding{{
					System: mapping.ParticipantType.System,
					Code:   pf.code,
				}}}},
				Individual: who,
			})
		}
	}
	if id, ok := mapping.Identifier(pv1, 19, 0); ok {
		if id.Type == nil {
			id.Type = &fhir.CodeableConcept{Coding: []fhir.Coding{{System: mapping.IdentifierTypeSystem, Code: "VN"}}}
		}
		e.Identifier = []fhir.Identifier{id}
	}

	var hosp fhir.Hospitalization
	if src, ok := mapping.Concept(pv1, 14, 0); ok {
		hosp.AdmitSource = src
	}
	if dd, ok := mapping.Concept(pv1, 36, 0); ok {
		hosp.DischargeDisposition = dd
	}
	if hosp.AdmitSource != nil || hosp.DischargeDisposition != nil {
		e.Hospitalization = &hosp
	}

	mapping.EncounterFields.Apply(pv1, e)
	e.Status = encounterStatus(e, c.Tree.Header())

	if pv2, ok := c.Resolver.First(c.Tree.Root, resolver.PV2); ok {
		if reason, ok := mapping.Concept(pv2.Segment, 3, 0); ok {
			e.ReasonCode = []fhir.CodeableConcept{*reason}
		}
	}

	c.Context.SetEncounterID(e.ID)
	return []fhir.Record{e}, nil
}

func encounterClass(code string) fhir.Coding {
	if v, ok := mapping.PatientClass.Lookup(code); ok {
		return fhir.Coding{System: mapping.PatientClass.System, Code: v}
	}
	return fhir.Coding{Code: code}
}

// location renders a PL field (point of care, room, bed, facility) as
// display text.
func location(seg *hl7v2.Segment, field int) string {
	var parts []string
	for _, comp := range []int{4, 1, 2, 3} {
		if v := seg.Get(field, 0, comp, 1); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// encounterStatus derives the status from the discharge time and the
// trigger event.
func encounterStatus(e *fhir.Encounter, msh *hl7v2.Segment) string {
	if e.Period != nil && e.Period.End != "" {
		return "finished"
	}
	if msh == nil {
		return "in-progress"
	}
	switch msh.Get(9, 0, 2, 1) {
	case "A03":
		return "finished"
	case "A05", "A14":
		return "planned"
	case "A11", "A27", "A38":
		return "cancelled"
	}
	return "in-progress"
}
