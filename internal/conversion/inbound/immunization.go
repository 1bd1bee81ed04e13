package inbound

import (
	"strings"

	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

const (
	performerFunctionSystem = "http://terminology.hl7.org/CodeSystem/v2-0443"
	// RXA-6 value meaning "amount unknown".
	unknownDose = "999"
)

var rxrPath = hl7v2.MustParsePath("RXR")

// Immunization converts RXA segments, reading route and site from the RXR
// and the filler number from the ORC of the same order.
type Immunization struct{}

func (Immunization) Kind() string { return fhir.KindImmunization }

func (Immunization) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	locs, _ := c.Resolver.All(c.Tree.Root, resolver.RXA)
	var out []fhir.Record
	for _, loc := range locs {
		rxa := loc.Segment
		im := fhir.New(fhir.KindImmunization).(*fhir.Immunization)
		im.Patient = patientRef(c)
		im.Encounter = encounter(c)
		im.VaccineCode = codeable(mapping.Concept(rxa, 5, 0))

		mapping.ImmunizationFields.Apply(rxa, im)
		if im.Status == "" {
			im.Status = "completed"
		}
		if strings.EqualFold(rxa.GetField(21), "D") {
			im.Status = "entered-in-error"
		}
		im.StatusReason, _ = mapping.Concept(rxa, 18, 0)

		if dose := rxa.GetField(6); dose != unknownDose {
			if v, ok := mapping.Number(dose); ok {
				q := &fhir.Quantity{Value: &v, Code: rxa.Get(7, 0, 1, 1), Unit: rxa.Get(7, 0, 2, 1)}
				if q.Unit == "" {
					q.Unit = q.Code
				}
				if sys := rxa.Get(7, 0, 3, 1); sys != "" {
					q.System = mapping.SystemURI(sys)
				}
				im.DoseQuantity = q
			}
		}
		if mfr := manufacturer(rxa); mfr != "" {
			im.Manufacturer = &fhir.Reference{Display: mfr}
		}
		if who, ok := mapping.Person(rxa, 10, 0); ok {
			im.Performer = []fhir.ImmunizationPerformer{{
				Function: &fhir.CodeableConcept{Coding: []fhir.Coding{{System: performerFunctionSystem, Code: "AP"}}},
				Actor:    *who,
			}}
		}
		switch rxa.Get(9, 0, 1, 1) {
		case "00":
			yes := true
			im.PrimarySource = &yes
		case "01":
			no := false
			im.PrimarySource = &no
		}

		if loc.Scope != nil {
			if rxr := loc.Scope.Segment(rxrPath); rxr != nil {
				im.Route, _ = mapping.Concept(rxr, 1, 0)
				im.Site, _ = mapping.Concept(rxr, 2, 0)
			}
			if orc := loc.Scope.Segment(orcPath); orc != nil {
				if id, ok := mapping.EntityIdentifier(orc, 3); ok {
					im.Identifier = []fhir.Identifier{id}
				}
			}
		}
		out = append(out, im)
	}
	return out, nil
}

// manufacturer reads RXA-17 as display text.
func manufacturer(rxa *hl7v2.Segment) string {
	if name := rxa.Get(17, 0, 2, 1); name != "" {
		return name
	}
	return rxa.Get(17, 0, 1, 1)
}
