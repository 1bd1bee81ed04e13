package inbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

const conditionCategorySystem = "http://terminology.hl7.org/CodeSystem/condition-category"

// Condition converts DG1 segments into encounter diagnoses.
type Condition struct{}

func (Condition) Kind() string { return fhir.KindCondition }

func (Condition) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	locs, _ := c.Resolver.All(c.Tree.Root, resolver.DG1)
	var out []fhir.Record
	for _, loc := range locs {
		dg1 := loc.Segment
		cond := fhir.New(fhir.KindCondition).(*fhir.Condition)
		cond.Subject = patientRef(c)
		cond.Encounter = encounter(c)
		cond.Code, _ = mapping.Concept(dg1, 3, 0)
		if cond.Code != nil && cond.Code.Text == "" {
			cond.Code.Text = dg1.GetField(4)
		}
		cond.Category = []fhir.CodeableConcept{{Coding: []fhir.Coding{{
			System: conditionCategorySystem,
			Code:   "encounter-diagnosis",
		}}}}
		if vs, ok := mapping.TableConcept(dg1, 6, mapping.DiagnosisType); ok {
			cond.VerificationStatus = vs
		}
		cond.Recorder, _ = mapping.Person(dg1, 16, 0)
		if id, ok := mapping.EntityIdentifier(dg1, 20); ok {
			cond.Identifier = []fhir.Identifier{id}
		}
		mapping.ConditionFields.Apply(dg1, cond)
		out = append(out, cond)
	}
	return out, nil
}
