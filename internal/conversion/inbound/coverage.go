package inbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

const coverageClassSystem = "http://terminology.hl7.org/CodeSystem/coverage-class"

// Coverage converts IN1 segments.
type Coverage struct{}

func (Coverage) Kind() string { return fhir.KindCoverage }

func (Coverage) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	locs, _ := c.Resolver.All(c.Tree.Root, resolver.IN1)
	var out []fhir.Record
	for _, loc := range locs {
		in1 := loc.Segment
		cov := fhir.New(fhir.KindCoverage).(*fhir.Coverage)
		cov.Status = "active"
		cov.Beneficiary = patientRef(c)

		if plan := in1.Get(2, 0, 1, 1); plan != "" {
			cov.Class = append(cov.Class, coverageClass("plan", plan, in1.Get(2, 0, 2, 1)))
		}
		if group := in1.GetField(8); group != "" {
			cov.Class = append(cov.Class, coverageClass("group", group, in1.GetField(9)))
		}

		payor := in1.Get(4, 0, 1, 1)
		if payor == "" {
			payor = in1.Get(3, 0, 1, 1)
		}
		if payor != "" {
			cov.Payor = []fhir.Reference{{Display: payor}}
		}
		if id, ok := mapping.Identifier(in1, 3, 0); ok {
			cov.Identifier = []fhir.Identifier{id}
		}
		if t, ok := mapping.Concept(in1, 15, 0); ok {
			cov.Type = t
		}
		if rel, ok := mapping.TableConcept(in1, 17, mapping.SubscriberRelationship); ok {
			cov.Relationship = rel
		}
		mapping.CoverageFields.Apply(in1, cov)
		out = append(out, cov)
	}
	return out, nil
}

func coverageClass(kind, value, name string) fhir.CoverageClass {
	return fhir.CoverageClass{
		Type:  fhir.CodeableConcept{Coding: []fhir.Coding{{System: coverageClassSystem, Code: kind}}},
		Value: value,
		Name:  name,
	}
}
