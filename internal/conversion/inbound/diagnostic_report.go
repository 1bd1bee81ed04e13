package inbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/correlation"
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

const diagnosticServiceSystem = "http://terminology.hl7.org/CodeSystem/v2-0074"

// DiagnosticReport converts an OBR that carries a result status or has
// results of its own. Pure orders produce no report.
type DiagnosticReport struct{}

func (DiagnosticReport) Kind() string { return fhir.KindDiagnosticReport }

func (DiagnosticReport) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	var out []fhir.Record
	for _, o := range orders(c) {
		obr := o.OBR.Segment
		key := correlation.IndexKey(o.Index)
		results := c.Context.Members(fhir.KindObservation, key)
		if obr.GetField(25) == "" && len(results) == 0 {
			continue
		}

		dr := fhir.New(fhir.KindDiagnosticReport).(*fhir.DiagnosticReport)
		dr.Identifier = o.identifiers()
		dr.Code = codeable(mapping.Concept(obr, 4, 0))
		dr.Subject = subject(c)
		dr.Encounter = encounter(c)
		if section := obr.GetField(24); section != "" {
			dr.Category = []fhir.CodeableConcept{{Coding: []fhir.Coding{{System: diagnosticServiceSystem, Code: section}}}}
		}
		mapping.ReportFields.Apply(obr, dr)
		if dr.Status == "" {
			dr.Status = "unknown"
		}
		if id, ok := c.Context.LookupOrder(fhir.KindServiceRequest, o.Keys); ok {
			dr.BasedOn = []fhir.Reference{*reference(fhir.KindServiceRequest, id)}
		}
		dr.Result = references(fhir.KindObservation, results)
		dr.Specimen = references(fhir.KindSpecimen, c.Context.Members(fhir.KindSpecimen, key))
		out = append(out, dr)
	}
	return out, nil
}
