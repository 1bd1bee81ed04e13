package outbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// ServiceRequest writes ORC and OBR at the order index chosen by the plan.
type ServiceRequest struct{}

func (*ServiceRequest) Name() string { return fhir.KindServiceRequest }

func (*ServiceRequest) CanConvert(r fhir.Record) bool {
	return r.ResourceKind() == fhir.KindServiceRequest
}

func (*ServiceRequest) Convert(c *registry.Conversion, r fhir.Record) error {
	sr := r.(*fhir.ServiceRequest)
	idx := orderOf(c, sr)
	placer, filler := orderNumbers(sr.Identifier)

	orc, err := target(c, "ORC", idx, 0)
	if err != nil {
		return err
	}
	if sr.Status == "" {
		orc.Put(1, "NW")
	} else {
		orc.Put(1, mapping.OrderControl.ToHL7(sr.Status))
	}
	orc.PutEntityIdentifier(2, placer)
	orc.PutEntityIdentifier(3, filler)
	if p := mapping.Priority.ToHL7(sr.Priority); p != "" {
		orc.Set(7, 0, 6, 1, p)
	}
	mapping.OrderControlFields.Emit(orc, sr)
	orc.PutPerson(12, 0, sr.Requester)

	obr, err := target(c, "OBR", idx, 0)
	if err != nil {
		return err
	}
	obr.Put(1, setID(idx))
	obr.PutEntityIdentifier(2, placer)
	obr.PutEntityIdentifier(3, filler)
	obr.PutConcept(4, 0, sr.Code)
	obr.PutPerson(16, 0, sr.Requester)
	for i := range sr.ReasonCode {
		obr.PutConcept(31, i, &sr.ReasonCode[i])
	}
	mapping.ServiceRequestFields.Emit(obr, sr)
	return nil
}

// DiagnosticReport writes report fields into the OBR of its order. When
// the report shares an order with a request, identifying fields the
// request already filled are left alone.
type DiagnosticReport struct{}

func (*DiagnosticReport) Name() string { return fhir.KindDiagnosticReport }

func (*DiagnosticReport) CanConvert(r fhir.Record) bool {
	return r.ResourceKind() == fhir.KindDiagnosticReport
}

func (*DiagnosticReport) Convert(c *registry.Conversion, r fhir.Record) error {
	dr := r.(*fhir.DiagnosticReport)
	idx := orderOf(c, dr)
	placer, filler := orderNumbers(dr.Identifier)

	obr, err := target(c, "OBR", idx, 0)
	if err != nil {
		return err
	}
	putFirst(obr, 1, setID(idx))
	if obr.Segment.IsEmpty(2) {
		obr.PutEntityIdentifier(2, placer)
	}
	if obr.Segment.IsEmpty(3) {
		obr.PutEntityIdentifier(3, filler)
	}
	if obr.Segment.IsEmpty(4) {
		obr.PutConcept(4, 0, &dr.Code)
	}
	if len(dr.Category) > 0 {
		putFirst(obr, 24, dr.Category[0].First().Code)
	}
	mapping.ReportFields.Emit(obr, dr)
	return nil
}

// putFirst writes value unless field already holds data.
func putFirst(t *mapping.Target, field int, value string) {
	if t.Segment.IsEmpty(field) {
		t.Put(field, value)
	}
}
