package inbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// ServiceRequest converts each OBR, with the ORC of its order, and
// registers the order for the result converters.
type ServiceRequest struct{}

func (ServiceRequest) Kind() string { return fhir.KindServiceRequest }

func (ServiceRequest) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	var out []fhir.Record
	for _, o := range orders(c) {
		obr := o.OBR.Segment
		sr := fhir.New(fhir.KindServiceRequest).(*fhir.ServiceRequest)
		sr.Identifier = o.identifiers()
		sr.Intent = "order"
		sr.Status = requestStatus(o)
		sr.Code, _ = mapping.Concept(obr, 4, 0)
		sr.Subject = patientRef(c)
		sr.Encounter = encounter(c)
		sr.ReasonCode = mapping.Concepts(obr, 31)

		if o.ORC != nil {
			mapping.OrderControlFields.Apply(o.ORC, sr)
			sr.Requester, _ = mapping.Person(o.ORC, 12, 0)
		}
		if sr.Requester == nil {
			sr.Requester, _ = mapping.Person(obr, 16, 0)
		}
		mapping.ServiceRequestFields.Apply(obr, sr)
		sr.Note = notes(c, o.OBR.Scope, resolver.OrderNTE)

		c.Context.RegisterOrder(fhir.KindServiceRequest, o.Keys, sr.ID)
		out = append(out, sr)
	}
	return out, nil
}

// requestStatus prefers ORC-5, then ORC-1, then a result status on OBR-25.
func requestStatus(o order) string {
	if o.ORC != nil {
		if s := o.ORC.GetField(5); s != "" {
			return mapping.OrderStatus.ToFHIR(s)
		}
		if ctl := o.ORC.GetField(1); ctl != "" {
			return mapping.OrderControl.ToFHIR(ctl)
		}
	}
	if o.OBR.Field(25) != "" {
		return "completed"
	}
	return "active"
}
