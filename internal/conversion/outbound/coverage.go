package outbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Coverage writes one IN1 per record.
type Coverage struct {
	n int
}

func (*Coverage) Name() string { return fhir.KindCoverage }

func (*Coverage) CanConvert(r fhir.Record) bool { return r.ResourceKind() == fhir.KindCoverage }

func (cv *Coverage) Convert(c *registry.Conversion, r fhir.Record) error {
	cov := r.(*fhir.Coverage)
	in1, err := target(c, "IN1", 0, cv.n)
	if err != nil {
		return err
	}
	in1.Put(1, setID(cv.n))
	cv.n++

	for _, cl := range cov.Class {
		switch cl.Type.First().Code {
		case "plan":
			in1.Set(2, 0, 1, 1, cl.Value)
			in1.Set(2, 0, 2, 1, cl.Name)
		case "group":
			in1.Put(8, cl.Value)
			in1.Put(9, cl.Name)
		}
	}
	if len(cov.Identifier) > 0 {
		in1.PutIdentifier(3, 0, cov.Identifier[0])
	}
	if len(cov.Payor) > 0 {
		in1.Put(4, cov.Payor[0].Display)
	}
	in1.PutConcept(15, 0, cov.Type)
	in1.PutTableCode(17, cov.Relationship, mapping.SubscriberRelationship)
	mapping.CoverageFields.Emit(in1, cov)
	return nil
}
