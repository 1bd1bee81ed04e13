package outbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Condition writes one DG1 per record.
type Condition struct {
	n int
}

func (*Condition) Name() string { return fhir.KindCondition }

func (*Condition) CanConvert(r fhir.Record) bool { return r.ResourceKind() == fhir.KindCondition }

func (cv *Condition) Convert(c *registry.Conversion, r fhir.Record) error {
	cond := r.(*fhir.Condition)
	dg1, err := target(c, "DG1", 0, cv.n)
	if err != nil {
		return err
	}
	dg1.Put(1, setID(cv.n))
	cv.n++

	dg1.PutConcept(3, 0, cond.Code)
	if cond.Code != nil {
		text := cond.Code.Text
		if text == "" {
			text = cond.Code.First().Display
		}
		dg1.Put(4, text)
	}
	dg1.PutTableCode(6, cond.VerificationStatus, mapping.DiagnosisType)
	dg1.PutPerson(16, 0, cond.Recorder)
	if len(cond.Identifier) > 0 {
		dg1.PutEntityIdentifier(20, cond.Identifier[0])
	}
	mapping.ConditionFields.Emit(dg1, cond)
	return nil
}
