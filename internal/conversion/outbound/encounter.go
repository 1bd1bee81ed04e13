package outbound

import (
	"errors"

	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

var errExtraEncounter = errors.New("message already carries a visit")

// PV1 doctor fields keyed by participation type.
var participantFields = map[string]int{"ATND": 7, "REF": 8, "CON": 9, "ADM": 17}

// Encounter writes the first Encounter record into PV1 and PV2.
type Encounter struct {
	done bool
}

func (*Encounter) Name() string { return fhir.KindEncounter }

func (*Encounter) CanConvert(r fhir.Record) bool { return r.ResourceKind() == fhir.KindEncounter }

func (e *Encounter) Convert(c *registry.Conversion, r fhir.Record) error {
	if e.done {
		return errExtraEncounter
	}
	e.done = true
	enc := r.(*fhir.Encounter)

	pv1, err := target(c, "PV1", 0, 0)
	if err != nil {
		return err
	}
	pv1.Put(1, "1")
	pv1.Put(2, patientClass(enc.Class))
	if len(enc.Location) > 0 {
		pv1.Put(3, enc.Location[0].Location.Display)
	}
	if len(enc.Type) > 0 {
		pv1.PutConcept(4, 0, &enc.Type[0])
	}
	for _, p := range enc.Participant {
		var code string
		if len(p.Type) > 0 {
			code = p.Type[0].First().Code
		}
		field, ok := participantFields[code]
		if !ok {
			field = participantFields["ATND"]
		}
		pv1.PutPerson(field, pv1.NextRep(field), p.Individual)
	}
	if h := enc.Hospitalization; h != nil {
		pv1.PutConcept(14, 0, h.AdmitSource)
		pv1.PutConcept(36, 0, h.DischargeDisposition)
	}
	if len(enc.Identifier) > 0 {
		pv1.PutIdentifier(19, 0, enc.Identifier[0])
	}
	mapping.EncounterFields.Emit(pv1, enc)

	if len(enc.ReasonCode) > 0 {
		pv2, err := target(c, "PV2", 0, 0)
		if err != nil {
			return err
		}
		pv2.PutConcept(3, 0, &enc.ReasonCode[0])
	}
	return nil
}

// patientClass maps an ActCode class to table 0004. Unknown codes are
// written as they are.
func patientClass(class fhir.Coding) string {
	if class.Code == "" {
		return ""
	}
	if v := mapping.PatientClass.ToHL7(class.Code); v != "" {
		return v
	}
	return class.Code
}
