package outbound

import (
	"errors"

	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

const ssnSystem = "http://hl7.org/fhir/sid/us-ssn"

var errExtraPatient = errors.New("message already carries a patient")

// Patient writes the first Patient record into PID and PD1.
type Patient struct {
	done bool
}

func (*Patient) Name() string { return fhir.KindPatient }

func (*Patient) CanConvert(r fhir.Record) bool { return r.ResourceKind() == fhir.KindPatient }

func (p *Patient) Convert(c *registry.Conversion, r fhir.Record) error {
	pt := r.(*fhir.Patient)
	if p.done {
		return errExtraPatient
	}
	p.done = true

	pid, err := target(c, "PID", 0, 0)
	if err != nil {
		return err
	}
	pid.Put(1, "1")
	rep := 0
	for _, id := range pt.Identifier {
		if id.System == ssnSystem {
			pid.Put(19, id.Value)
			continue
		}
		pid.PutIdentifier(3, rep, id)
		rep++
	}
	for i, n := range pt.Name {
		pid.PutName(5, i, n)
	}
	for i, a := range pt.Address {
		pid.PutAddress(11, i, a)
	}
	var home, work int
	for _, cp := range pt.Telecom {
		if cp.Use == "work" {
			pid.PutTelecom(14, work, cp)
			work++
			continue
		}
		pid.PutTelecom(13, home, cp)
		home++
	}
	if len(pt.Communication) > 0 {
		pid.PutConcept(15, 0, &pt.Communication[0].Language)
	}
	pid.PutTableCode(16, pt.MaritalStatus, mapping.MaritalStatus)
	mapping.PatientFields.Emit(pid, pt)

	if len(pt.GeneralPractitioner) > 0 {
		pd1, err := target(c, "PD1", 0, 0)
		if err != nil {
			return err
		}
		for i := range pt.GeneralPractitioner {
			pd1.PutPerson(4, i, &pt.GeneralPractitioner[i])
		}
	}
	return nil
}
