package inbound

import (
	"fmt"

	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

const ssnSystem = "http://hl7.org/fhir/sid/us-ssn"

// Patient converts PID and PD1. It is the anchor: a message without an
// identified patient cannot be converted.
type Patient struct{}

func (Patient) Kind() string { return fhir.KindPatient }

func (Patient) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	loc, ok := c.Resolver.First(c.Tree.Root, resolver.PID)
	if !ok {
		return nil, fmt.Errorf("inbound: no PID with an identifier: %w", registry.ErrMissingAnchor)
	}
	pid := loc.Segment

	p := fhir.New(fhir.KindPatient).(*fhir.Patient)
	p.Identifier = mapping.Identifiers(pid, 3)
	if ssn := pid.GetField(19); ssn != "" {
		p.Identifier = append(p.Identifier, fhir.Identifier{
			System: ssnSystem,
			Value:  ssn,
			Type:   &fhir.CodeableConcept{Coding: []fhir.Coding{{System: mapping.IdentifierTypeSystem, Code: "SS"}}},
		})
	}
	if len(p.Identifier) == 0 {
		return nil, fmt.Errorf("inbound: PID-3 has no usable identifier: %w", registry.ErrMissingAnchor)
	}

	p.Name = mapping.Names(pid, 5)
	p.Address = mapping.Addresses(pid, 11)
	p.Telecom = append(mapping.Telecoms(pid, 13, "home"), mapping.Telecoms(pid, 14, "work")...)
	if lang, ok := mapping.Concept(pid, 15, 0); ok {
		p.Communication = []fhir.PatientCommunication{{Language: *lang}}
	}
	if ms, ok := mapping.TableConcept(pid, 16, mapping.MaritalStatus); ok {
		p.MaritalStatus = ms
	}

	mapping.PatientFields.Apply(pid, p)
	if p.MultipleBirthInteger != nil {
		p.MultipleBirthBoolean = nil
	}
	if p.DeceasedDateTime != "" {
		p.DeceasedBoolean = nil
	}

	if pd1, ok := c.Resolver.First(c.Tree.Root, resolver.PD1); ok {
		for r := 0; r < pd1.Segment.RepetitionCount(4); r++ {
			if gp, ok := mapping.Person(pd1.Segment, 4, r); ok {
				p.GeneralPractitioner = append(p.GeneralPractitioner, *gp)
			}
		}
	}

	c.Context.SetPatientID(p.ID)
	return []fhir.Record{p}, nil
}
