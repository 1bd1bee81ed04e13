package outbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// RelatedPerson writes one NK1 per record.
type RelatedPerson struct {
	n int
}

func (*RelatedPerson) Name() string { return fhir.KindRelatedPerson }

func (*RelatedPerson) CanConvert(r fhir.Record) bool {
	return r.ResourceKind() == fhir.KindRelatedPerson
}

func (rp *RelatedPerson) Convert(c *registry.Conversion, r fhir.Record) error {
	p := r.(*fhir.RelatedPerson)
	nk1, err := target(c, "NK1", 0, rp.n)
	if err != nil {
		return err
	}
	rp.n++

	nk1.Put(1, setID(rp.n-1))
	for i, n := range p.Name {
		nk1.PutName(2, i, n)
	}
	if len(p.Relationship) > 0 {
		putRelationship(nk1, 3, &p.Relationship[0])
	}
	for i, a := range p.Address {
		nk1.PutAddress(4, i, a)
	}
	var home, work int
	for _, cp := range p.Telecom {
		if cp.Use == "work" {
			nk1.PutTelecom(6, work, cp)
			work++
			continue
		}
		nk1.PutTelecom(5, home, cp)
		home++
	}
	mapping.RelatedPersonFields.Emit(nk1, p)
	return nil
}

// putRelationship writes a v3-RoleCode concept as a table 0063 code. Other
// concepts travel as text only.
func putRelationship(t *mapping.Target, field int, cc *fhir.CodeableConcept) {
	first := cc.First()
	if first.System == mapping.Relationship.System && first.Code != "" {
		t.Set(field, 0, 1, 1, mapping.Relationship.ToHL7(first.Code))
		t.Set(field, 0, 2, 1, first.Display)
		return
	}
	text := cc.Text
	if text == "" {
		text = first.Display
	}
	t.Set(field, 0, 2, 1, text)
}
