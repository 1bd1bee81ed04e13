package outbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Immunization writes ORC, RXA and RXR into one order group per record.
// Structures without an immunization order group get RXA and RXR only.
type Immunization struct {
	n int
}

func (*Immunization) Name() string { return fhir.KindImmunization }

func (*Immunization) CanConvert(r fhir.Record) bool {
	return r.ResourceKind() == fhir.KindImmunization
}

func (im *Immunization) Convert(c *registry.Conversion, r fhir.Record) error {
	imm := r.(*fhir.Immunization)
	idx := im.n
	im.n++
	grouped := resolver.Place(c.Structure(), "RXA").Ordered

	if grouped {
		orc, err := target(c, "ORC", idx, 0)
		if err != nil {
			return err
		}
		orc.Put(1, "RE")
		if len(imm.Identifier) > 0 {
			orc.PutEntityIdentifier(3, imm.Identifier[0])
		}
	}

	rxa, err := target(c, "RXA", idx, idx)
	if err != nil {
		return err
	}
	rxa.Put(1, "0")
	rxa.Put(2, "1")
	rxa.PutConcept(5, 0, &imm.VaccineCode)
	if imm.DoseQuantity != nil && imm.DoseQuantity.Value != nil {
		rxa.PutQuantity(6, 7, imm.DoseQuantity)
	} else {
		rxa.Put(6, "999")
	}
	if imm.PrimarySource != nil {
		if *imm.PrimarySource {
			rxa.Put(9, "00")
		} else {
			rxa.Put(9, "01")
		}
	}
	for i := range imm.Performer {
		rxa.PutPerson(10, i, &imm.Performer[i].Actor)
	}
	if imm.Manufacturer != nil {
		rxa.Set(17, 0, 2, 1, imm.Manufacturer.Display)
	}
	rxa.PutConcept(18, 0, imm.StatusReason)
	mapping.ImmunizationFields.Emit(rxa, imm)

	if imm.Route.IsZero() && imm.Site.IsZero() {
		return nil
	}
	rxr, err := target(c, "RXR", idx, idx)
	if err != nil {
		return err
	}
	rxr.PutConcept(1, 0, imm.Route)
	rxr.PutConcept(2, 0, imm.Site)
	return nil
}
