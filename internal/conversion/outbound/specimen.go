package outbound

import (
	"strings"

	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Specimen writes one SPM per record, numbered within its order.
type Specimen struct {
	reps counters
}

func newSpecimen() *Specimen { return &Specimen{reps: counters{}} }

func (*Specimen) Name() string { return fhir.KindSpecimen }

func (*Specimen) CanConvert(r fhir.Record) bool { return r.ResourceKind() == fhir.KindSpecimen }

func (s *Specimen) Convert(c *registry.Conversion, r fhir.Record) error {
	sp := r.(*fhir.Specimen)
	idx := orderOf(c, sp)
	rep := s.reps.next(c, "SPM", idx)
	spm, err := target(c, "SPM", idx, rep)
	if err != nil {
		return err
	}

	spm.Put(1, setID(rep))
	if len(sp.Identifier) > 0 {
		id := sp.Identifier[0]
		spm.Set(2, 0, 1, 1, id.Value)
		if id.Value != "" {
			spm.Set(2, 0, 1, 2, strings.TrimPrefix(id.System, mapping.AuthorityPrefix))
		}
	}
	if sp.AccessionIdentifier != nil {
		spm.Set(2, 0, 2, 1, sp.AccessionIdentifier.Value)
	}
	spm.PutConcept(4, 0, sp.Type)
	if col := sp.Collection; col != nil {
		spm.PutConcept(7, 0, col.Method)
		spm.PutConcept(8, 0, col.BodySite)
		if q := col.Quantity; q != nil && q.Value != nil {
			spm.Set(12, 0, 1, 1, mapping.FormatNumber(*q.Value))
			unit := q.Code
			if unit == "" {
				unit = q.Unit
			}
			spm.Set(12, 0, 2, 1, unit)
			if q.System != "" {
				spm.Set(12, 0, 2, 3, mapping.SystemName(q.System))
			}
		}
	}
	mapping.SpecimenFields.Emit(spm, sp)
	return nil
}
