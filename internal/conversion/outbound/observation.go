package outbound

import (
	"strings"

	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Observation writes one OBX per record, numbered within its order.
type Observation struct {
	reps counters
}

func newObservation() *Observation { return &Observation{reps: counters{}} }

func (*Observation) Name() string { return fhir.KindObservation }

func (*Observation) CanConvert(r fhir.Record) bool { return r.ResourceKind() == fhir.KindObservation }

func (o *Observation) Convert(c *registry.Conversion, r fhir.Record) error {
	obs := r.(*fhir.Observation)
	idx := orderOf(c, obs)
	rep := o.reps.next(c, "OBX", idx)
	obx, err := target(c, "OBX", idx, rep)
	if err != nil {
		return err
	}

	obx.Put(1, setID(rep))
	obx.PutConcept(3, 0, &obs.Code)
	putValue(obx, obs)
	if len(obs.ReferenceRange) > 0 {
		obx.Put(7, formatRange(obs.ReferenceRange[0]))
	}
	for i, in := range obs.Interpretation {
		obx.Set(8, i, 1, 1, mapping.AbnormalFlag.ToHL7(in.First().Code))
	}
	for i := range obs.Performer {
		obx.PutPerson(16, i, &obs.Performer[i])
	}
	obx.PutConcept(17, 0, obs.Method)
	if len(obs.Identifier) > 0 {
		obx.PutEntityIdentifier(21, obs.Identifier[0])
	}
	mapping.ObservationFields.Emit(obx, obs)
	return nil
}

// putValue writes OBX-2, OBX-5 and OBX-6 from whichever value the record
// carries.
func putValue(obx *mapping.Target, obs *fhir.Observation) {
	switch {
	case obs.ValueQuantity != nil && obs.ValueQuantity.Value != nil:
		q := obs.ValueQuantity
		if q.Comparator != "" {
			obx.Put(2, "SN")
			obx.Set(5, 0, 1, 1, q.Comparator)
			obx.Set(5, 0, 2, 1, mapping.FormatNumber(*q.Value))
			unit := *q
			unit.Value = nil
			putUnit(obx, &unit)
			return
		}
		obx.Put(2, "NM")
		obx.PutQuantity(5, 6, q)
	case !obs.ValueCodeableConcept.IsZero():
		obx.Put(2, "CWE")
		obx.PutConcept(5, 0, obs.ValueCodeableConcept)
	case obs.ValueDateTime != "":
		obx.Put(2, "TS")
		obx.PutDateTime(5, obs.ValueDateTime)
	case obs.ValueString != "":
		lines := strings.Split(obs.ValueString, "\n")
		if len(lines) > 1 {
			obx.Put(2, "TX")
		} else {
			obx.Put(2, "ST")
		}
		for i, l := range lines {
			obx.Set(5, i, 1, 1, l)
		}
	}
}

// putUnit writes the unit of q into OBX-6.
func putUnit(obx *mapping.Target, q *fhir.Quantity) {
	unit := q.Code
	if unit == "" {
		unit = q.Unit
	}
	obx.Set(6, 0, 1, 1, unit)
	if q.Unit != unit {
		obx.Set(6, 0, 2, 1, q.Unit)
	}
	if q.System != "" {
		obx.Set(6, 0, 3, 1, mapping.SystemName(q.System))
	}
}

// formatRange renders a reference range as OBX-7 text.
func formatRange(rr fhir.ReferenceRange) string {
	if rr.Text != "" {
		return rr.Text
	}
	switch {
	case rr.Low != nil && rr.Low.Value != nil && rr.High != nil && rr.High.Value != nil:
		return mapping.FormatNumber(*rr.Low.Value) + "-" + mapping.FormatNumber(*rr.High.Value)
	case rr.Low != nil && rr.Low.Value != nil:
		return ">" + mapping.FormatNumber(*rr.Low.Value)
	case rr.High != nil && rr.High.Value != nil:
		return "<" + mapping.FormatNumber(*rr.High.Value)
	}
	return ""
}
