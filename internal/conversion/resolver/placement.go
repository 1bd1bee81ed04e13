package resolver

import (
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Slot is where an outbound converter writes one segment kind for a given
// message structure.
type Slot struct {
	Path hl7v2.Path
	// Ordered is set when the first wildcard binds the order index and the
	// second binds the segment's own repetition within that order.
	Ordered bool
}

// At binds the slot to a segment repetition. order is ignored unless the
// slot is Ordered.
func (s Slot) At(order, rep int) hl7v2.Path {
	if s.Ordered {
		return s.Path.Bind(order, rep)
	}
	return s.Path.Bind(rep)
}

type slotSpec struct {
	path    string
	ordered bool
}

var placements = map[string]map[string]slotSpec{
	"ADT_A01": {
		"PID": {"PID(*)", false},
		"PD1": {"PD1(*)", false},
		"NK1": {"NK1(*)", false},
		"PV1": {"PV1(*)", false},
		"PV2": {"PV2(*)", false},
		"OBX": {"OBX(*)", false},
		"AL1": {"AL1(*)", false},
		"DG1": {"DG1(*)", false},
		"IN1": {"INSURANCE(*)/IN1", false},
	},
	"ORM_O01": {
		"PID": {"PATIENT/PID(*)", false},
		"PD1": {"PATIENT/PD1(*)", false},
		"NTE": {"PATIENT/NTE(*)", false},
		"PV1": {"PATIENT/PATIENT_VISIT/PV1(*)", false},
		"PV2": {"PATIENT/PATIENT_VISIT/PV2(*)", false},
		"IN1": {"PATIENT/INSURANCE(*)/IN1", false},
		"AL1": {"PATIENT/AL1(*)", false},
		"ORC": {"ORDER(*)/ORC", true},
		"OBR": {"ORDER(*)/ORDER_DETAIL/OBR", true},
		"DG1": {"ORDER/ORDER_DETAIL/DG1(*)", false},
		"OBX": {"ORDER(*)/ORDER_DETAIL/OBSERVATION(*)/OBX", true},
	},
	"ORU_R01": {
		"PID": {"PATIENT_RESULT/PATIENT/PID(*)", false},
		"PD1": {"PATIENT_RESULT/PATIENT/PD1(*)", false},
		"NK1": {"PATIENT_RESULT/PATIENT/NK1(*)", false},
		"PV1": {"PATIENT_RESULT/PATIENT/VISIT/PV1(*)", false},
		"PV2": {"PATIENT_RESULT/PATIENT/VISIT/PV2(*)", false},
		"ORC": {"PATIENT_RESULT/ORDER_OBSERVATION(*)/ORC", true},
		"OBR": {"PATIENT_RESULT/ORDER_OBSERVATION(*)/OBR", true},
		"OBX": {"PATIENT_RESULT/ORDER_OBSERVATION(*)/OBSERVATION(*)/OBX", true},
		"SPM": {"PATIENT_RESULT/ORDER_OBSERVATION(*)/SPECIMEN(*)/SPM", true},
	},
	"VXU_V04": {
		"PID": {"PID(*)", false},
		"PD1": {"PD1(*)", false},
		"NK1": {"NK1(*)", false},
		"PV1": {"PATIENT(*)/PV1", false},
		"PV2": {"PATIENT(*)/PV2", false},
		"IN1": {"INSURANCE(*)/IN1", false},
		"ORC": {"ORDER(*)/ORC", true},
		"RXA": {"ORDER(*)/RXA", true},
		"RXR": {"ORDER(*)/RXR", true},
		"OBX": {"ORDER(*)/OBSERVATION(*)/OBX", true},
	},
}

var parsedPlacements = func() map[string]map[string]Slot {
	out := make(map[string]map[string]Slot, len(placements))
	for structure, table := range placements {
		m := make(map[string]Slot, len(table))
		for seg, s := range table {
			m[seg] = Slot{Path: hl7v2.MustParsePath(s.path), Ordered: s.ordered}
		}
		out[structure] = m
	}
	return out
}()

// Place returns the slot for segment in structure. Segments the structure
// does not place are appended at the root.
func Place(structure, segment string) Slot {
	if s, ok := parsedPlacements[structure][segment]; ok {
		return s
	}
	return Slot{Path: hl7v2.Path{Steps: []hl7v2.Step{{Name: segment, Rep: hl7v2.Wildcard}}}}
}
