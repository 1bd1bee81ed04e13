package mapping

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Scalar field tables, one per record kind. Each table is read by the
// inbound converter and written by its outbound counterpart.

var PatientFields = Rules[*fhir.Patient]{
	In: []Read[*fhir.Patient]{
		{From: At(7), To: AsDate(func(p *fhir.Patient, v string) { p.BirthDate = v })},
		{From: At(8), To: Via(Gender, func(p *fhir.Patient, v string) { p.Gender = v })},
		{From: At(24), To: AsFlag(func(p *fhir.Patient, v bool) { p.MultipleBirthBoolean = &v })},
		{From: At(25), To: AsInt(func(p *fhir.Patient, v int) { p.MultipleBirthInteger = &v })},
		{From: At(29), To: AsDateTime(func(p *fhir.Patient, v string) { p.DeceasedDateTime = v })},
		{From: At(30), To: AsFlag(func(p *fhir.Patient, v bool) { p.DeceasedBoolean = &v })},
	},
	Out: []Write[*fhir.Patient]{
		{To: At(7), From: FromDate(func(p *fhir.Patient) string { return p.BirthDate })},
		{To: At(8), From: ToTable(Gender, func(p *fhir.Patient) string { return p.Gender })},
		{To: At(24), From: FromFlag(func(p *fhir.Patient) *bool {
			if p.MultipleBirthInteger != nil {
				yes := *p.MultipleBirthInteger > 0
				return &yes
			}
			return p.MultipleBirthBoolean
		})},
		{To: At(25), From: FromInt(func(p *fhir.Patient) *int { return p.MultipleBirthInteger })},
		{To: At(29), From: FromDateTime(func(p *fhir.Patient) string { return p.DeceasedDateTime })},
		{To: At(30), From: FromFlag(func(p *fhir.Patient) *bool {
			if p.DeceasedDateTime != "" {
				yes := true
				return &yes
			}
			return p.DeceasedBoolean
		})},
	},
}

var RelatedPersonFields = Rules[*fhir.RelatedPerson]{
	In: []Read[*fhir.RelatedPerson]{
		{From: At(15), To: Via(Gender, func(p *fhir.RelatedPerson, v string) { p.Gender = v })},
		{From: At(16), To: AsDate(func(p *fhir.RelatedPerson, v string) { p.BirthDate = v })},
	},
	Out: []Write[*fhir.RelatedPerson]{
		{To: At(15), From: ToTable(Gender, func(p *fhir.RelatedPerson) string { return p.Gender })},
		{To: At(16), From: FromDate(func(p *fhir.RelatedPerson) string { return p.BirthDate })},
	},
}

func encounterPeriod(e *fhir.Encounter) *fhir.Period {
	if e.Period == nil {
		e.Period = &fhir.Period{}
	}
	return e.Period
}

// EncounterFields apply to PV1.
var EncounterFields = Rules[*fhir.Encounter]{
	In: []Read[*fhir.Encounter]{
		{From: At(44), To: AsDateTime(func(e *fhir.Encounter, v string) { encounterPeriod(e).Start = v })},
		{From: At(45), To: AsDateTime(func(e *fhir.Encounter, v string) { encounterPeriod(e).End = v })},
	},
	Out: []Write[*fhir.Encounter]{
		{To: At(44), From: FromDateTime(func(e *fhir.Encounter) string {
			if e.Period == nil {
				return ""
			}
			return e.Period.Start
		})},
		{To: At(45), From: FromDateTime(func(e *fhir.Encounter) string {
			if e.Period == nil {
				return ""
			}
			return e.Period.End
		})},
	},
}

var AllergyFields = Rules[*fhir.AllergyIntolerance]{
	In: []Read[*fhir.AllergyIntolerance]{
		{From: At(2), To: Via(AllergyCategory, func(a *fhir.AllergyIntolerance, v string) { a.Category = []string{v} })},
		{From: At(4), To: Via(AllergyCriticality, func(a *fhir.AllergyIntolerance, v string) { a.Criticality = v })},
		{From: At(6), To: AsDateTime(func(a *fhir.AllergyIntolerance, v string) { a.OnsetDateTime = v })},
	},
	Out: []Write[*fhir.AllergyIntolerance]{
		{To: At(2), From: func(a *fhir.AllergyIntolerance) string {
			switch {
			case len(a.Category) == 0:
				return ""
			case a.Category[0] == "medication":
				return "DA"
			case a.Category[0] == "food":
				return "FA"
			}
			return "EA"
		}},
		{To: At(6), From: FromDate(func(a *fhir.AllergyIntolerance) string { return a.OnsetDateTime })},
	},
}

var ConditionFields = Rules[*fhir.Condition]{
	In: []Read[*fhir.Condition]{
		{From: At(5), To: AsDateTime(func(c *fhir.Condition, v string) { c.OnsetDateTime = v })},
		{From: At(19), To: AsDateTime(func(c *fhir.Condition, v string) { c.RecordedDate = v })},
	},
	Out: []Write[*fhir.Condition]{
		{To: At(5), From: FromDateTime(func(c *fhir.Condition) string { return c.OnsetDateTime })},
		{To: At(19), From: FromDateTime(func(c *fhir.Condition) string { return c.RecordedDate })},
	},
}

func coveragePeriod(c *fhir.Coverage) *fhir.Period {
	if c.Period == nil {
		c.Period = &fhir.Period{}
	}
	return c.Period
}

var CoverageFields = Rules[*fhir.Coverage]{
	In: []Read[*fhir.Coverage]{
		{From: At(12), To: AsDate(func(c *fhir.Coverage, v string) { coveragePeriod(c).Start = v })},
		{From: At(13), To: AsDate(func(c *fhir.Coverage, v string) { coveragePeriod(c).End = v })},
		{From: At(36), To: func(c *fhir.Coverage, v string) { c.SubscriberID = v }},
	},
	Out: []Write[*fhir.Coverage]{
		{To: At(12), From: FromDate(func(c *fhir.Coverage) string {
			if c.Period == nil {
				return ""
			}
			return c.Period.Start
		})},
		{To: At(13), From: FromDate(func(c *fhir.Coverage) string {
			if c.Period == nil {
				return ""
			}
			return c.Period.End
		})},
		{To: At(36), From: func(c *fhir.Coverage) string { return c.SubscriberID }},
	},
}

// ServiceRequestFields apply to OBR.
var ServiceRequestFields = Rules[*fhir.ServiceRequest]{
	In: []Read[*fhir.ServiceRequest]{
		{From: At(6), To: AsDateTime(func(s *fhir.ServiceRequest, v string) { s.OccurrenceDateTime = v })},
		{From: Comp(27, 6), To: Via(Priority, func(s *fhir.ServiceRequest, v string) { s.Priority = v })},
	},
	Out: []Write[*fhir.ServiceRequest]{
		{To: At(6), From: FromDateTime(func(s *fhir.ServiceRequest) string { return s.OccurrenceDateTime })},
		{To: Comp(27, 6), From: ToTable(Priority, func(s *fhir.ServiceRequest) string { return s.Priority })},
	},
}

// OrderControlFields apply to the ORC of a ServiceRequest.
var OrderControlFields = Rules[*fhir.ServiceRequest]{
	In: []Read[*fhir.ServiceRequest]{
		{From: Comp(7, 6), To: Via(Priority, func(s *fhir.ServiceRequest, v string) { s.Priority = v })},
		{From: At(9), To: AsDateTime(func(s *fhir.ServiceRequest, v string) { s.AuthoredOn = v })},
	},
	Out: []Write[*fhir.ServiceRequest]{
		{To: At(5), From: ToTable(OrderStatus, func(s *fhir.ServiceRequest) string { return s.Status })},
		{To: At(9), From: FromDateTime(func(s *fhir.ServiceRequest) string { return s.AuthoredOn })},
	},
}

func collection(s *fhir.Specimen) *fhir.SpecimenCollection {
	if s.Collection == nil {
		s.Collection = &fhir.SpecimenCollection{}
	}
	return s.Collection
}

var SpecimenFields = Rules[*fhir.Specimen]{
	In: []Read[*fhir.Specimen]{
		{From: At(17), To: AsDateTime(func(s *fhir.Specimen, v string) { collection(s).CollectedDateTime = v })},
		{From: At(18), To: AsDateTime(func(s *fhir.Specimen, v string) { s.ReceivedTime = v })},
	},
	Out: []Write[*fhir.Specimen]{
		{To: At(17), From: FromDateTime(func(s *fhir.Specimen) string {
			if s.Collection == nil {
				return ""
			}
			return s.Collection.CollectedDateTime
		})},
		{To: At(18), From: FromDateTime(func(s *fhir.Specimen) string { return s.ReceivedTime })},
	},
}

// ObservationFields apply to OBX. OBX-11 is required, so an empty status
// is written as F.
var ObservationFields = Rules[*fhir.Observation]{
	In: []Read[*fhir.Observation]{
		{From: At(11), To: Via(ObservationStatus, func(o *fhir.Observation, v string) { o.Status = v })},
		{From: At(14), To: AsDateTime(func(o *fhir.Observation, v string) { o.EffectiveDateTime = v })},
		{From: At(19), To: AsDateTime(func(o *fhir.Observation, v string) { o.Issued = v })},
	},
	Out: []Write[*fhir.Observation]{
		{To: At(11), From: func(o *fhir.Observation) string {
			if o.Status == "" || o.Status == "unknown" {
				return "F"
			}
			return ObservationStatus.ToHL7(o.Status)
		}},
		{To: At(14), From: FromDateTime(func(o *fhir.Observation) string { return o.EffectiveDateTime })},
		{To: At(19), From: FromDateTime(func(o *fhir.Observation) string { return o.Issued })},
	},
}

// ReportFields apply to the OBR of a DiagnosticReport.
var ReportFields = Rules[*fhir.DiagnosticReport]{
	In: []Read[*fhir.DiagnosticReport]{
		{From: At(7), To: AsDateTime(func(d *fhir.DiagnosticReport, v string) { d.EffectiveDateTime = v })},
		{From: At(22), To: AsDateTime(func(d *fhir.DiagnosticReport, v string) { d.Issued = v })},
		{From: At(25), To: Via(ReportStatus, func(d *fhir.DiagnosticReport, v string) { d.Status = v })},
	},
	Out: []Write[*fhir.DiagnosticReport]{
		{To: At(7), From: FromDateTime(func(d *fhir.DiagnosticReport) string { return d.EffectiveDateTime })},
		{To: At(22), From: FromDateTime(func(d *fhir.DiagnosticReport) string { return d.Issued })},
		{To: At(25), From: func(d *fhir.DiagnosticReport) string {
			if d.Status == "unknown" {
				return ""
			}
			return ReportStatus.ToHL7(d.Status)
		}},
	},
}

var ImmunizationFields = Rules[*fhir.Immunization]{
	In: []Read[*fhir.Immunization]{
		{From: At(3), To: AsDateTime(func(i *fhir.Immunization, v string) { i.OccurrenceDateTime = v })},
		{From: At(15), To: func(i *fhir.Immunization, v string) { i.LotNumber = v }},
		{From: At(16), To: AsDate(func(i *fhir.Immunization, v string) { i.ExpirationDate = v })},
		{From: At(20), To: Via(CompletionStatus, func(i *fhir.Immunization, v string) { i.Status = v })},
	},
	Out: []Write[*fhir.Immunization]{
		{To: At(3), From: FromDateTime(func(i *fhir.Immunization) string { return i.OccurrenceDateTime })},
		{To: At(15), From: func(i *fhir.Immunization) string { return i.LotNumber }},
		{To: At(16), From: FromDate(func(i *fhir.Immunization) string { return i.ExpirationDate })},
		{To: At(20), From: ToTable(CompletionStatus, func(i *fhir.Immunization) string {
			if i.Status == "entered-in-error" {
				return "completed"
			}
			return i.Status
		})},
		{To: At(21), From: func(i *fhir.Immunization) string {
			if i.Status == "entered-in-error" {
				return "D"
			}
			return "A"
		}},
	},
}

// Custom segments travel as Basic records whose extensions carry one
// encoded field each.
const (
	SegmentSystem          = "urn:hl7v2:segment"
	SegmentExtensionPrefix = SegmentSystem + ":"
)

// SegmentExtensionURL names the extension carrying field of a custom
// segment, for example "urn:hl7v2:segment:ZPI-3".
func SegmentExtensionURL(segment string, field int) string {
	return fmt.Sprintf("%s%s-%d", SegmentExtensionPrefix, segment, field)
}

// ParseSegmentExtensionURL is the inverse of SegmentExtensionURL.
func ParseSegmentExtensionURL(url string) (segment string, field int, ok bool) {
	rest, found := strings.CutPrefix(url, SegmentExtensionPrefix)
	if !found {
		return "", 0, false
	}
	segment, n, found := cutLast(rest, "-")
	if !found || len(segment) != 3 {
		return "", 0, false
	}
	field, err := strconv.Atoi(n)
	if err != nil || field < 1 {
		return "", 0, false
	}
	return segment, field, true
}
