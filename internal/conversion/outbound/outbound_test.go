package outbound

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/hl7bridge/internal/conversion/correlation"
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

func writeInto(t *testing.T, tree *hl7v2.Tree, recs ...fhir.Record) []registry.Failure {
	t.Helper()
	g := fhir.NewGraph()
	for _, r := range recs {
		g.Add(r)
	}
	reg := registry.New()
	Register(reg)
	return reg.RunOutbound(&registry.Conversion{
		Tree:     tree,
		Graph:    g,
		Context:  correlation.New("tx-out"),
		Resolver: resolver.Default(),
		Logger:   zerolog.Nop(),
	})
}

func write(t *testing.T, structure string, recs ...fhir.Record) *hl7v2.Tree {
	t.Helper()
	tree := hl7v2.NewTree(structure, hl7v2.DefaultDelimiters)
	require.Empty(t, writeInto(t, tree, recs...))
	return tree
}

func names(tree *hl7v2.Tree) []string {
	var out []string
	for _, s := range tree.Segments() {
		out = append(out, s.Name)
	}
	return out
}

// nth returns the n-th segment called name in message order.
func nth(t *testing.T, tree *hl7v2.Tree, name string, n int) *hl7v2.Segment {
	t.Helper()
	for _, s := range tree.Segments() {
		if s.Name != name {
			continue
		}
		if n == 0 {
			return s
		}
		n--
	}
	t.Fatalf("no %s segment at that position in %v", name, names(tree))
	return nil
}

func text(tree *hl7v2.Tree, s *hl7v2.Segment, field int) string {
	return s.FieldText(field, tree.Delims)
}

func withID[T fhir.Record](kind, id string) T {
	r := fhir.New(kind)
	r.SetResourceID(id)
	return r.(T)
}

func coded(system, code, display string) *fhir.CodeableConcept {
	return &fhir.CodeableConcept{Coding: []fhir.Coding{{System: system, Code: code, Display: display}}}
}

func typed(code string) *fhir.CodeableConcept {
	return coded(mapping.IdentifierTypeSystem, code, "")
}

func ref(kind, id string) fhir.Reference {
	return fhir.Reference{Reference: fhir.FormatReference(kind, id)}
}

func num(v float64) *float64 { return &v }

func TestPatient(t *testing.T) {
	p := withID[*fhir.Patient](fhir.KindPatient, "p1")
	p.Identifier = []fhir.Identifier{
		{System: mapping.AuthorityPrefix + "HOSP", Value: "12345", Type: typed("MR")},
		{System: ssnSystem, Value: "123-45-6789"},
	}
	p.Name = []fhir.HumanName{{Family: "Doe", Given: []string{"John"}}}
	p.Gender = "male"
	p.BirthDate = "1980-01-01"
	p.Telecom = []fhir.ContactPoint{
		{System: "phone", Value: "555-1234", Use: "home"},
		{System: "phone", Value: "555-9999", Use: "work"},
	}
	p.GeneralPractitioner = []fhir.Reference{{Display: "Alice Smith"}}

	tree := write(t, "ADT_A01", p)
	assert.Equal(t, []string{"MSH", "PID", "PD1"}, names(tree))

	pid := nth(t, tree, "PID", 0)
	assert.Equal(t, "1", pid.GetField(1))
	assert.Equal(t, "12345^^^HOSP^MR", text(tree, pid, 3))
	assert.Equal(t, "Doe^John", text(tree, pid, 5))
	assert.Equal(t, "19800101", pid.GetField(7))
	assert.Equal(t, "M", pid.GetField(8))
	assert.Equal(t, "555-1234^PRN^PH", text(tree, pid, 13))
	assert.Equal(t, "555-9999^WPN^PH", text(tree, pid, 14))
	assert.Equal(t, "123-45-6789", pid.GetField(19))
	assert.Equal(t, "^Smith^Alice", text(tree, nth(t, tree, "PD1", 0), 4))
}

func TestPatient_SecondIsReported(t *testing.T) {
	tree := hl7v2.NewTree("ADT_A01", hl7v2.DefaultDelimiters)
	a := withID[*fhir.Patient](fhir.KindPatient, "a")
	a.BirthDate = "1980-01-01"
	b := withID[*fhir.Patient](fhir.KindPatient, "b")
	b.BirthDate = "1990-01-01"

	failures := writeInto(t, tree, a, b)
	require.Len(t, failures, 1)
	assert.Equal(t, "Patient/b", failures[0].Record)
	assert.ErrorIs(t, failures[0].Err, errExtraPatient)
	assert.Equal(t, "19800101", nth(t, tree, "PID", 0).GetField(7))
}

func TestAdministrative(t *testing.T) {
	nk := withID[*fhir.RelatedPerson](fhir.KindRelatedPerson, "nk")
	nk.Name = []fhir.HumanName{{Family: "Doe", Given: []string{"Jane"}}}
	nk.Relationship = []fhir.CodeableConcept{*coded(mapping.Relationship.System, "SPS", "Spouse")}

	enc := withID[*fhir.Encounter](fhir.KindEncounter, "e")
	enc.Class = fhir.Coding{System: mapping.PatientClass.System, Code: "IMP"}
	enc.Participant = []fhir.EncounterParticipant{{
		Type:       []fhir.CodeableConcept{*coded(mapping.ParticipantType.System, "ATND", "")},
		Individual: &fhir.Reference{Display: "Greg House"},
	}}
	enc.Period = &fhir.Period{Start: "2024-03-15T08:30:00"}
	enc.ReasonCode = []fhir.CodeableConcept{{Text: "chest pain"}}

	al := withID[*fhir.AllergyIntolerance](fhir.KindAllergyIntolerance, "al")
	al.Category = []string{"medication"}
	al.Code = coded("", "", "Penicillin")
	al.Reaction = []fhir.AllergyReaction{{
		Manifestation: []fhir.CodeableConcept{{Text: "Hives"}},
		Severity:      "severe",
	}}

	cond := withID[*fhir.Condition](fhir.KindCondition, "dx")
	cond.Code = coded("http://hl7.org/fhir/sid/icd-10-cm", "I10", "Hypertension")
	cond.VerificationStatus = coded(mapping.DiagnosisType.System, "confirmed", "")

	cov := withID[*fhir.Coverage](fhir.KindCoverage, "cov")
	cov.Class = []fhir.CoverageClass{
		{Type: *coded("", "plan", ""), Value: "PLAN1", Name: "Gold"},
		{Type: *coded("", "group", ""), Value: "G7"},
	}
	cov.Payor = []fhir.Reference{{Display: "Acme Health"}}
	cov.Relationship = coded(mapping.SubscriberRelationship.System, "self", "")

	tree := write(t, "ADT_A01", cov, cond, al, enc, nk)
	assert.Equal(t, []string{"MSH", "NK1", "PV1", "PV2", "AL1", "DG1", "IN1"}, names(tree))

	nk1 := nth(t, tree, "NK1", 0)
	assert.Equal(t, "Doe^Jane", text(tree, nk1, 2))
	assert.Equal(t, "SPO^Spouse", text(tree, nk1, 3))

	pv1 := nth(t, tree, "PV1", 0)
	assert.Equal(t, "I", pv1.GetField(2))
	assert.Equal(t, "^House^Greg", text(tree, pv1, 7))
	assert.Equal(t, "20240315083000", pv1.GetField(44))
	assert.Equal(t, "^chest pain", text(tree, nth(t, tree, "PV2", 0), 3))

	al1 := nth(t, tree, "AL1", 0)
	assert.Equal(t, "DA", al1.GetField(2))
	assert.Equal(t, "^Penicillin", text(tree, al1, 3))
	assert.Equal(t, "SV", al1.GetField(4))
	assert.Equal(t, "Hives", al1.GetField(5))

	dg1 := nth(t, tree, "DG1", 0)
	assert.Equal(t, "I10^Hypertension^I10", text(tree, dg1, 3))
	assert.Equal(t, "Hypertension", dg1.GetField(4))
	assert.Equal(t, "F", dg1.GetField(6))

	in1 := nth(t, tree, "IN1", 0)
	assert.Equal(t, "PLAN1^Gold", text(tree, in1, 2))
	assert.Equal(t, "Acme Health", in1.GetField(4))
	assert.Equal(t, "G7", in1.GetField(8))
	assert.Equal(t, "SEL", in1.GetField(17))
}

func TestOrders_GroupedByPlan(t *testing.T) {
	sr := withID[*fhir.ServiceRequest](fhir.KindServiceRequest, "sr")
	sr.Identifier = []fhir.Identifier{{Value: "P1", Type: typed("PLAC")}}
	sr.Status = "active"
	sr.Code = coded("http://loinc.org", "24331-1", "Lipid panel")

	o1 := withID[*fhir.Observation](fhir.KindObservation, "o1")
	o1.Code = *coded("http://loinc.org", "2093-3", "Cholesterol")
	o1.Status = "final"
	o1.ValueQuantity = &fhir.Quantity{Value: num(185), Code: "mg/dL", System: "http://unitsofmeasure.org"}

	o2 := withID[*fhir.Observation](fhir.KindObservation, "o2")
	o2.Code = fhir.CodeableConcept{Text: "Fasting"}
	o2.ValueString = "yes"

	spec := withID[*fhir.Specimen](fhir.KindSpecimen, "s1")
	spec.Type = coded("", "BLD", "Blood")

	dr := withID[*fhir.DiagnosticReport](fhir.KindDiagnosticReport, "dr")
	dr.BasedOn = []fhir.Reference{ref(fhir.KindServiceRequest, "sr")}
	dr.Status = "final"
	dr.Code = *sr.Code
	dr.Result = []fhir.Reference{ref(fhir.KindObservation, "o1"), ref(fhir.KindObservation, "o2")}
	dr.Specimen = []fhir.Reference{ref(fhir.KindSpecimen, "s1")}

	o3 := withID[*fhir.Observation](fhir.KindObservation, "o3")
	o3.Code = *coded("http://loinc.org", "1988-5", "CRP")
	o3.ValueQuantity = &fhir.Quantity{Value: num(5), Comparator: "<", Code: "mg/L"}

	dr2 := withID[*fhir.DiagnosticReport](fhir.KindDiagnosticReport, "dr2")
	dr2.Status = "preliminary"
	dr2.Code = *coded("http://loinc.org", "1988-5", "CRP")
	dr2.Result = []fhir.Reference{ref(fhir.KindObservation, "o3")}

	// Bundle order is scrambled on purpose; grouping follows the links.
	tree := write(t, "ORU_R01", o1, dr2, spec, sr, o3, dr, o2)
	assert.Equal(t, []string{"MSH", "ORC", "OBR", "OBX", "OBX", "SPM", "OBR", "OBX"}, names(tree))

	orc := nth(t, tree, "ORC", 0)
	assert.Equal(t, "NW", orc.GetField(1))
	assert.Equal(t, "P1", orc.GetField(2))
	assert.Equal(t, "IP", orc.GetField(5))

	obr := nth(t, tree, "OBR", 0)
	assert.Equal(t, "1", obr.GetField(1))
	assert.Equal(t, "P1", obr.GetField(2))
	assert.Equal(t, "24331-1^Lipid panel^LN", text(tree, obr, 4))
	assert.Equal(t, "F", obr.GetField(25))

	obx := nth(t, tree, "OBX", 0)
	assert.Equal(t, "1", obx.GetField(1))
	assert.Equal(t, "NM", obx.GetField(2))
	assert.Equal(t, "185", obx.GetField(5))
	assert.Equal(t, "mg/dL^^UCUM", text(tree, obx, 6))
	assert.Equal(t, "F", obx.GetField(11))

	obx = nth(t, tree, "OBX", 1)
	assert.Equal(t, "2", obx.GetField(1))
	assert.Equal(t, "ST", obx.GetField(2))
	assert.Equal(t, "yes", obx.GetField(5))

	assert.Equal(t, "BLD^Blood", text(tree, nth(t, tree, "SPM", 0), 4))

	obr = nth(t, tree, "OBR", 1)
	assert.Equal(t, "2", obr.GetField(1))
	assert.Equal(t, "P", obr.GetField(25))
	obx = nth(t, tree, "OBX", 2)
	assert.Equal(t, "1", obx.GetField(1))
	assert.Equal(t, "SN", obx.GetField(2))
	assert.Equal(t, "<^5", text(tree, obx, 5))
}

func TestImmunization(t *testing.T) {
	given := withID[*fhir.Immunization](fhir.KindImmunization, "im1")
	given.Status = "completed"
	given.VaccineCode = *coded("http://hl7.org/fhir/sid/cvx", "08", "Hep B")
	given.OccurrenceDateTime = "2024-03-01"
	given.DoseQuantity = &fhir.Quantity{Value: num(0.5), Code: "mL"}
	given.Route = coded("", "IM", "Intramuscular")
	given.Identifier = []fhir.Identifier{{Value: "IMM-1"}}

	voided := withID[*fhir.Immunization](fhir.KindImmunization, "im2")
	voided.Status = "entered-in-error"
	voided.VaccineCode = *coded("http://hl7.org/fhir/sid/cvx", "20", "DTaP")

	tree := write(t, "VXU_V04", given, voided)
	assert.Equal(t, []string{"MSH", "ORC", "RXA", "RXR", "ORC", "RXA"}, names(tree))

	assert.Equal(t, "RE", nth(t, tree, "ORC", 0).GetField(1))
	assert.Equal(t, "IMM-1", nth(t, tree, "ORC", 0).GetField(3))

	rxa := nth(t, tree, "RXA", 0)
	assert.Equal(t, "20240301", rxa.GetField(3))
	assert.Equal(t, "08^Hep B^CVX", text(tree, rxa, 5))
	assert.Equal(t, "0.5", rxa.GetField(6))
	assert.Equal(t, "mL", rxa.GetField(7))
	assert.Equal(t, "CP", rxa.GetField(20))
	assert.Equal(t, "A", rxa.GetField(21))
	assert.Equal(t, "IM^Intramuscular", text(tree, nth(t, tree, "RXR", 0), 1))

	rxa = nth(t, tree, "RXA", 1)
	assert.Equal(t, "999", rxa.GetField(6))
	assert.Equal(t, "D", rxa.GetField(21))
}

func TestSegmentExtensions(t *testing.T) {
	b := withID[*fhir.Basic](fhir.KindBasic, "z1")
	b.Code = *coded(mapping.SegmentSystem, "ZPI", "")
	b.AddExtension(fhir.Extension{URL: mapping.SegmentExtensionURL("ZPI", 1), ValueString: "1"})
	b.AddExtension(fhir.Extension{URL: mapping.SegmentExtensionURL("ZPI", 3), ValueString: "VIP^Gold"})
	b.AddExtension(fhir.Extension{URL: "http://example.org/other", ValueString: "ignored"})

	p := withID[*fhir.Patient](fhir.KindPatient, "p")
	p.BirthDate = "1980-01-01"
	p.AddExtension(fhir.Extension{URL: mapping.SegmentExtensionURL("ZPI", 2), ValueString: "from-patient"})

	tree := write(t, "ADT_A01", b, p)
	assert.Equal(t, []string{"MSH", "PID", "ZPI", "ZPI"}, names(tree))

	z := nth(t, tree, "ZPI", 0)
	assert.True(t, z.NonStandard)
	assert.Equal(t, "1", z.GetField(1))
	assert.True(t, z.IsEmpty(2))
	assert.Equal(t, "VIP^Gold", text(tree, z, 3))
	assert.Equal(t, "from-patient", nth(t, tree, "ZPI", 1).GetField(2))
}

func TestWritesAreAdditive(t *testing.T) {
	tree, err := hl7v2.ParseTree([]byte(
		"MSH|^~\\&|A|B|C|D|20240101||ADT^A08^ADT_A01|1|P|2.5.1\r" +
			"PID|1||999^^^OLD^MR||Roe^Richard||19700101|F\r" +
			"ZPI|1|keep",
	))
	require.NoError(t, err)

	p := withID[*fhir.Patient](fhir.KindPatient, "p")
	p.Gender = "male"
	p.AddExtension(fhir.Extension{URL: mapping.SegmentExtensionURL("ZPI", 2), ValueString: "overwrite"})
	p.AddExtension(fhir.Extension{URL: mapping.SegmentExtensionURL("ZPI", 4), ValueString: "new"})

	require.Empty(t, writeInto(t, tree, p))

	pid := nth(t, tree, "PID", 0)
	assert.Equal(t, "999^^^OLD^MR", text(tree, pid, 3), "absent identifiers keep the existing value")
	assert.Equal(t, "Roe^Richard", text(tree, pid, 5))
	assert.Equal(t, "19700101", pid.GetField(7))
	assert.Equal(t, "M", pid.GetField(8), "present values are written")

	z := nth(t, tree, "ZPI", 0)
	assert.Equal(t, "keep", z.GetField(2))
	assert.Equal(t, "new", z.GetField(4))
}

func TestFreshStatePerConversion(t *testing.T) {
	mk := func() *fhir.AllergyIntolerance {
		a := withID[*fhir.AllergyIntolerance](fhir.KindAllergyIntolerance, fhir.NewID())
		a.Code = &fhir.CodeableConcept{Text: "Latex"}
		return a
	}
	first := write(t, "ADT_A01", mk(), mk())
	second := write(t, "ADT_A01", mk())

	assert.Equal(t, "2", nth(t, first, "AL1", 1).GetField(1))
	assert.Equal(t, "1", nth(t, second, "AL1", 0).GetField(1))
}
