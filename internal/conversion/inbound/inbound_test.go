package inbound

import (
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/hl7bridge/internal/conversion/correlation"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

func run(t *testing.T, lines ...string) (*fhir.Graph, []registry.Failure, error) {
	t.Helper()
	tree, err := hl7v2.ParseTree([]byte(strings.Join(lines, "\r")))
	require.NoError(t, err)
	reg := registry.New()
	Register(reg)
	c := &registry.Conversion{
		Tree:     tree,
		Graph:    fhir.NewGraph(),
		Context:  correlation.New(""),
		Resolver: resolver.Default(),
		Logger:   zerolog.Nop(),
	}
	failures, err := reg.RunInbound(c)
	return c.Graph, failures, err
}

func convert(t *testing.T, lines ...string) *fhir.Graph {
	t.Helper()
	g, failures, err := run(t, lines...)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Empty(t, g.DanglingReferences(), spew.Sdump(g.Entries))
	return g
}

func only[T fhir.Record](t *testing.T, g *fhir.Graph, kind string) T {
	t.Helper()
	recs := g.OfKind(kind)
	require.Len(t, recs, 1, kind)
	return recs[0].(T)
}

const pidLine = "PID|1||12345^^^HOSP^MR||Doe^John||19800101|M"

func TestRegister_Order(t *testing.T) {
	reg := registry.New()
	Register(reg)
	assert.Equal(t, []string{
		"Patient", "RelatedPerson", "Encounter", "AllergyIntolerance", "Condition", "Coverage",
		"ServiceRequest", "Specimen", "Observation", "DiagnosticReport", "Immunization", "Basic",
	}, reg.InboundKinds())
}

func TestEndToEnd_PatientOnly(t *testing.T) {
	g := convert(t,
		"MSH|^~\\&|SEND|FAC|RECV|FAC|20240315083000||ADT^A01^ADT_A01|MSG001|P|2.5.1",
		pidLine,
	)

	require.Len(t, g.Entries, 1)
	p := only[*fhir.Patient](t, g, fhir.KindPatient)
	require.Len(t, p.Name, 1)
	assert.Equal(t, "Doe", p.Name[0].Family)
	assert.Equal(t, []string{"John"}, p.Name[0].Given)
	assert.Equal(t, "1980-01-01", p.BirthDate)
	assert.Equal(t, "male", p.Gender)
	require.Len(t, p.Identifier, 1)
	assert.Equal(t, "12345", p.Identifier[0].Value)
}

func TestPatient_MissingAnchor(t *testing.T) {
	for name, lines := range map[string][]string{
		"no PID":        {"MSH|^~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5.1", "EVN|A01"},
		"empty PID-3":   {"MSH|^~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5.1", "PID|1||||Doe^John"},
		"orders no PID": {"MSH|^~\\&|A|B|C|D|20240101||ORM^O01|1|P|2.5.1", "ORC|NW|P1", "OBR|1|P1||X^Y^L"},
	} {
		t.Run(name, func(t *testing.T) {
			g, _, err := run(t, lines...)
			require.ErrorIs(t, err, registry.ErrMissingAnchor)
			assert.Empty(t, g.Entries)
		})
	}
}

func TestAdmission(t *testing.T) {
	g := convert(t,
		"MSH|^~\\&|ADT|HOSP|EHR|HOSP|20240315083000||ADT^A01^ADT_A01|MSG001|P|2.5.1",
		"EVN|A01|20240315083000",
		"PID|1||12345^^^HOSP^MR||Doe^John||19800101|M|||1 Main St^^Springfield^IL^62701^USA^H||555-1234^PRN^PH",
		"PD1||||9999^Welby^Marcus",
		"NK1|1|Doe^Jane|SPO^Spouse|1 Main St^^Springfield^IL^62701^USA^H|555-1235",
		"PV1|1|I|ICU^101^A^HOSP||||1234^House^Gregory^^^Dr",
		"PV2|||CP^Chest pain^L",
		"AL1|1|DA|70618^Penicillin^RXNORM|SV|Hives~Rash|20200101",
		"DG1|1||I10^Essential hypertension^I10||20240315|F",
		"IN1|1|GOLD^Gold Plan|INS01|Acme Insurance||||GRP1",
		"ZPI|1|custom^value||x",
	)

	p := only[*fhir.Patient](t, g, fhir.KindPatient)
	assert.Equal(t, []fhir.ContactPoint{{System: "phone", Use: "home", Value: "555-1234"}}, p.Telecom)
	require.Len(t, p.Address, 1)
	assert.Equal(t, "Springfield", p.Address[0].City)
	require.Len(t, p.GeneralPractitioner, 1)
	assert.Equal(t, "Marcus Welby", p.GeneralPractitioner[0].Display)
	patientRef := fhir.FormatReference(fhir.KindPatient, p.ID)

	rp := only[*fhir.RelatedPerson](t, g, fhir.KindRelatedPerson)
	assert.Equal(t, patientRef, rp.Patient.Reference)
	require.Len(t, rp.Relationship, 1)
	assert.Equal(t, "SPS", rp.Relationship[0].First().Code)
	assert.Equal(t, "Jane", rp.Name[0].Given[0])

	enc := only[*fhir.Encounter](t, g, fhir.KindEncounter)
	assert.Equal(t, "IMP", enc.Class.Code)
	assert.Equal(t, "in-progress", enc.Status)
	assert.Equal(t, patientRef, enc.Subject.Reference)
	require.Len(t, enc.Location, 1)
	assert.Equal(t, "HOSP ICU 101 A", enc.Location[0].Location.Display)
	require.Len(t, enc.Participant, 1)
	assert.Equal(t, "Dr Gregory House", enc.Participant[0].Individual.Display)
	assert.Equal(t, "ATND", enc.Participant[0].Type[0].First().Code)
	require.Len(t, enc.ReasonCode, 1)
	assert.Equal(t, "Chest pain", enc.ReasonCode[0].First().Display)
	encounterRef := fhir.FormatReference(fhir.KindEncounter, enc.ID)

	al := only[*fhir.AllergyIntolerance](t, g, fhir.KindAllergyIntolerance)
	assert.Equal(t, []string{"medication"}, al.Category)
	assert.Equal(t, "high", al.Criticality)
	assert.Equal(t, "2020-01-01", al.OnsetDateTime)
	require.Len(t, al.Reaction, 2)
	assert.Equal(t, "severe", al.Reaction[1].Severity)
	assert.Equal(t, "Rash", al.Reaction[1].Manifestation[0].Text)
	assert.Nil(t, al.ClinicalStatus)
	assert.Nil(t, al.VerificationStatus)

	cond := only[*fhir.Condition](t, g, fhir.KindCondition)
	assert.Equal(t, "confirmed", cond.VerificationStatus.First().Code)
	assert.Equal(t, "2024-03-15", cond.OnsetDateTime)
	assert.Equal(t, encounterRef, cond.Encounter.Reference)
	assert.Equal(t, "http://hl7.org/fhir/sid/icd-10-cm", cond.Code.First().System)

	cov := only[*fhir.Coverage](t, g, fhir.KindCoverage)
	assert.Equal(t, "active", cov.Status)
	assert.Equal(t, "Acme Insurance", cov.Payor[0].Display)
	require.Len(t, cov.Class, 2)
	assert.Equal(t, "GOLD", cov.Class[0].Value)
	assert.Equal(t, "GRP1", cov.Class[1].Value)

	b := only[*fhir.Basic](t, g, fhir.KindBasic)
	assert.Equal(t, "ZPI", b.Code.First().Code)
	assert.Equal(t, []fhir.Extension{
		{URL: "urn:hl7v2:segment:ZPI-1", ValueString: "1"},
		{URL: "urn:hl7v2:segment:ZPI-2", ValueString: "custom^value"},
		{URL: "urn:hl7v2:segment:ZPI-4", ValueString: "x"},
	}, b.Extension)
}

func TestAbsence(t *testing.T) {
	g := convert(t,
		"MSH|^~\\&|ADT|HOSP|EHR|HOSP|20240315083000||ADT^A01^ADT_A01|MSG001|P|2.5.1",
		"EVN|A01",
		pidLine,
		"NK1|1",
		"PV1|1||ICU",
		"AL1|1|DA||SV",
		"DG1|1",
	)
	assert.Len(t, g.Entries, 1, spew.Sdump(g.Entries))
	p := only[*fhir.Patient](t, g, fhir.KindPatient)
	assert.Empty(t, p.Address)
	assert.Empty(t, p.Telecom)
	assert.Nil(t, p.MaritalStatus)
	assert.Empty(t, p.DeceasedDateTime)
}

func lipidOBR() string {
	return "OBR|1|P100|F200|24331-1^Lipid panel^LN|||20240315083000" +
		strings.Repeat("|", 15) + "20240315120000||CH|F"
}

func TestResults_LinkedToOrder(t *testing.T) {
	g := convert(t,
		"MSH|^~\\&|LAB|HOSP|EHR|HOSP|20240315120000||ORU^R01^ORU_R01|MSG002|P|2.5.1",
		pidLine,
		"ORC|RE|P100|F200|||||||||1234^Smith^Ann",
		lipidOBR(),
		"OBX|1|NM|2093-3^Cholesterol^LN||185|mg/dL^^UCUM|<200|N|||F",
		"NTE|1||fasting sample",
		"OBX|2|ST|8251-1^Comment^LN||see note||||||P",
		"SPM|1|SP1^ACC1||BLD^Blood^HL70487",
	)

	sr := only[*fhir.ServiceRequest](t, g, fhir.KindServiceRequest)
	assert.Equal(t, "completed", sr.Status)
	assert.Equal(t, "order", sr.Intent)
	require.Len(t, sr.Identifier, 2)
	assert.Equal(t, "P100", sr.Identifier[0].Value)
	assert.Equal(t, "FILL", sr.Identifier[1].Type.First().Code)
	assert.Equal(t, "Ann Smith", sr.Requester.Display)
	srRef := fhir.FormatReference(fhir.KindServiceRequest, sr.ID)

	spec := only[*fhir.Specimen](t, g, fhir.KindSpecimen)
	assert.Equal(t, "BLD", spec.Type.First().Code)
	assert.Equal(t, "ACC1", spec.AccessionIdentifier.Value)
	assert.Equal(t, srRef, spec.Request[0].Reference)
	specRef := fhir.FormatReference(fhir.KindSpecimen, spec.ID)

	obs := g.OfKind(fhir.KindObservation)
	require.Len(t, obs, 2)
	chol := obs[0].(*fhir.Observation)
	assert.Equal(t, "final", chol.Status)
	assert.Equal(t, 185.0, *chol.ValueQuantity.Value)
	assert.Equal(t, "mg/dL", chol.ValueQuantity.Code)
	assert.Equal(t, "http://unitsofmeasure.org", chol.ValueQuantity.System)
	assert.Equal(t, 200.0, *chol.ReferenceRange[0].High.Value)
	assert.Equal(t, "N", chol.Interpretation[0].First().Code)
	assert.Equal(t, "2024-03-15T08:30:00", chol.EffectiveDateTime)
	assert.Equal(t, []fhir.Annotation{{Text: "fasting sample"}}, chol.Note)
	assert.Equal(t, srRef, chol.BasedOn[0].Reference)
	assert.Equal(t, specRef, chol.Specimen.Reference)

	comment := obs[1].(*fhir.Observation)
	assert.Equal(t, "see note", comment.ValueString)
	assert.Equal(t, "preliminary", comment.Status)
	assert.Empty(t, comment.Note)

	dr := only[*fhir.DiagnosticReport](t, g, fhir.KindDiagnosticReport)
	assert.Equal(t, "final", dr.Status)
	assert.Equal(t, "24331-1", dr.Code.First().Code)
	assert.Equal(t, "2024-03-15T12:00:00", dr.Issued)
	assert.Equal(t, "CH", dr.Category[0].First().Code)
	assert.Equal(t, srRef, dr.BasedOn[0].Reference)
	assert.Equal(t, []fhir.Reference{
		{Reference: fhir.FormatReference(fhir.KindObservation, chol.ID)},
		{Reference: fhir.FormatReference(fhir.KindObservation, comment.ID)},
	}, dr.Result)
	assert.Equal(t, specRef, dr.Specimen[0].Reference)
}

// The second order carries only the filler number of the first, so its
// result must link through the filler key rather than its own position.
func TestLinking_FillerFallback(t *testing.T) {
	g := convert(t,
		"MSH|^~\\&|CPOE|HOSP|LAB|HOSP|20240315||ORM^O01^ORM_O01|MSG003|P|2.5.1",
		pidLine,
		"ORC|NW|P1|F1",
		"OBR|1|P1|F1|CBC^Blood count^L",
		"ORC|NW||F1",
		"OBR|2||F1|HGB^Hemoglobin^L",
		"OBX|1|NM|718-7^Hemoglobin^LN||13.5|g/dL",
	)

	srs := g.OfKind(fhir.KindServiceRequest)
	require.Len(t, srs, 2)
	first := srs[0].(*fhir.ServiceRequest)
	assert.Equal(t, "active", first.Status)

	obs := only[*fhir.Observation](t, g, fhir.KindObservation)
	require.Len(t, obs.BasedOn, 1)
	assert.Equal(t, fhir.FormatReference(fhir.KindServiceRequest, first.ID), obs.BasedOn[0].Reference)
	assert.Equal(t, "unknown", obs.Status)

	dr := only[*fhir.DiagnosticReport](t, g, fhir.KindDiagnosticReport)
	assert.Equal(t, "unknown", dr.Status)
	assert.Equal(t, "HGB", dr.Code.First().Code)
}

func TestImmunization(t *testing.T) {
	g := convert(t,
		"MSH|^~\\&|IIS|CLINIC|||20240315||VXU^V04^VXU_V04|V1|P|2.5.1",
		"PID|1||555^^^CLINIC^MR||Roe^Ann||20200101|F",
		"ORC|RE||IZ-9",
		"RXA|0|1|20240310||08^Hep B^CVX|0.5|mL^^UCUM||00||||||LOT1|20250101|MSD^Merck^MVX|||CP|A",
		"RXR|IM^Intramuscular^HL70162|LA^Left Arm^HL70163",
	)

	im := only[*fhir.Immunization](t, g, fhir.KindImmunization)
	assert.Equal(t, "completed", im.Status)
	assert.Equal(t, "http://hl7.org/fhir/sid/cvx", im.VaccineCode.First().System)
	assert.Equal(t, "2024-03-10", im.OccurrenceDateTime)
	assert.Equal(t, 0.5, *im.DoseQuantity.Value)
	assert.Equal(t, "mL", im.DoseQuantity.Code)
	assert.Equal(t, "LOT1", im.LotNumber)
	assert.Equal(t, "2025-01-01", im.ExpirationDate)
	assert.Equal(t, "Merck", im.Manufacturer.Display)
	require.NotNil(t, im.PrimarySource)
	assert.True(t, *im.PrimarySource)
	assert.Equal(t, "IM", im.Route.First().Code)
	assert.Equal(t, "LA", im.Site.First().Code)
	assert.Equal(t, "IZ-9", im.Identifier[0].Value)
}

func TestImmunization_EnteredInErrorAndUnknownDose(t *testing.T) {
	g := convert(t,
		"MSH|^~\\&|IIS|CLINIC|||20240315||VXU^V04^VXU_V04|V1|P|2.5.1",
		"PID|1||555^^^CLINIC^MR||Roe^Ann||20200101|F",
		"ORC|RE",
		"RXA|0|1|20240310||08^Hep B^CVX|999||||||||||||||CP|D",
	)
	im := only[*fhir.Immunization](t, g, fhir.KindImmunization)
	assert.Equal(t, "entered-in-error", im.Status)
	assert.Nil(t, im.DoseQuantity)
	assert.Nil(t, im.PrimarySource)
}

func TestDeterministicStructure(t *testing.T) {
	lines := []string{
		"MSH|^~\\&|LAB|HOSP|EHR|HOSP|20240315120000||ORU^R01^ORU_R01|MSG002|P|2.5.1",
		pidLine,
		lipidOBR(),
		"OBX|1|NM|2093-3^Cholesterol^LN||185|mg/dL",
		"OBX|2|NM|2085-9^HDL^LN||50|mg/dL",
	}
	shape := func(g *fhir.Graph) []string {
		var kinds []string
		for _, r := range g.Records() {
			kinds = append(kinds, r.ResourceKind())
		}
		return kinds
	}
	a, b := convert(t, lines...), convert(t, lines...)
	assert.Equal(t, shape(a), shape(b))
	assert.NotEqual(t, a.Entries[0].Resource.ResourceID(), b.Entries[0].Resource.ResourceID())
}

func TestZSegmentsCapped(t *testing.T) {
	lines := []string{"MSH|^~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5.1", pidLine}
	for i := 0; i < 25; i++ {
		lines = append(lines, "ZXT|"+strings.Repeat("a", i+1))
	}
	g := convert(t, lines...)
	assert.Equal(t, 20, g.Count(fhir.KindBasic))
}
