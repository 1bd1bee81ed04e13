package mapping

import "strings"

// Table maps codes between an HL7v2 table and a FHIR value set. HL7v2 codes
// compare case-insensitively.
type Table struct {
	Name   string
	System string

	toFHIR      map[string]string
	toHL7       map[string]string
	fhirDefault string
	hl7Default  string
}

// pair is an HL7v2 code and its FHIR counterpart. When several pairs share
// a FHIR code, the first one is used for the reverse direction.
type pair struct{ hl7, fhir string }

func newTable(name, system string, pairs []pair, fhirDefault, hl7Default string) *Table {
	t := &Table{
		Name:        name,
		System:      system,
		toFHIR:      make(map[string]string, len(pairs)),
		toHL7:       make(map[string]string, len(pairs)),
		fhirDefault: fhirDefault,
		hl7Default:  hl7Default,
	}
	for _, p := range pairs {
		t.toFHIR[strings.ToUpper(p.hl7)] = p.fhir
		if _, ok := t.toHL7[p.fhir]; !ok {
			t.toHL7[p.fhir] = p.hl7
		}
	}
	return t
}

// ToFHIR maps an HL7v2 code. Empty input stays empty; unknown codes map to
// the table default, which may itself be empty.
func (t *Table) ToFHIR(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if v, ok := t.toFHIR[strings.ToUpper(code)]; ok {
		return v
	}
	return t.fhirDefault
}

// ToHL7 maps a FHIR code with the same rules as ToFHIR.
func (t *Table) ToHL7(code string) string {
	if code == "" {
		return ""
	}
	if v, ok := t.toHL7[code]; ok {
		return v
	}
	return t.hl7Default
}

// Lookup maps an HL7v2 code and reports whether it produced a value.
func (t *Table) Lookup(code string) (string, bool) {
	v := t.ToFHIR(code)
	return v, v != ""
}

var (
	Gender = newTable("administrative-gender", "", []pair{
		{"M", "male"}, {"F", "female"}, {"O", "other"}, {"U", "unknown"},
		{"A", "other"}, {"N", "other"},
	}, "unknown", "U")

	PatientClass = newTable("patient-class", "http://terminology.hl7.org/CodeSystem/v3-ActCode", []pair{
		{"I", "IMP"}, {"O", "AMB"}, {"E", "EMER"}, {"P", "PRENC"},
		{"R", "IMP"}, {"B", "OBSENC"}, {"N", "AMB"},
	}, "", "")

	MaritalStatus = newTable("marital-status", "http://terminology.hl7.org/CodeSystem/v3-MaritalStatus", []pair{
		{"A", "A"}, {"D", "D"}, {"I", "I"}, {"L", "L"}, {"M", "M"},
		{"P", "P"}, {"S", "S"}, {"T", "T"}, {"W", "W"}, {"U", "UNK"},
	}, "UNK", "U")

	ObservationStatus = newTable("observation-status", "", []pair{
		{"F", "final"}, {"P", "preliminary"}, {"C", "corrected"},
		{"X", "cancelled"}, {"D", "entered-in-error"}, {"I", "registered"},
		{"R", "preliminary"}, {"W", "entered-in-error"}, {"S", "preliminary"},
	}, "final", "F")

	ReportStatus = newTable("diagnostic-report-status", "", []pair{
		{"F", "final"}, {"P", "preliminary"}, {"C", "corrected"},
		{"X", "cancelled"}, {"I", "registered"}, {"A", "partial"},
		{"R", "partial"}, {"S", "partial"}, {"O", "registered"},
	}, "final", "F")

	// OrderStatus maps ORC-5.
	OrderStatus = newTable("order-status", "", []pair{
		{"IP", "active"}, {"A", "active"}, {"SC", "active"}, {"CM", "completed"},
		{"CA", "revoked"}, {"DC", "revoked"}, {"HD", "on-hold"}, {"ER", "entered-in-error"},
	}, "unknown", "")

	// OrderControl maps ORC-1 to a request status when ORC-5 is empty.
	OrderControl = newTable("order-control", "", []pair{
		{"NW", "active"}, {"XO", "active"}, {"SC", "active"}, {"RE", "completed"},
		{"CA", "revoked"}, {"DC", "revoked"}, {"OC", "revoked"}, {"HD", "on-hold"},
	}, "active", "NW")

	Priority = newTable("request-priority", "", []pair{
		{"R", "routine"}, {"S", "stat"}, {"A", "asap"}, {"T", "urgent"},
	}, "", "")

	AbnormalFlag = newTable("observation-interpretation", "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation", []pair{
		{"N", "N"}, {"H", "H"}, {"L", "L"}, {"HH", "HH"}, {"LL", "LL"},
		{"A", "A"}, {"AA", "AA"}, {"<", "<"}, {">", ">"}, {"S", "S"},
		{"R", "R"}, {"I", "I"}, {"POS", "POS"}, {"NEG", "NEG"},
	}, "", "")

	AllergyCategory = newTable("allergy-category", "", []pair{
		{"DA", "medication"}, {"FA", "food"}, {"EA", "environment"},
		{"MA", "medication"}, {"MC", "medication"}, {"LA", "environment"},
		{"PA", "environment"}, {"AA", "environment"},
	}, "", "")

	AllergySeverity = newTable("reaction-severity", "", []pair{
		{"SV", "severe"}, {"MO", "moderate"}, {"MI", "mild"},
	}, "", "")

	AllergyCriticality = newTable("allergy-criticality", "", []pair{
		{"SV", "high"}, {"MO", "low"}, {"MI", "low"}, {"U", "unable-to-assess"},
	}, "", "")

	// DiagnosisType maps DG1-6 to a verification status.
	DiagnosisType = newTable("diagnosis-type", "http://terminology.hl7.org/CodeSystem/condition-ver-status", []pair{
		{"F", "confirmed"}, {"W", "provisional"}, {"A", "provisional"},
	}, "unconfirmed", "W")

	Relationship = newTable("relationship", "http://terminology.hl7.org/CodeSystem/v3-RoleCode", []pair{
		{"SPO", "SPS"}, {"CHD", "CHILD"}, {"PAR", "PRN"}, {"SIB", "SIB"},
		{"FTH", "FTH"}, {"MTH", "MTH"}, {"GRD", "GUARD"}, {"FND", "FRND"},
		{"SEL", "ONESELF"}, {"DOM", "DOMPART"}, {"EMC", "ECON"}, {"OTH", "O"},
	}, "", "OTH")

	// CompletionStatus maps RXA-20.
	CompletionStatus = newTable("immunization-status", "", []pair{
		{"CP", "completed"}, {"PA", "completed"}, {"RE", "not-done"}, {"NA", "not-done"},
	}, "completed", "CP")

	EncounterStatus = newTable("encounter-status", "", []pair{
		{"A", "in-progress"}, {"D", "finished"}, {"P", "planned"}, {"C", "cancelled"},
	}, "", "")

	NameUse = newTable("name-use", "", []pair{
		{"L", "official"}, {"D", "usual"}, {"M", "maiden"}, {"N", "nickname"},
		{"A", "anonymous"}, {"B", "old"}, {"T", "temp"},
	}, "", "")

	AddressUse = newTable("address-use", "", []pair{
		{"H", "home"}, {"B", "work"}, {"O", "work"}, {"C", "temp"}, {"BA", "billing"},
	}, "", "")

	TelecomUse = newTable("contact-point-use", "", []pair{
		{"PRN", "home"}, {"WPN", "work"}, {"ORN", "home"}, {"EMR", "temp"},
		{"VHN", "home"}, {"ASN", "work"}, {"NET", "home"},
	}, "", "")

	TelecomSystem = newTable("contact-point-system", "", []pair{
		{"PH", "phone"}, {"CP", "phone"}, {"FX", "fax"}, {"INTERNET", "email"},
		{"X.400", "email"}, {"BP", "pager"}, {"MD", "other"},
	}, "phone", "PH")

	// SubscriberRelationship maps IN1-17.
	SubscriberRelationship = newTable("subscriber-relationship", "http://terminology.hl7.org/CodeSystem/subscriber-relationship", []pair{
		{"SEL", "self"}, {"SPO", "spouse"}, {"CHD", "child"}, {"DOM", "common"},
		{"PAR", "parent"}, {"OTH", "other"}, {"EMC", "other"},
	}, "other", "OTH")

	// ParticipantType maps the PV1 doctor fields to v3-ParticipationType.
	ParticipantType = newTable("participation-type", "http://terminology.hl7.org/CodeSystem/v3-ParticipationType", []pair{
		{"ATND", "ATND"}, {"REF", "REF"}, {"CON", "CON"}, {"ADM", "ADM"},
	}, "", "")
)

// Coding-system URIs and their HL7v2 table 0396 names.
var CodingSystem = newTable("coding-system", "", []pair{
	{"LN", "http://loinc.org"},
	{"SCT", "http://snomed.info/sct"},
	{"SNM", "http://snomed.info/sct"},
	{"I10", "http://hl7.org/fhir/sid/icd-10-cm"},
	{"I10C", "http://hl7.org/fhir/sid/icd-10-cm"},
	{"I9", "http://hl7.org/fhir/sid/icd-9-cm"},
	{"I9C", "http://hl7.org/fhir/sid/icd-9-cm"},
	{"RXNORM", "http://www.nlm.nih.gov/research/umls/rxnorm"},
	{"RXN", "http://www.nlm.nih.gov/research/umls/rxnorm"},
	{"CVX", "http://hl7.org/fhir/sid/cvx"},
	{"MVX", "http://hl7.org/fhir/sid/mvx"},
	{"NDC", "http://hl7.org/fhir/sid/ndc"},
	{"C4", "http://www.ama-assn.org/go/cpt"},
	{"CPT", "http://www.ama-assn.org/go/cpt"},
	{"UCUM", "http://unitsofmeasure.org"},
	{"HL70078", "http://terminology.hl7.org/CodeSystem/v2-0078"},
	{"HL70163", "http://terminology.hl7.org/CodeSystem/v2-0163"},
}, "", "")

// LocalSystemPrefix marks coding systems with no registered URI.
const LocalSystemPrefix = "urn:hl7v2:coding-system:"

// SystemURI returns the FHIR system for an HL7v2 coding-system name.
func SystemURI(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if uri := CodingSystem.ToFHIR(name); uri != "" {
		return uri
	}
	return LocalSystemPrefix + name
}

// SystemName returns the HL7v2 coding-system name for a FHIR system URI.
// Unregistered URIs are returned unchanged.
func SystemName(uri string) string {
	if uri == "" {
		return ""
	}
	if name := CodingSystem.ToHL7(uri); name != "" {
		return name
	}
	if strings.HasPrefix(uri, LocalSystemPrefix) {
		return strings.TrimPrefix(uri, LocalSystemPrefix)
	}
	return uri
}
