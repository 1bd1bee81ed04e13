package fhir

import (
	"encoding/json"
	"fmt"
)

// Resource type names of the typed variants.
const (
	KindPatient            = "Patient"
	KindRelatedPerson      = "RelatedPerson"
	KindEncounter          = "Encounter"
	KindAllergyIntolerance = "AllergyIntolerance"
	KindCondition          = "Condition"
	KindCoverage           = "Coverage"
	KindServiceRequest     = "ServiceRequest"
	KindSpecimen           = "Specimen"
	KindObservation        = "Observation"
	KindDiagnosticReport   = "DiagnosticReport"
	KindImmunization       = "Immunization"
	KindBasic              = "Basic"
)

type Patient struct {
	DomainResource
	Identifier           []Identifier           `json:"identifier,omitempty"`
	Active               *bool                  `json:"active,omitempty"`
	Name                 []HumanName            `json:"name,omitempty"`
	Telecom              []ContactPoint         `json:"telecom,omitempty"`
	Gender               string                 `json:"gender,omitempty"`
	BirthDate            string                 `json:"birthDate,omitempty"`
	DeceasedBoolean      *bool                  `json:"deceasedBoolean,omitempty"`
	DeceasedDateTime     string                 `json:"deceasedDateTime,omitempty"`
	Address              []Address              `json:"address,omitempty"`
	MaritalStatus        *CodeableConcept       `json:"maritalStatus,omitempty"`
	MultipleBirthBoolean *bool                  `json:"multipleBirthBoolean,omitempty"`
	MultipleBirthInteger *int                   `json:"multipleBirthInteger,omitempty"`
	Communication        []PatientCommunication `json:"communication,omitempty"`
	GeneralPractitioner  []Reference            `json:"generalPractitioner,omitempty"`
}

type PatientCommunication struct {
	Language CodeableConcept `json:"language"`
}

type RelatedPerson struct {
	DomainResource
	Identifier   []Identifier      `json:"identifier,omitempty"`
	Patient      Reference         `json:"patient"`
	Relationship []CodeableConcept `json:"relationship,omitempty"`
	Name         []HumanName       `json:"name,omitempty"`
	Telecom      []ContactPoint    `json:"telecom,omitempty"`
	Gender       string            `json:"gender,omitempty"`
	BirthDate    string            `json:"birthDate,omitempty"`
	Address      []Address         `json:"address,omitempty"`
}

type Encounter struct {
	DomainResource
	Identifier      []Identifier           `json:"identifier,omitempty"`
	Status          string                 `json:"status"`
	Class           Coding                 `json:"class"`
	Type            []CodeableConcept      `json:"type,omitempty"`
	Subject         *Reference             `json:"subject,omitempty"`
	Participant     []EncounterParticipant `json:"participant,omitempty"`
	Period          *Period                `json:"period,omitempty"`
	ReasonCode      []CodeableConcept      `json:"reasonCode,omitempty"`
	Hospitalization *Hospitalization       `json:"hospitalization,omitempty"`
	Location        []EncounterLocation    `json:"location,omitempty"`
}

type EncounterParticipant struct {
	Type       []CodeableConcept `json:"type,omitempty"`
	Individual *Reference        `json:"individual,omitempty"`
}

type Hospitalization struct {
	AdmitSource          *CodeableConcept `json:"admitSource,omitempty"`
	DischargeDisposition *CodeableConcept `json:"dischargeDisposition,omitempty"`
}

type EncounterLocation struct {
	Location Reference `json:"location"`
}

type AllergyIntolerance struct {
	DomainResource
	Identifier         []Identifier      `json:"identifier,omitempty"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Type               string            `json:"type,omitempty"`
	Category           []string          `json:"category,omitempty"`
	Criticality        string            `json:"criticality,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Patient            Reference         `json:"patient"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
	Reaction           []AllergyReaction `json:"reaction,omitempty"`
}

type AllergyReaction struct {
	Manifestation []CodeableConcept `json:"manifestation"`
	Severity      string            `json:"severity,omitempty"`
}

type Condition struct {
	DomainResource
	Identifier         []Identifier      `json:"identifier,omitempty"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Subject            Reference         `json:"subject"`
	Encounter          *Reference        `json:"encounter,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
	Recorder           *Reference        `json:"recorder,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
}

type Coverage struct {
	DomainResource
	Identifier   []Identifier     `json:"identifier,omitempty"`
	Status       string           `json:"status"`
	Type         *CodeableConcept `json:"type,omitempty"`
	SubscriberID string           `json:"subscriberId,omitempty"`
	Beneficiary  Reference        `json:"beneficiary"`
	Relationship *CodeableConcept `json:"relationship,omitempty"`
	Period       *Period          `json:"period,omitempty"`
	Payor        []Reference      `json:"payor,omitempty"`
	Class        []CoverageClass  `json:"class,omitempty"`
}

type CoverageClass struct {
	Type  CodeableConcept `json:"type"`
	Value string          `json:"value"`
	Name  string          `json:"name,omitempty"`
}

type ServiceRequest struct {
	DomainResource
	Identifier         []Identifier      `json:"identifier,omitempty"`
	Status             string            `json:"status"`
	Intent             string            `json:"intent"`
	Priority           string            `json:"priority,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Subject            Reference         `json:"subject"`
	Encounter          *Reference        `json:"encounter,omitempty"`
	OccurrenceDateTime string            `json:"occurrenceDateTime,omitempty"`
	AuthoredOn         string            `json:"authoredOn,omitempty"`
	Requester          *Reference        `json:"requester,omitempty"`
	ReasonCode         []CodeableConcept `json:"reasonCode,omitempty"`
	Specimen           []Reference       `json:"specimen,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
}

type Specimen struct {
	DomainResource
	Identifier          []Identifier        `json:"identifier,omitempty"`
	AccessionIdentifier *Identifier         `json:"accessionIdentifier,omitempty"`
	Status              string              `json:"status,omitempty"`
	Type                *CodeableConcept    `json:"type,omitempty"`
	Subject             *Reference          `json:"subject,omitempty"`
	ReceivedTime        string              `json:"receivedTime,omitempty"`
	Request             []Reference         `json:"request,omitempty"`
	Collection          *SpecimenCollection `json:"collection,omitempty"`
}

type SpecimenCollection struct {
	CollectedDateTime string           `json:"collectedDateTime,omitempty"`
	Quantity          *Quantity        `json:"quantity,omitempty"`
	Method            *CodeableConcept `json:"method,omitempty"`
	BodySite          *CodeableConcept `json:"bodySite,omitempty"`
}

type Observation struct {
	DomainResource
	Identifier           []Identifier      `json:"identifier,omitempty"`
	BasedOn              []Reference       `json:"basedOn,omitempty"`
	Status               string            `json:"status"`
	Category             []CodeableConcept `json:"category,omitempty"`
	Code                 CodeableConcept   `json:"code"`
	Subject              *Reference        `json:"subject,omitempty"`
	Encounter            *Reference        `json:"encounter,omitempty"`
	EffectiveDateTime    string            `json:"effectiveDateTime,omitempty"`
	Issued               string            `json:"issued,omitempty"`
	Performer            []Reference       `json:"performer,omitempty"`
	ValueQuantity        *Quantity         `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept  `json:"valueCodeableConcept,omitempty"`
	ValueString          string            `json:"valueString,omitempty"`
	ValueDateTime        string            `json:"valueDateTime,omitempty"`
	Interpretation       []CodeableConcept `json:"interpretation,omitempty"`
	Note                 []Annotation      `json:"note,omitempty"`
	Method               *CodeableConcept  `json:"method,omitempty"`
	Specimen             *Reference        `json:"specimen,omitempty"`
	ReferenceRange       []ReferenceRange  `json:"referenceRange,omitempty"`
}

type ReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

type DiagnosticReport struct {
	DomainResource
	Identifier        []Identifier      `json:"identifier,omitempty"`
	BasedOn           []Reference       `json:"basedOn,omitempty"`
	Status            string            `json:"status"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept   `json:"code"`
	Subject           *Reference        `json:"subject,omitempty"`
	Encounter         *Reference        `json:"encounter,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	Specimen          []Reference       `json:"specimen,omitempty"`
	Result            []Reference       `json:"result,omitempty"`
	Conclusion        string            `json:"conclusion,omitempty"`
}

type Immunization struct {
	DomainResource
	Identifier         []Identifier            `json:"identifier,omitempty"`
	Status             string                  `json:"status"`
	StatusReason       *CodeableConcept        `json:"statusReason,omitempty"`
	VaccineCode        CodeableConcept         `json:"vaccineCode"`
	Patient            Reference               `json:"patient"`
	Encounter          *Reference              `json:"encounter,omitempty"`
	OccurrenceDateTime string                  `json:"occurrenceDateTime,omitempty"`
	PrimarySource      *bool                   `json:"primarySource,omitempty"`
	Manufacturer       *Reference              `json:"manufacturer,omitempty"`
	LotNumber          string                  `json:"lotNumber,omitempty"`
	ExpirationDate     string                  `json:"expirationDate,omitempty"`
	Site               *CodeableConcept        `json:"site,omitempty"`
	Route              *CodeableConcept        `json:"route,omitempty"`
	DoseQuantity       *Quantity               `json:"doseQuantity,omitempty"`
	Performer          []ImmunizationPerformer `json:"performer,omitempty"`
	Note               []Annotation            `json:"note,omitempty"`
}

type ImmunizationPerformer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    Reference        `json:"actor"`
}

// Basic carries data with no dedicated resource type, such as custom
// segments.
type Basic struct {
	DomainResource
	Identifier []Identifier    `json:"identifier,omitempty"`
	Code       CodeableConcept `json:"code"`
	Subject    *Reference      `json:"subject,omitempty"`
	Created    string          `json:"created,omitempty"`
}

// Opaque preserves a resource of a type without a typed variant. Its JSON is
// written back unchanged.
type Opaque struct {
	Kind string
	ID   string
	Raw  json.RawMessage

	ext []Extension
}

func (o *Opaque) ResourceKind() string     { return o.Kind }
func (o *Opaque) ResourceID() string       { return o.ID }
func (o *Opaque) SetResourceID(id string)  { o.ID = id }
func (o *Opaque) AddExtension(e Extension) { o.ext = append(o.ext, e) }

// Extensions returns the extensions declared in the preserved JSON.
func (o *Opaque) Extensions() []Extension {
	if o.ext != nil {
		return o.ext
	}
	var probe struct {
		Extension []Extension `json:"extension"`
	}
	if json.Unmarshal(o.Raw, &probe) == nil {
		o.ext = probe.Extension
	}
	return o.ext
}

func (o *Opaque) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return json.Marshal(map[string]string{"resourceType": o.Kind, "id": o.ID})
	}
	return o.Raw, nil
}

var constructors = map[string]func() Record{
	KindPatient:            func() Record { return &Patient{} },
	KindRelatedPerson:      func() Record { return &RelatedPerson{} },
	KindEncounter:          func() Record { return &Encounter{} },
	KindAllergyIntolerance: func() Record { return &AllergyIntolerance{} },
	KindCondition:          func() Record { return &Condition{} },
	KindCoverage:           func() Record { return &Coverage{} },
	KindServiceRequest:     func() Record { return &ServiceRequest{} },
	KindSpecimen:           func() Record { return &Specimen{} },
	KindObservation:        func() Record { return &Observation{} },
	KindDiagnosticReport:   func() Record { return &DiagnosticReport{} },
	KindImmunization:       func() Record { return &Immunization{} },
	KindBasic:              func() Record { return &Basic{} },
}

// IsTyped reports whether kind has a typed variant.
func IsTyped(kind string) bool {
	_, ok := constructors[kind]
	return ok
}

// New returns a typed record of kind with a fresh id, or nil when kind has
// no typed variant.
func New(kind string) Record {
	ctor, ok := constructors[kind]
	if !ok {
		return nil
	}
	r := ctor()
	r.(interface{ base() *DomainResource }).base().ResourceType = kind
	r.SetResourceID(NewID())
	return r
}

func (r *DomainResource) base() *DomainResource { return r }

// DecodeRecord decodes one resource. Types without a typed variant are
// kept as Opaque.
func DecodeRecord(data []byte) (Record, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("fhir: invalid resource: %w", err)
	}
	if head.ResourceType == "" {
		return nil, fmt.Errorf("fhir: resource has no resourceType")
	}
	ctor, ok := constructors[head.ResourceType]
	if !ok {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &Opaque{Kind: head.ResourceType, ID: head.ID, Raw: raw}, nil
	}
	r := ctor()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("fhir: invalid %s: %w", head.ResourceType, err)
	}
	return r, nil
}
