package fhir

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Record is implemented by every resource variant carried in a Graph.
type Record interface {
	ResourceKind() string
	ResourceID() string
	SetResourceID(id string)
	Extensions() []Extension
	AddExtension(ext Extension)
}

// DomainResource holds the attributes shared by all typed variants.
type DomainResource struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Meta         *Meta       `json:"meta,omitempty"`
	Extension    []Extension `json:"extension,omitempty"`
}

func (r *DomainResource) ResourceKind() string     { return r.ResourceType }
func (r *DomainResource) ResourceID() string       { return r.ID }
func (r *DomainResource) SetResourceID(id string)  { r.ID = id }
func (r *DomainResource) Extensions() []Extension  { return r.Extension }
func (r *DomainResource) AddExtension(e Extension) { r.Extension = append(r.Extension, e) }

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
	Source      string   `json:"source,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// IsZero reports whether the concept carries no coding and no text.
func (c *CodeableConcept) IsZero() bool {
	return c == nil || (len(c.Coding) == 0 && c.Text == "")
}

// First returns the first coding, or the zero Coding.
func (c *CodeableConcept) First() Coding {
	if c == nil || len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
	Period *Period          `json:"period,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Type       string   `json:"type,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
	Rank   int    `json:"rank,omitempty"`
}

// Period bounds are FHIR dateTime strings so source precision survives.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

type Annotation struct {
	Text string `json:"text"`
}

type Extension struct {
	URL          string `json:"url"`
	ValueString  string `json:"valueString,omitempty"`
	ValueCode    string `json:"valueCode,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
}

// NewID returns a fresh random resource id.
func NewID() string {
	return uuid.NewString()
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ReferenceTo returns a literal reference to r.
func ReferenceTo(r Record) *Reference {
	return &Reference{Reference: FormatReference(r.ResourceKind(), r.ResourceID())}
}

// ParseReference splits "Kind/id" into its parts. Absolute and urn:uuid
// references return ok=false.
func ParseReference(ref string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(ref, "/")
	if !ok || kind == "" || id == "" || strings.Contains(id, "/") || strings.Contains(kind, ":") {
		return "", "", false
	}
	return kind, id, true
}
