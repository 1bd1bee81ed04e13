package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_AssignsKindAndID(t *testing.T) {
	r := New(KindObservation)
	if r == nil {
		t.Fatal("expected Observation record")
	}
	if r.ResourceKind() != KindObservation {
		t.Errorf("expected kind Observation, got %q", r.ResourceKind())
	}
	if len(r.ResourceID()) != 36 {
		t.Errorf("expected uuid id, got %q", r.ResourceID())
	}
	if other := New(KindObservation); other.ResourceID() == r.ResourceID() {
		t.Error("expected distinct ids for distinct records")
	}
	if New("Practitioner") != nil {
		t.Error("expected nil for a kind without a typed variant")
	}
}

func TestGraph_RoundTrip(t *testing.T) {
	g := NewGraph()
	p := New(KindPatient).(*Patient)
	p.Name = []HumanName{{Family: "Doe", Given: []string{"John"}}}
	p.Gender = "male"
	g.Add(p)

	obs := New(KindObservation).(*Observation)
	obs.Status = "final"
	obs.Code = CodeableConcept{Coding: []Coding{{System: "http://loinc.org", Code: "718-7"}}}
	obs.Subject = ReferenceTo(p)
	g.Add(obs)

	data, err := g.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	if !strings.Contains(string(data), `"resourceType":"Bundle"`) {
		t.Errorf("expected Bundle JSON, got %s", data)
	}

	parsed, err := ParseGraph(data)
	if err != nil {
		t.Fatalf("ParseGraph failed: %v", err)
	}
	if len(parsed.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(parsed.Entries))
	}
	gotPatient, ok := parsed.Entries[0].Resource.(*Patient)
	if !ok {
		t.Fatalf("expected *Patient, got %T", parsed.Entries[0].Resource)
	}
	if gotPatient.Name[0].Family != "Doe" || gotPatient.Gender != "male" {
		t.Errorf("unexpected patient %+v", gotPatient)
	}
	gotObs := parsed.Entries[1].Resource.(*Observation)
	if !parsed.Contains(gotObs.Subject.Reference) {
		t.Errorf("expected subject %q to resolve", gotObs.Subject.Reference)
	}
	if d := parsed.DanglingReferences(); len(d) != 0 {
		t.Errorf("expected no dangling references, got %v", d)
	}
}

func TestParseGraph_KeepsUnknownTypes(t *testing.T) {
	doc := `{"resourceType":"Bundle","type":"collection","entry":[
		{"fullUrl":"urn:uuid:1","resource":{"resourceType":"Practitioner","id":"1","name":[{"family":"House"}],
			"extension":[{"url":"urn:x","valueString":"y"}]}},
		{"request":{"method":"DELETE","url":"Patient/2"}}
	]}`
	g, err := ParseGraph([]byte(doc))
	if err != nil {
		t.Fatalf("ParseGraph failed: %v", err)
	}
	if len(g.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(g.Entries))
	}
	op, ok := g.Entries[0].Resource.(*Opaque)
	if !ok {
		t.Fatalf("expected *Opaque, got %T", g.Entries[0].Resource)
	}
	if op.ResourceKind() != "Practitioner" || op.ResourceID() != "1" {
		t.Errorf("unexpected opaque header %s/%s", op.Kind, op.ID)
	}
	if ext := op.Extensions(); len(ext) != 1 || ext[0].ValueString != "y" {
		t.Errorf("unexpected extensions %+v", ext)
	}

	out, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"family":"House"`) {
		t.Errorf("expected opaque JSON preserved, got %s", out)
	}
	if !g.Contains("urn:uuid:1") || !g.Contains("Practitioner/1") {
		t.Error("expected both fullUrl and literal reference to resolve")
	}
}

func TestParseGraph_BareResource(t *testing.T) {
	g, err := ParseGraph([]byte(`{"resourceType":"Patient","id":"p1","gender":"female"}`))
	if err != nil {
		t.Fatalf("ParseGraph failed: %v", err)
	}
	if g.Count(KindPatient) != 1 {
		t.Errorf("expected one patient, got %d", g.Count(KindPatient))
	}
}

func TestParseGraph_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":           "  ",
		"not json":        "MSH|^~\\&|",
		"no type":         `{"id":"1"}`,
		"bad entry":       `{"resourceType":"Bundle","type":"collection","entry":[{"resource":{"id":"x"}}]}`,
		"bad typed field": `{"resourceType":"Patient","gender":7}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseGraph([]byte(doc)); err == nil {
				t.Errorf("expected error for %s", doc)
			}
		})
	}
}

func TestDanglingReferences(t *testing.T) {
	g := NewGraph()
	sr := New(KindServiceRequest).(*ServiceRequest)
	sr.Subject = Reference{Reference: "Patient/missing"}
	sr.Requester = &Reference{Display: "Dr. Who"}
	g.Add(sr)

	d := g.DanglingReferences()
	if len(d) != 1 || d[0] != "Patient/missing" {
		t.Errorf("expected one dangling reference, got %v", d)
	}
}

func TestParseReference(t *testing.T) {
	cases := []struct {
		in       string
		kind, id string
		ok       bool
	}{
		{"Patient/123", "Patient", "123", true},
		{"urn:uuid:abc", "", "", false},
		{"http://x/Patient/1", "", "", false},
		{"Patient/", "", "", false},
		{"Patient", "", "", false},
	}
	for _, c := range cases {
		kind, id, ok := ParseReference(c.in)
		if kind != c.kind || id != c.id || ok != c.ok {
			t.Errorf("ParseReference(%q) = %q, %q, %v", c.in, kind, id, ok)
		}
	}
}

func TestOperationOutcome_AddAndAt(t *testing.T) {
	o := RequiredOutcome("PID missing").At("PID").
		Add(IssueSeverityWarning, IssueTypeValue, "unknown coding system").At("OBX-3", "OBX-5")
	if len(o.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(o.Issue))
	}
	if got := o.Issue[0].Expression; len(got) != 1 || got[0] != "PID" {
		t.Errorf("first issue expression = %v", got)
	}
	if got := o.Issue[1].Expression; len(got) != 2 || got[1] != "OBX-5" {
		t.Errorf("second issue expression = %v", got)
	}
	if ErrorOutcome("x").Issue[0].Code != IssueTypeProcessing {
		t.Error("expected processing code")
	}
	if (&OperationOutcome{}).At("ignored").Issue != nil {
		t.Error("At on an empty outcome must not add an issue")
	}
}
