package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bundle is the wire form of a Graph.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Entry wraps one record of a Graph.
type Entry struct {
	FullURL  string
	Resource Record
}

// Graph is an ordered collection of records that reference each other by
// "Kind/id".
type Graph struct {
	ID        string
	Type      string
	Timestamp string
	Entries   []Entry
}

// NewGraph returns an empty collection graph with a fresh id.
func NewGraph() *Graph {
	return &Graph{
		ID:        NewID(),
		Type:      "collection",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Add appends r as a new entry.
func (g *Graph) Add(r Record) {
	g.Entries = append(g.Entries, Entry{FullURL: "urn:uuid:" + r.ResourceID(), Resource: r})
}

// Records returns all records in entry order.
func (g *Graph) Records() []Record {
	out := make([]Record, len(g.Entries))
	for i, e := range g.Entries {
		out[i] = e.Resource
	}
	return out
}

// OfKind returns the records of kind in entry order.
func (g *Graph) OfKind(kind string) []Record {
	var out []Record
	for _, e := range g.Entries {
		if e.Resource.ResourceKind() == kind {
			out = append(out, e.Resource)
		}
	}
	return out
}

// Count returns the number of records of kind.
func (g *Graph) Count(kind string) int {
	n := 0
	for _, e := range g.Entries {
		if e.Resource.ResourceKind() == kind {
			n++
		}
	}
	return n
}

// Resolve returns the record a reference points to. Both "Kind/id" and the
// entry's fullUrl are accepted.
func (g *Graph) Resolve(ref string) (Record, bool) {
	if ref == "" {
		return nil, false
	}
	kind, id, literal := ParseReference(ref)
	for _, e := range g.Entries {
		if e.FullURL == ref {
			return e.Resource, true
		}
		if literal && e.Resource.ResourceKind() == kind && e.Resource.ResourceID() == id {
			return e.Resource, true
		}
	}
	return nil, false
}

// Contains reports whether ref resolves inside the graph.
func (g *Graph) Contains(ref string) bool {
	_, ok := g.Resolve(ref)
	return ok
}

// DanglingReferences returns every literal reference held by a typed record
// that does not resolve inside the graph.
func (g *Graph) DanglingReferences() []string {
	var out []string
	for _, e := range g.Entries {
		if _, opaque := e.Resource.(*Opaque); opaque {
			continue
		}
		data, err := json.Marshal(e.Resource)
		if err != nil {
			continue
		}
		var tree any
		if json.Unmarshal(data, &tree) != nil {
			continue
		}
		collectReferences(tree, func(ref string) {
			if !g.Contains(ref) {
				out = append(out, ref)
			}
		})
	}
	return out
}

func collectReferences(v any, fn func(string)) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			if s, ok := child.(string); ok && k == "reference" {
				fn(s)
				continue
			}
			collectReferences(child, fn)
		}
	case []any:
		for _, child := range x {
			collectReferences(child, fn)
		}
	}
}

// MarshalJSON encodes the graph as a Bundle.
func (g *Graph) MarshalJSON() ([]byte, error) {
	b := Bundle{
		ResourceType: "Bundle",
		ID:           g.ID,
		Type:         g.Type,
		Timestamp:    g.Timestamp,
		Entry:        make([]BundleEntry, 0, len(g.Entries)),
	}
	if b.Type == "" {
		b.Type = "collection"
	}
	for _, e := range g.Entries {
		raw, err := json.Marshal(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("fhir: encode %s/%s: %w", e.Resource.ResourceKind(), e.Resource.ResourceID(), err)
		}
		b.Entry = append(b.Entry, BundleEntry{FullURL: e.FullURL, Resource: raw})
	}
	return json.Marshal(b)
}

// ToJSON encodes the graph as Bundle JSON.
func (g *Graph) ToJSON() ([]byte, error) {
	return json.Marshal(g)
}

// ParseGraph decodes a Bundle. A bare resource is accepted as a one-entry
// graph. Entries without a resource are skipped.
func ParseGraph(data []byte) (*Graph, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("fhir: empty document")
	}
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("fhir: invalid JSON: %w", err)
	}

	if head.ResourceType != "Bundle" {
		r, err := DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		g := &Graph{Type: "collection"}
		g.Add(r)
		return g, nil
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("fhir: invalid Bundle: %w", err)
	}
	g := &Graph{ID: b.ID, Type: b.Type, Timestamp: b.Timestamp}
	for i, be := range b.Entry {
		if len(be.Resource) == 0 || string(be.Resource) == "null" {
			continue
		}
		r, err := DecodeRecord(be.Resource)
		if err != nil {
			return nil, fmt.Errorf("fhir: entry %d: %w", i, err)
		}
		fullURL := be.FullURL
		if fullURL == "" && r.ResourceID() != "" {
			fullURL = FormatReference(r.ResourceKind(), r.ResourceID())
		}
		g.Entries = append(g.Entries, Entry{FullURL: fullURL, Resource: r})
	}
	return g, nil
}
