package inbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/correlation"
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Specimen converts SPM segments, linking each to the order it belongs to.
type Specimen struct{}

func (Specimen) Kind() string { return fhir.KindSpecimen }

func (Specimen) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	var out []fhir.Record
	seen := make(map[*hl7v2.Segment]bool)
	for _, o := range orders(c) {
		locs, _ := c.Resolver.All(o.OBR.Scope, resolver.OrderSPM)
		for _, loc := range locs {
			seen[loc.Segment] = true
			s := specimen(c, loc.Segment)
			if id, ok := c.Context.LookupOrder(fhir.KindServiceRequest, o.Keys); ok {
				s.Request = []fhir.Reference{*reference(fhir.KindServiceRequest, id)}
			}
			c.Context.Append(fhir.KindSpecimen, correlation.IndexKey(o.Index), s.ID)
			out = append(out, s)
		}
	}

	locs, _ := c.Resolver.All(c.Tree.Root, resolver.SPM)
	for _, loc := range locs {
		if seen[loc.Segment] {
			continue
		}
		out = append(out, specimen(c, loc.Segment))
	}
	return out, nil
}

func specimen(c *registry.Conversion, spm *hl7v2.Segment) *fhir.Specimen {
	s := fhir.New(fhir.KindSpecimen).(*fhir.Specimen)
	s.Subject = subject(c)
	if v := spm.Get(2, 0, 1, 1); v != "" {
		id := fhir.Identifier{Value: v}
		if ns := spm.Get(2, 0, 1, 2); ns != "" {
			id.System = mapping.AuthorityPrefix + ns
		}
		s.Identifier = []fhir.Identifier{id}
	}
	if v := spm.Get(2, 0, 2, 1); v != "" {
		s.AccessionIdentifier = &fhir.Identifier{Value: v}
	}
	s.Type, _ = mapping.Concept(spm, 4, 0)

	mapping.SpecimenFields.Apply(spm, s)
	if m, ok := mapping.Concept(spm, 7, 0); ok {
		collection(s).Method = m
	}
	if site, ok := mapping.Concept(spm, 8, 0); ok {
		collection(s).BodySite = site
	}
	if v, ok := mapping.Number(spm.Get(12, 0, 1, 1)); ok {
		q := &fhir.Quantity{Value: &v, Code: spm.Get(12, 0, 2, 1)}
		q.Unit = q.Code
		if sys := spm.Get(12, 0, 2, 3); sys != "" {
			q.System = mapping.SystemURI(sys)
		}
		collection(s).Quantity = q
	}
	return s
}

func collection(s *fhir.Specimen) *fhir.SpecimenCollection {
	if s.Collection == nil {
		s.Collection = &fhir.SpecimenCollection{}
	}
	return s.Collection
}
