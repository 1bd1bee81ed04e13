package inbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Basic carries site-defined Z segments through as Basic records, one
// extension per populated field.
type Basic struct{}

func (Basic) Kind() string { return fhir.KindBasic }

func (Basic) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	placed, truncated := c.Resolver.ZSegments(c.Tree)
	if truncated {
		c.Logger.Warn().
			Str("transaction_id", c.Context.TransactionID()).
			Int("kept", len(placed)).
			Msg("custom segment limit reached, remaining segments dropped")
	}

	var out []fhir.Record
	for _, p := range placed {
		seg := p.Segment
		b := fhir.New(fhir.KindBasic).(*fhir.Basic)
		b.Code = fhir.CodeableConcept{Coding: []fhir.Coding{{System: mapping.SegmentSystem, Code: seg.Name}}}
		b.Subject = subject(c)
		for f := 1; f <= seg.FieldCount(); f++ {
			if seg.IsEmpty(f) {
				continue
			}
			b.AddExtension(fhir.Extension{
				URL:         mapping.SegmentExtensionURL(seg.Name, f),
				ValueString: seg.FieldText(f, c.Tree.Delims),
			})
		}
		out = append(out, b)
	}
	return out, nil
}
