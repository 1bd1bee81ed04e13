package outbound

import (
	"strconv"

	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// orderPlan assigns order indices before dispatch so that a request, its
// report, the report's results and their specimens land in the same
// order group. It converts no records itself.
type orderPlan struct{}

func (orderPlan) Name() string { return "OrderPlan" }

func (orderPlan) CanConvert(fhir.Record) bool { return false }

func (orderPlan) Convert(*registry.Conversion, fhir.Record) error { return nil }

func (orderPlan) Plan(c *registry.Conversion) error {
	next := 0
	assign := func(r fhir.Record, idx int) {
		c.Context.Register(orderKind, recordKey(r), strconv.Itoa(idx))
	}
	linked := func(refs []fhir.Reference) (int, bool) {
		for _, ref := range refs {
			if r, ok := c.Graph.Resolve(ref.Reference); ok {
				if v, ok := c.Context.Lookup(orderKind, recordKey(r)); ok {
					n, err := strconv.Atoi(v)
					return n, err == nil
				}
			}
		}
		return 0, false
	}
	assignRefs := func(refs []fhir.Reference, idx int) {
		for _, ref := range refs {
			if r, ok := c.Graph.Resolve(ref.Reference); ok {
				assign(r, idx)
			}
		}
	}

	for _, r := range c.Graph.OfKind(fhir.KindServiceRequest) {
		assign(r, next)
		next++
	}
	for _, r := range c.Graph.OfKind(fhir.KindDiagnosticReport) {
		dr := r.(*fhir.DiagnosticReport)
		idx, ok := linked(dr.BasedOn)
		if !ok {
			idx = next
			next++
		}
		assign(dr, idx)
		assignRefs(dr.Result, idx)
		assignRefs(dr.Specimen, idx)
	}
	for _, r := range c.Graph.OfKind(fhir.KindObservation) {
		obs := r.(*fhir.Observation)
		if idx, ok := linked(obs.BasedOn); ok {
			assign(obs, idx)
		}
		if obs.Specimen != nil {
			if idx, ok := linked([]fhir.Reference{{Reference: recordKey(obs)}}); ok {
				assignRefs([]fhir.Reference{*obs.Specimen}, idx)
			}
		}
	}
	for _, r := range c.Graph.OfKind(fhir.KindSpecimen) {
		if idx, ok := linked(r.(*fhir.Specimen).Request); ok {
			assign(r, idx)
		}
	}
	return nil
}
