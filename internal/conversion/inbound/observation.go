package inbound

import (
	"strings"

	"github.com/ehr/hl7bridge/internal/conversion/correlation"
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Observation converts OBX segments. Results inside an order are linked to
// its ServiceRequest and Specimen and collected for its DiagnosticReport;
// root-level OBX (ADT) stand alone.
type Observation struct{}

func (Observation) Kind() string { return fhir.KindObservation }

func (Observation) Convert(c *registry.Conversion) ([]fhir.Record, error) {
	var out []fhir.Record
	seen := make(map[*hl7v2.Segment]bool)
	for _, o := range orders(c) {
		locs, _ := c.Resolver.All(o.OBR.Scope, resolver.OrderOBX)
		specimens := c.Context.Members(fhir.KindSpecimen, correlation.IndexKey(o.Index))
		for _, loc := range locs {
			seen[loc.Segment] = true
			obs := observation(c, loc)
			if obs.EffectiveDateTime == "" {
				obs.EffectiveDateTime, _ = mapping.DateTimeToFHIR(o.OBR.Field(7))
			}
			if id, ok := c.Context.LookupOrder(fhir.KindServiceRequest, o.Keys); ok {
				obs.BasedOn = []fhir.Reference{*reference(fhir.KindServiceRequest, id)}
			}
			if len(specimens) > 0 {
				obs.Specimen = reference(fhir.KindSpecimen, specimens[0])
			}
			c.Context.Append(fhir.KindObservation, correlation.IndexKey(o.Index), obs.ID)
			out = append(out, obs)
		}
	}

	locs, _ := c.Resolver.All(c.Tree.Root, resolver.OBX)
	for _, loc := range locs {
		if seen[loc.Segment] {
			continue
		}
		out = append(out, observation(c, loc))
	}
	return out, nil
}

func observation(c *registry.Conversion, loc resolver.Location) *fhir.Observation {
	obx := loc.Segment
	obs := fhir.New(fhir.KindObservation).(*fhir.Observation)
	obs.Subject = subject(c)
	obs.Encounter = encounter(c)
	if code, ok := mapping.Concept(obx, 3, 0); ok {
		obs.Code = *code
	} else {
		obs.Code = fhir.CodeableConcept{Text: obx.GetField(3)}
	}
	if id, ok := mapping.EntityIdentifier(obx, 21); ok {
		obs.Identifier = []fhir.Identifier{id}
	}

	setValue(obs, obx)
	if rr, ok := mapping.Range(obx.GetField(7)); ok {
		obs.ReferenceRange = []fhir.ReferenceRange{rr}
	}
	for r := 0; r < obx.RepetitionCount(8); r++ {
		flag := obx.Get(8, r, 1, 1)
		if code, ok := mapping.AbnormalFlag.Lookup(flag); ok {
			obs.Interpretation = append(obs.Interpretation, fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: mapping.AbnormalFlag.System,
				Code:   code,
			}}})
		}
	}
	for r := 0; r < obx.RepetitionCount(16); r++ {
		if who, ok := mapping.Person(obx, 16, r); ok {
			obs.Performer = append(obs.Performer, *who)
		}
	}
	obs.Method, _ = mapping.Concept(obx, 17, 0)

	mapping.ObservationFields.Apply(obx, obs)
	if obs.Status == "" {
		obs.Status = "unknown"
	}
	obs.Note = notes(c, loc.Scope, resolver.ObservationNTE)
	return obs
}

// setValue reads OBX-5 according to the value type in OBX-2. An empty
// OBX-5 leaves the observation without a value.
func setValue(obs *fhir.Observation, obx *hl7v2.Segment) {
	if obx.IsEmpty(5) {
		return
	}
	switch strings.ToUpper(obx.GetField(2)) {
	case "NM":
		if v, ok := mapping.Number(obx.GetField(5)); ok {
			obs.ValueQuantity = quantity(v, obx)
			return
		}
	case "SN":
		q, text := mapping.Structured(obx, 5, 0)
		if q != nil {
			withUnits(q, obx)
			obs.ValueQuantity = q
			return
		}
		if text != "" {
			obs.ValueString = text
			return
		}
	case "CE", "CWE", "CNE":
		if cc, ok := mapping.Concept(obx, 5, 0); ok {
			obs.ValueCodeableConcept = cc
			return
		}
	case "DT", "TS", "DTM":
		if dt, err := mapping.DateTimeToFHIR(obx.GetField(5)); err == nil && dt != "" {
			obs.ValueDateTime = dt
			return
		}
	}
	obs.ValueString = joinReps(obx, 5, "\n")
}

func quantity(v float64, obx *hl7v2.Segment) *fhir.Quantity {
	q := &fhir.Quantity{Value: &v}
	withUnits(q, obx)
	return q
}

// withUnits copies the OBX-6 unit onto q.
func withUnits(q *fhir.Quantity, obx *hl7v2.Segment) {
	code, text, sys := obx.Get(6, 0, 1, 1), obx.Get(6, 0, 2, 1), obx.Get(6, 0, 3, 1)
	q.Code = code
	q.Unit = text
	if q.Unit == "" {
		q.Unit = code
	}
	if sys != "" {
		q.System = mapping.SystemURI(sys)
	}
}
