package outbound

import (
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Extension replays segment extensions ("urn:hl7v2:segment:ZPI-3") as
// custom segments. Each record yields one segment per distinct segment
// name it carries; fields already populated are left alone.
type Extension struct {
	reps map[string]int
}

func newExtension() *Extension { return &Extension{reps: make(map[string]int)} }

func (*Extension) Name() string { return "SegmentExtension" }

func (*Extension) CanConvert(r fhir.Record) bool {
	for _, ext := range r.Extensions() {
		if _, _, ok := mapping.ParseSegmentExtensionURL(ext.URL); ok {
			return true
		}
	}
	return false
}

func (x *Extension) Convert(c *registry.Conversion, r fhir.Record) error {
	targets := make(map[string]*mapping.Target)
	for _, ext := range r.Extensions() {
		name, field, ok := mapping.ParseSegmentExtensionURL(ext.URL)
		if !ok || ext.ValueString == "" {
			continue
		}
		t, ok := targets[name]
		if !ok {
			var err error
			t, err = target(c, name, 0, x.reps[name])
			if err != nil {
				return err
			}
			x.reps[name]++
			targets[name] = t
		}
		if t.Segment.IsEmpty(field) {
			t.Segment.SetFieldText(field, ext.ValueString, c.Tree.Delims)
		}
	}
	return nil
}
