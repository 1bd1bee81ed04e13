// Package registry holds the converter contracts and runs them: inbound
// converters once per message in a fixed order, outbound converters once per
// matching record in bundle order.
package registry

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/conversion/correlation"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// ErrMissingAnchor reports a conversion with no identifiable patient.
var ErrMissingAnchor = errors.New("missing patient anchor")

// Conversion is the state of one conversion, threaded explicitly through
// every converter call. Inbound conversions read Tree and fill Graph;
// outbound conversions read Graph and fill Tree.
type Conversion struct {
	Tree     *hl7v2.Tree
	Graph    *fhir.Graph
	Context  *correlation.Context
	Resolver *resolver.Resolver
	Logger   zerolog.Logger
}

// Structure returns the structure of the tree being read or written.
func (c *Conversion) Structure() string {
	if c.Tree == nil {
		return ""
	}
	return c.Tree.Structure
}

// Inbound converts the segments of one kind into records. Implementations
// are stateless and shared by concurrent conversions.
type Inbound interface {
	Kind() string
	Convert(c *Conversion) ([]fhir.Record, error)
}

// Outbound writes records into the target tree. A fresh instance is built
// for every conversion, so implementations may keep per-conversion state
// such as repetition counters.
type Outbound interface {
	Name() string
	CanConvert(r fhir.Record) bool
	Convert(c *Conversion, r fhir.Record) error
}

// Planner is implemented by outbound converters that need to see the whole
// graph before dispatch starts.
type Planner interface {
	Plan(c *Conversion) error
}

// OutboundFactory builds one outbound converter instance.
type OutboundFactory func() Outbound

// Failure is a contained converter error.
type Failure struct {
	Converter string
	Record    string
	Err       error
}

func (f Failure) Error() string {
	if f.Record != "" {
		return fmt.Sprintf("%s (%s): %v", f.Converter, f.Record, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Converter, f.Err)
}

// Registry is populated once at startup and only read afterwards.
type Registry struct {
	inbound  []Inbound
	outbound []OutboundFactory
	anchor   string
}

// New returns an empty Registry whose fatal inbound kind is Patient.
func New() *Registry {
	return &Registry{anchor: fhir.KindPatient}
}

// RegisterInbound appends c to the inbound order.
func (r *Registry) RegisterInbound(c Inbound) {
	r.inbound = append(r.inbound, c)
}

// RegisterOutbound appends a factory to the outbound set.
func (r *Registry) RegisterOutbound(f OutboundFactory) {
	r.outbound = append(r.outbound, f)
}

// InboundKinds returns the inbound order.
func (r *Registry) InboundKinds() []string {
	out := make([]string, len(r.inbound))
	for i, c := range r.inbound {
		out[i] = c.Kind()
	}
	return out
}

// RunInbound runs every inbound converter once, in order, adding what each
// produces to c.Graph. Failures are contained and returned, except a failure
// of the Patient converter, which aborts the conversion. A failed converter
// leaves no correlation state behind, so later converters never reference
// its omitted records.
func (r *Registry) RunInbound(c *Conversion) ([]Failure, error) {
	var failures []Failure
	for _, conv := range r.inbound {
		sp := c.Context.Savepoint()
		var records []fhir.Record
		err := guard(func() error {
			var err error
			records, err = conv.Convert(c)
			return err
		})
		if err != nil {
			c.Context.Rollback(sp)
			if conv.Kind() == r.anchor {
				c.Logger.Error().Err(err).
					Str("converter", conv.Kind()).
					Str("transaction_id", c.Context.TransactionID()).
					Msg("anchor conversion failed")
				return failures, fmt.Errorf("registry: %s: %w", conv.Kind(), err)
			}
			c.Logger.Warn().Err(err).
				Str("converter", conv.Kind()).
				Str("transaction_id", c.Context.TransactionID()).
				Msg("converter failed, output omitted")
			failures = append(failures, Failure{Converter: conv.Kind(), Err: err})
			continue
		}
		for _, rec := range records {
			c.Graph.Add(rec)
		}
	}
	return failures, nil
}

// RunOutbound instantiates the outbound converters, lets planners see the
// graph, then dispatches each entry in bundle order to every converter that
// accepts it. All failures are contained.
func (r *Registry) RunOutbound(c *Conversion) []Failure {
	convs := make([]Outbound, len(r.outbound))
	for i, f := range r.outbound {
		convs[i] = f()
	}

	var failures []Failure
	fail := func(conv Outbound, rec fhir.Record, err error) {
		f := Failure{Converter: conv.Name(), Err: err}
		if rec != nil {
			f.Record = fhir.FormatReference(rec.ResourceKind(), rec.ResourceID())
		}
		c.Logger.Warn().Err(err).
			Str("converter", f.Converter).
			Str("record", f.Record).
			Str("transaction_id", c.Context.TransactionID()).
			Msg("converter failed, output omitted")
		failures = append(failures, f)
	}

	for _, conv := range convs {
		p, ok := conv.(Planner)
		if !ok {
			continue
		}
		if err := guard(func() error { return p.Plan(c) }); err != nil {
			fail(conv, nil, err)
		}
	}

	for _, rec := range c.Graph.Records() {
		for _, conv := range convs {
			if !conv.CanConvert(rec) {
				continue
			}
			if err := guard(func() error { return conv.Convert(c, rec) }); err != nil {
				fail(conv, rec, err)
			}
		}
	}
	return failures
}

// PanicError is a recovered converter panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// guard runs fn and turns a panic into a *PanicError.
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn()
}
