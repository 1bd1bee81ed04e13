// Package conversion exposes the two single-message conversions. An Engine
// is built once at startup and shared; every call creates its own tree,
// graph and correlation context.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/conversion/correlation"
	"github.com/ehr/hl7bridge/internal/conversion/inbound"
	"github.com/ehr/hl7bridge/internal/conversion/mapping"
	"github.com/ehr/hl7bridge/internal/conversion/outbound"
	"github.com/ehr/hl7bridge/internal/conversion/registry"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

var (
	// ErrMalformedInput reports input that could not be parsed at all.
	ErrMalformedInput = errors.New("malformed input")
	// ErrMissingAnchor reports a message or graph with no usable patient.
	ErrMissingAnchor = registry.ErrMissingAnchor
)

const (
	hl7Version      = "2.5.1"
	processingID    = "P"
	controlIDLength = 20
)

// Options configures an Engine.
type Options struct {
	SendingApplication string
	SendingFacility    string
	// Resolver overrides the default resolver policy.
	Resolver *resolver.Resolver
	// Now overrides the clock used for MSH-7.
	Now func() time.Time
}

// Engine runs inbound and outbound conversions.
type Engine struct {
	registry *registry.Registry
	resolver *resolver.Resolver
	logger   zerolog.Logger
	app      string
	facility string
	now      func() time.Time
}

// New returns an Engine with every converter registered.
func New(logger zerolog.Logger, opts Options) *Engine {
	reg := registry.New()
	inbound.Register(reg)
	outbound.Register(reg)

	e := &Engine{
		registry: reg,
		resolver: opts.Resolver,
		logger:   logger.With().Str("component", "conversion").Logger(),
		app:      opts.SendingApplication,
		facility: opts.SendingFacility,
		now:      opts.Now,
	}
	if e.resolver == nil {
		e.resolver = resolver.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ConvertInbound converts one HL7v2 message into Bundle JSON. The returned
// transaction id identifies this conversion in logs and the journal.
func (e *Engine) ConvertInbound(ctx context.Context, raw []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	tree, err := hl7v2.ParseTree(raw)
	if err != nil {
		return nil, "", fmt.Errorf("conversion: %w: %w", ErrMalformedInput, err)
	}

	c := &registry.Conversion{
		Tree:     tree,
		Graph:    fhir.NewGraph(),
		Context:  correlation.New(""),
		Resolver: e.resolver,
		Logger:   e.logger,
	}
	txID := c.Context.TransactionID()
	log := e.logger.With().
		Str("transaction_id", txID).
		Str("direction", "inbound").
		Str("structure", tree.Structure).
		Logger()

	failures, err := e.registry.RunInbound(c)
	if err != nil {
		log.Error().Err(err).Msg("inbound conversion aborted")
		return nil, txID, err
	}

	out, err := c.Graph.ToJSON()
	if err != nil {
		return nil, txID, fmt.Errorf("conversion: encode bundle: %w", err)
	}
	log.Info().
		Int("records", len(c.Graph.Entries)).
		Int("failures", len(failures)).
		Msg("inbound conversion complete")
	return out, txID, nil
}

// ConvertOutbound converts Bundle JSON into one HL7v2 message whose type is
// chosen from the graph content.
func (e *Engine) ConvertOutbound(ctx context.Context, bundle []byte) ([]byte, error) {
	return e.ConvertOutboundAs(ctx, bundle, "")
}

// ConvertOutboundAs is ConvertOutbound with an explicit message type such
// as "ADT^A04". An empty messageType selects one from the graph content.
func (e *Engine) ConvertOutboundAs(ctx context.Context, bundle []byte, messageType string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	graph, err := fhir.ParseGraph(bundle)
	if err != nil {
		return nil, fmt.Errorf("conversion: %w: %w", ErrMalformedInput, err)
	}
	if graph.Count(fhir.KindPatient) == 0 {
		return nil, fmt.Errorf("conversion: bundle has no Patient: %w", ErrMissingAnchor)
	}

	if messageType == "" {
		messageType = chooseMessageType(graph)
	}
	code, event, _ := strings.Cut(messageType, "^")
	structure := hl7v2.ResolveStructure(code, event, "")

	tree := hl7v2.NewTree(structure, hl7v2.DefaultDelimiters)
	c := &registry.Conversion{
		Tree:     tree,
		Graph:    graph,
		Context:  correlation.New(""),
		Resolver: e.resolver,
		Logger:   e.logger,
	}
	if err := e.writeHeader(c, code, event); err != nil {
		return nil, err
	}

	failures := e.registry.RunOutbound(c)
	e.logger.Info().
		Str("transaction_id", c.Context.TransactionID()).
		Str("direction", "outbound").
		Str("message_type", messageType).
		Int("records", len(graph.Entries)).
		Int("failures", len(failures)).
		Msg("outbound conversion complete")
	return tree.Encode(), nil
}

// chooseMessageType picks the message type that can carry the graph:
// results first, then orders, then immunizations, else a patient update.
func chooseMessageType(g *fhir.Graph) string {
	switch {
	case g.Count(fhir.KindDiagnosticReport) > 0:
		return "ORU^R01"
	case g.Count(fhir.KindServiceRequest) > 0:
		return "ORM^O01"
	case g.Count(fhir.KindImmunization) > 0:
		return "VXU^V04"
	}
	return "ADT^A08"
}

func (e *Engine) writeHeader(c *registry.Conversion, code, event string) error {
	now := e.now()
	ts := mapping.FormatTS(now)

	msh := c.Tree.Header()
	msh.Set(3, 0, 1, 1, e.app)
	msh.Set(4, 0, 1, 1, e.facility)
	msh.Set(7, 0, 1, 1, ts)
	msh.Set(9, 0, 1, 1, code)
	msh.Set(9, 0, 2, 1, event)
	msh.Set(9, 0, 3, 1, c.Tree.Structure)
	msh.Set(10, 0, 1, 1, controlID())
	msh.Set(11, 0, 1, 1, processingID)
	msh.Set(12, 0, 1, 1, hl7Version)

	if code != "ADT" {
		return nil
	}
	evn, err := mapping.NewTarget(c.Tree, hl7v2.MustParsePath("EVN"))
	if err != nil {
		return fmt.Errorf("conversion: write EVN: %w", err)
	}
	evn.Put(1, event)
	evn.Put(2, ts)
	return nil
}

// controlID returns a message control id that fits MSH-10.
func controlID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:controlIDLength]
}
