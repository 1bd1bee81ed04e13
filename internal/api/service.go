// Package api is the bridge's transport layer: the HTTP handlers and the
// MLLP message handler. Both go through Service so that every conversion is
// journaled the same way regardless of how it arrived.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/conversion"
	"github.com/ehr/hl7bridge/internal/conversion/batch"
	"github.com/ehr/hl7bridge/internal/platform/journal"
	"github.com/ehr/hl7bridge/internal/platform/telemetry"
)

// Sources recorded in the journal.
const (
	SourceHTTP = "http"
	SourceMLLP = "mllp"
	SourceCLI  = "cli"
)

// Service runs conversions and records each one in the journal.
type Service struct {
	engine  *conversion.Engine
	batch   *batch.Engine
	store   journal.Store
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewService returns a Service. A nil store disables journaling.
func NewService(engine *conversion.Engine, batchEngine *batch.Engine, store journal.Store, logger zerolog.Logger) *Service {
	return &Service{
		engine: engine,
		batch:  batchEngine,
		store:  store,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// WithMetrics makes s count every conversion in m.
func (s *Service) WithMetrics(m *telemetry.Metrics) *Service {
	s.metrics = m
	return s
}

// Store returns the journal backing the service, which may be nil.
func (s *Service) Store() journal.Store { return s.store }

// Inbound converts one HL7v2 message to Bundle JSON.
func (s *Service) Inbound(ctx context.Context, raw []byte, source string) ([]byte, string, error) {
	start := time.Now()
	out, txID, err := s.engine.ConvertInbound(ctx, raw)
	s.record(ctx, &journal.Record{
		TransactionID: txID,
		Direction:     string(batch.Inbound),
		Source:        source,
	}, start, err)
	return out, txID, err
}

// Outbound converts Bundle JSON to one HL7v2 message. An empty messageType
// lets the engine choose one from the bundle content. The returned id is
// the message control id (MSH-10).
func (s *Service) Outbound(ctx context.Context, bundle []byte, messageType, source string) ([]byte, string, error) {
	start := time.Now()
	out, err := s.engine.ConvertOutboundAs(ctx, bundle, messageType)
	controlID := ""
	if err == nil {
		controlID = batch.ControlID(out)
	}
	s.record(ctx, &journal.Record{
		TransactionID: controlID,
		Direction:     string(batch.Outbound),
		Source:        source,
	}, start, err)
	return out, controlID, err
}

// Batch converts items in parallel. The whole batch is one journal record;
// it is marked failed when any item failed.
func (s *Service) Batch(ctx context.Context, items []string, dir batch.Direction, source string) (*batch.BatchResult, error) {
	start := time.Now()
	res, err := s.batch.ConvertBatch(ctx, items, dir)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveBatch(string(dir), res.SuccessCount, res.FailureCount)
	var itemErr error
	if res.FailureCount > 0 {
		itemErr = fmt.Errorf("%d of %d items failed", res.FailureCount, len(items))
	}
	s.record(ctx, &journal.Record{
		Direction: "batch-" + string(dir),
		Source:    source,
	}, start, itemErr)
	return res, nil
}

// record never fails the conversion; a journal outage is only logged.
func (s *Service) record(ctx context.Context, rec *journal.Record, start time.Time, convErr error) {
	elapsed := time.Since(start)
	rec.ElapsedMs = elapsed.Milliseconds()
	rec.Status = journal.StatusSuccess
	if convErr != nil {
		rec.Status = journal.StatusFailed
		rec.Error = convErr.Error()
	}
	if rec.Direction == string(batch.Inbound) || rec.Direction == string(batch.Outbound) {
		s.metrics.ObserveConversion(rec.Direction, rec.Source, rec.Status, elapsed)
	}
	if s.store == nil {
		return
	}
	// The request context may already be cancelled by the time we record.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.RecordConversion(ctx, rec); err != nil {
		s.logger.Error().Err(err).
			Str("transaction_id", rec.TransactionID).
			Str("direction", rec.Direction).
			Msg("failed to journal conversion")
	}
}
