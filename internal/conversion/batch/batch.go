// Package batch converts many independent messages in parallel. Each item
// succeeds or fails on its own; a failure never affects another item.
package batch

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Direction selects the conversion applied to every item of a batch.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ParseDirection validates a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Inbound, Outbound:
		return d, nil
	}
	return "", fmt.Errorf("batch: unknown direction %q", s)
}

// previewRunes bounds the input preview carried by an Error.
const previewRunes = 120

// Converter is the single-message engine a batch fans out to.
type Converter interface {
	ConvertInbound(ctx context.Context, raw []byte) ([]byte, string, error)
	ConvertOutbound(ctx context.Context, bundle []byte) ([]byte, error)
}

// Result is one successful item.
type Result struct {
	Index         int    `json:"index"`
	Output        string `json:"output"`
	ElapsedMs     int64  `json:"elapsedMs"`
	TransactionID string `json:"transactionId,omitempty"`
	ExtractedID   string `json:"extractedId,omitempty"`
}

// Error is one failed item.
type Error struct {
	Index        int    `json:"index"`
	Message      string `json:"message"`
	InputPreview string `json:"inputPreview"`
}

// BatchResult partitions the item indices between Results and Errors, each
// sorted by index.
type BatchResult struct {
	Results      []Result `json:"results"`
	Errors       []Error  `json:"errors"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	ElapsedMs    int64    `json:"elapsedMs"`
}

// Engine runs batches on a bounded pool of goroutines.
type Engine struct {
	conv    Converter
	workers int
	logger  zerolog.Logger
}

// DefaultWorkers is max(GOMAXPROCS, 2).
func DefaultWorkers() int {
	return max(runtime.GOMAXPROCS(0), 2)
}

// New returns an Engine. workers <= 0 selects DefaultWorkers.
func New(conv Converter, workers int, logger zerolog.Logger) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	return &Engine{
		conv:    conv,
		workers: workers,
		logger:  logger.With().Str("component", "batch").Logger(),
	}
}

// Workers returns the pool size.
func (e *Engine) Workers() int { return e.workers }

type outcome struct {
	ok     bool
	result Result
	err    Error
}

// ConvertBatch converts every item and waits for all of them. It returns
// an error only for an invalid direction.
func (e *Engine) ConvertBatch(ctx context.Context, items []string, dir Direction) (*BatchResult, error) {
	if dir != Inbound && dir != Outbound {
		return nil, fmt.Errorf("batch: unknown direction %q", dir)
	}
	start := time.Now()
	outcomes := make([]outcome, len(items))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			outcomes[i] = e.convertOne(ctx, i, item, dir)
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{Results: []Result{}, Errors: []Error{}}
	for _, o := range outcomes {
		if o.ok {
			res.Results = append(res.Results, o.result)
		} else {
			res.Errors = append(res.Errors, o.err)
		}
	}
	res.SuccessCount = len(res.Results)
	res.FailureCount = len(res.Errors)
	res.ElapsedMs = time.Since(start).Milliseconds()

	e.logger.Info().
		Str("direction", string(dir)).
		Int("items", len(items)).
		Int("succeeded", res.SuccessCount).
		Int("failed", res.FailureCount).
		Int64("elapsed_ms", res.ElapsedMs).
		Msg("batch complete")
	return res, nil
}

// convertOne never panics; a panic inside the conversion becomes the
// item's error.
func (e *Engine) convertOne(ctx context.Context, i int, item string, dir Direction) (o outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error().Int("index", i).Interface("panic", rec).Msg("batch item panicked")
			o = outcome{err: Error{Index: i, Message: fmt.Sprintf("panic: %v", rec), InputPreview: Preview(item)}}
		}
	}()

	var (
		out   []byte
		txID  string
		err   error
		start = time.Now()
	)
	switch dir {
	case Inbound:
		out, txID, err = e.conv.ConvertInbound(ctx, []byte(item))
	case Outbound:
		out, err = e.conv.ConvertOutbound(ctx, []byte(item))
	}
	if err != nil {
		return outcome{err: Error{Index: i, Message: err.Error(), InputPreview: Preview(item)}}
	}

	r := Result{
		Index:         i,
		Output:        string(out),
		ElapsedMs:     time.Since(start).Milliseconds(),
		TransactionID: txID,
	}
	if dir == Inbound {
		r.ExtractedID = PatientID(out)
	} else {
		r.ExtractedID = ControlID(out)
	}
	return outcome{ok: true, result: r}
}

// Preview truncates s to its first 120 runes.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:previewRunes])
}

var patientIDPath = jp.MustParseString(`$.entry[?(@.resource.resourceType == 'Patient')].resource.id`)

// PatientID returns the id of the first Patient in Bundle JSON, or "".
func PatientID(bundle []byte) string {
	doc, err := oj.Parse(bundle)
	if err != nil {
		return ""
	}
	for _, v := range patientIDPath.Get(doc) {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ControlID returns MSH-10 of an HL7v2 message, or "".
func ControlID(raw []byte) string {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return ""
	}
	return msg.ControlID
}
