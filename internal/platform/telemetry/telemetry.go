// Package telemetry keeps in-process metrics for the bridge and serves them
// in the Prometheus text exposition format. It records HTTP request
// durations and, per direction and outcome, conversion counts and latencies.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// defaultDurationBuckets are histogram boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// labels is an ordered list of name/value pairs.
type labels []string

func (l labels) key() string { return strings.Join(l, "|") }

func (l labels) String() string {
	parts := make([]string, 0, len(l)/2)
	for i := 0; i+1 < len(l); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", l[i], l[i+1]))
	}
	return strings.Join(parts, ",")
}

type histogramVec struct {
	mu     sync.RWMutex
	series map[string]*histogram
	labels map[string]labels
}

func newHistogramVec() *histogramVec {
	return &histogramVec{series: map[string]*histogram{}, labels: map[string]labels{}}
}

func (v *histogramVec) with(l labels) *histogram {
	k := l.key()
	v.mu.RLock()
	h, ok := v.series[k]
	v.mu.RUnlock()
	if ok {
		return h
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok = v.series[k]; !ok {
		h = newHistogram(defaultDurationBuckets)
		v.series[k] = h
		v.labels[k] = l
	}
	return h
}

type counterVec struct {
	mu     sync.Mutex
	values map[string]int64
	labels map[string]labels
}

func newCounterVec() *counterVec {
	return &counterVec{values: map[string]int64{}, labels: map[string]labels{}}
}

func (v *counterVec) add(l labels, n int64) {
	k := l.key()
	v.mu.Lock()
	v.values[k] += n
	v.labels[k] = l
	v.mu.Unlock()
}

func (v *counterVec) get(l labels) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.values[l.key()]
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics holds every series the bridge exports. It is safe for concurrent
// use; a nil *Metrics records nothing.
type Metrics struct {
	httpDuration *histogramVec
	httpActive   int64

	conversions        *counterVec
	conversionDuration *histogramVec
	batchItems         *counterVec
}

// New returns an empty Metrics.
func New() *Metrics {
	return &Metrics{
		httpDuration:       newHistogramVec(),
		conversions:        newCounterVec(),
		conversionDuration: newHistogramVec(),
		batchItems:         newCounterVec(),
	}
}

// ObserveConversion records one conversion. status is "success" or "failed".
func (m *Metrics) ObserveConversion(direction, source, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.conversions.add(labels{"direction", direction, "source", source, "status", status}, 1)
	m.conversionDuration.with(labels{"direction", direction}).Observe(d.Seconds())
}

// ObserveBatch records the item outcomes of one batch.
func (m *Metrics) ObserveBatch(direction string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.batchItems.add(labels{"direction", direction, "status", "success"}, int64(succeeded))
	m.batchItems.add(labels{"direction", direction, "status", "failed"}, int64(failed))
}

// Conversions returns the conversion count for one label combination.
func (m *Metrics) Conversions(direction, source, status string) int64 {
	return m.conversions.get(labels{"direction", direction, "source", source, "status", status})
}

// Middleware records the duration of every HTTP request by method, route
// and status code.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.httpActive, 1)
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let the error handler set the final status before it is read.
				c.Error(err)
			}

			atomic.AddInt64(&m.httpActive, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			m.httpDuration.with(labels{"method", c.Request().Method, "route", route, "status_code", status}).
				Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHistogramVec(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", m.httpDuration)

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.httpActive))

		writeCounterVec(&b, "hl7bridge_conversions_total",
			"Conversions by direction, source and status.", m.conversions)
		writeHistogramVec(&b, "hl7bridge_conversion_duration_seconds",
			"Duration of single-message conversions in seconds.", m.conversionDuration)
		writeCounterVec(&b, "hl7bridge_batch_items_total",
			"Batch items by direction and status.", m.batchItems)

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeCounterVec(b *strings.Builder, name, help string, v *counterVec) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	v.mu.Lock()
	for _, k := range sortedKeys(v.values) {
		fmt.Fprintf(b, "%s{%s} %d\n", name, v.labels[k], v.values[k])
	}
	v.mu.Unlock()
	b.WriteByte('\n')
}

func writeHistogramVec(b *strings.Builder, name, help string, v *histogramVec) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	v.mu.RLock()
	for _, k := range sortedKeys(v.series) {
		writeSingleHistogram(b, name, v.labels[k].String(), v.series[k])
	}
	v.mu.RUnlock()
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, lbls string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix := ""
	suffix := ""
	if lbls != "" {
		prefix = lbls + ","
		suffix = "{" + lbls + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
