// Package telemetry registers the counters this module exposes,
// following the namespace/counter registration pattern docker/go-metrics
// provides for the daemon's own instrumentation.
package telemetry

import "github.com/docker/go-metrics"

// Metrics holds every counter this module increments. A nil *Metrics
// is valid everywhere it's accepted; callers that don't want
// instrumentation simply never construct one.
type Metrics struct {
	GadgetsDiscovered  metrics.Counter
	CallsIssued        metrics.Counter
	CallsTimedOut       metrics.Counter
	BytesWrittenMemset metrics.Counter
	BytesSkippedRO     metrics.Counter
	HeapGrowths        metrics.Counter
	CRTFallbackAllocs  metrics.Counter
}

// New registers this module's counters under the given namespace name
// (e.g. "nthread") and returns a handle plus the namespace for the
// caller to register with a metrics.Registerer.
func New(namespaceName string) (*Metrics, *metrics.Namespace) {
	ns := metrics.NewNamespace(namespaceName, "", nil)

	m := &Metrics{
		GadgetsDiscovered:  ns.NewCounter("gadgets_discovered_total", "count of gadget addresses discovered by a single scan"),
		CallsIssued:        ns.NewCounter("calls_issued_total", "count of in-thread calls issued"),
		CallsTimedOut:      ns.NewCounter("calls_timed_out_total", "count of in-thread calls that did not return within their budget"),
		BytesWrittenMemset: ns.NewCounter("bytes_written_memset_total", "bytes written via in-thread memset"),
		BytesSkippedRO:     ns.NewCounter("bytes_skipped_readonly_total", "bytes skipped by the read-only snapshot fast path"),
		HeapGrowths:        ns.NewCounter("heap_growths_total", "count of NThreadHeap growth events"),
		CRTFallbackAllocs:  ns.NewCounter("crt_fallback_allocs_total", "count of allocations served by CRT fallback instead of a heap zone"),
	}
	return m, ns
}

// IncCallsIssued records an in-thread call being dispatched.
func (m *Metrics) IncCallsIssued() {
	if m != nil {
		m.CallsIssued.Inc(1)
	}
}

// IncCallsTimedOut records an in-thread call that timed out.
func (m *Metrics) IncCallsTimedOut() {
	if m != nil {
		m.CallsTimedOut.Inc(1)
	}
}

// AddBytesWrittenMemset records n bytes written via in-thread memset.
func (m *Metrics) AddBytesWrittenMemset(n int) {
	if m != nil && n > 0 {
		m.BytesWrittenMemset.Inc(float64(n))
	}
}

// AddBytesSkippedRO records n bytes skipped by the RO snapshot fast
// path.
func (m *Metrics) AddBytesSkippedRO(n int) {
	if m != nil && n > 0 {
		m.BytesSkippedRO.Inc(float64(n))
	}
}

// IncHeapGrowths records an NThreadHeap growth event.
func (m *Metrics) IncHeapGrowths() {
	if m != nil {
		m.HeapGrowths.Inc(1)
	}
}

// IncCRTFallbackAllocs records an allocation served by CRT fallback.
func (m *Metrics) IncCRTFallbackAllocs() {
	if m != nil {
		m.CRTFallbackAllocs.Inc(1)
	}
}

// AddGadgetsDiscovered records n gadget addresses found by a scan.
func (m *Metrics) AddGadgetsDiscovered(n int) {
	if m != nil && n > 0 {
		m.GadgetsDiscovered.Inc(float64(n))
	}
}
