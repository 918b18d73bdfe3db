package metrics

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a specific counter or histogram in the in-process
// metrics system.
type MetricID uint16

const (
	// MetricSessionCreated counts successful createNewSession calls.
	MetricSessionCreated MetricID = iota
	// MetricGetSessionSuccess counts verified protected requests.
	MetricGetSessionSuccess
	// MetricGetSessionUnauthorised counts requests rejected as not logged in.
	MetricGetSessionUnauthorised
	// MetricTryRefresh counts expired-access-token outcomes routed to refresh.
	MetricTryRefresh
	// MetricRefreshSuccess counts successful token rotations.
	MetricRefreshSuccess
	// MetricRefreshUnauthorised counts refresh attempts on revoked or unknown sessions.
	MetricRefreshUnauthorised
	// MetricTheftDetected counts refresh-token reuse detections.
	MetricTheftDetected
	// MetricSessionRevoked counts revoked session handles.
	MetricSessionRevoked
	// MetricClaimRefetched counts claim values refetched during validation.
	MetricClaimRefetched
	// MetricClaimInvalid counts validator rejections.
	MetricClaimInvalid
	// MetricHandshakeFetch counts upstream handshake fetches.
	MetricHandshakeFetch
	// MetricHandshakeForcedRefresh counts forced key-cache refreshes after an
	// unrecognized signing key.
	MetricHandshakeForcedRefresh
	// MetricAccessTokenRegenerated counts in-place token re-signs.
	MetricAccessTokenRegenerated
	// MetricCoreUnavailable counts auth core transport failures.
	MetricCoreUnavailable
	// MetricVerifyLatency is the getSession latency histogram.
	MetricVerifyLatency

	MetricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Config controls which parts of the metrics system are active.
type Config struct {
	Enabled       bool
	EnableLatency bool
}

// Metrics holds atomic counters and optional latency histograms. A nil or
// disabled Metrics is a no-op on every method.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [MetricIDCount]paddedCounter
	histograms    [MetricIDCount]metricHistogram
}

// Snapshot is a point-in-time deep copy of all metrics.
type Snapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// New creates a Metrics instance. When cfg.Enabled is false all operations
// are no-ops.
func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatency,
	}
}

// Enabled reports whether counters are recording.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a latency sample. Only MetricVerifyLatency carries a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricVerifyLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value reads a single counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= MetricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// SnapshotNow deep-copies every counter and histogram.
func (m *Metrics) SnapshotNow() Snapshot {
	out := Snapshot{
		Counters:   make(map[MetricID]uint64, MetricIDCount),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	if m == nil {
		return out
	}
	for id := MetricID(0); id < MetricIDCount; id++ {
		out.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricVerifyLatency].buckets[i])
		}
		out.Histograms[MetricVerifyLatency] = buckets
	}
	return out
}

// bucketIndex maps a duration to one of 8 cumulative-style buckets:
// ≤5ms, ≤10ms, ≤25ms, ≤50ms, ≤100ms, ≤250ms, ≤500ms, +Inf.
func bucketIndex(d time.Duration) int {
	switch {
	case d <= 5*time.Millisecond:
		return 0
	case d <= 10*time.Millisecond:
		return 1
	case d <= 25*time.Millisecond:
		return 2
	case d <= 50*time.Millisecond:
		return 3
	case d <= 100*time.Millisecond:
		return 4
	case d <= 250*time.Millisecond:
		return 5
	case d <= 500*time.Millisecond:
		return 6
	default:
		return 7
	}
}
