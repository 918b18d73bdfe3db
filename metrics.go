package sessionkit

import (
	internalmetrics "github.com/sessionkit/sessionkit/internal/metrics"
)

// MetricID identifies a specific counter or histogram in the in-process
// metrics system.
type MetricID = internalmetrics.MetricID

const (
	// MetricSessionCreated counts successful CreateNewSession calls.
	MetricSessionCreated = internalmetrics.MetricSessionCreated
	// MetricGetSessionSuccess counts verified protected requests.
	MetricGetSessionSuccess = internalmetrics.MetricGetSessionSuccess
	// MetricGetSessionUnauthorised counts requests rejected as not logged in.
	MetricGetSessionUnauthorised = internalmetrics.MetricGetSessionUnauthorised
	// MetricTryRefresh counts expired-access-token outcomes routed to refresh.
	MetricTryRefresh = internalmetrics.MetricTryRefresh
	// MetricRefreshSuccess counts successful token rotations.
	MetricRefreshSuccess = internalmetrics.MetricRefreshSuccess
	// MetricRefreshUnauthorised counts refresh attempts on revoked or unknown
	// sessions.
	MetricRefreshUnauthorised = internalmetrics.MetricRefreshUnauthorised
	// MetricTheftDetected counts refresh-token reuse detections.
	MetricTheftDetected = internalmetrics.MetricTheftDetected
	// MetricSessionRevoked counts revoked session handles.
	MetricSessionRevoked = internalmetrics.MetricSessionRevoked
	// MetricClaimRefetched counts claim values refetched during validation.
	MetricClaimRefetched = internalmetrics.MetricClaimRefetched
	// MetricClaimInvalid counts validator rejections.
	MetricClaimInvalid = internalmetrics.MetricClaimInvalid
	// MetricHandshakeFetch counts upstream handshake fetches.
	MetricHandshakeFetch = internalmetrics.MetricHandshakeFetch
	// MetricHandshakeForcedRefresh counts forced key-cache refreshes after an
	// unrecognized signing key.
	MetricHandshakeForcedRefresh = internalmetrics.MetricHandshakeForcedRefresh
	// MetricAccessTokenRegenerated counts in-place token re-signs.
	MetricAccessTokenRegenerated = internalmetrics.MetricAccessTokenRegenerated
	// MetricCoreUnavailable counts auth core transport failures.
	MetricCoreUnavailable = internalmetrics.MetricCoreUnavailable
	// MetricVerifyLatency is the GetSession latency histogram.
	MetricVerifyLatency = internalmetrics.MetricVerifyLatency
)

// Metrics holds atomic counters and optional latency histograms.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a new [Metrics] instance configured by the given
// [MetricsConfig]. When Enabled is false, all operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
