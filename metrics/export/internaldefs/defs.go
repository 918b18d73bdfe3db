package internaldefs

import (
	sessionkit "github.com/sessionkit/sessionkit"
)

// CounterDef binds a metric ID to its stable exported name and help text.
type CounterDef struct {
	ID   sessionkit.MetricID
	Name string
	Help string
}

// HistogramDef binds a histogram metric ID to its stable exported name.
type HistogramDef struct {
	ID   sessionkit.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter, in metric-ID order.
var CounterDefs = []CounterDef{
	{ID: sessionkit.MetricSessionCreated, Name: "sessionkit_session_created_total", Help: "Created sessions."},
	{ID: sessionkit.MetricGetSessionSuccess, Name: "sessionkit_get_session_success_total", Help: "Verified protected requests."},
	{ID: sessionkit.MetricGetSessionUnauthorised, Name: "sessionkit_get_session_unauthorised_total", Help: "Requests rejected as not logged in."},
	{ID: sessionkit.MetricTryRefresh, Name: "sessionkit_try_refresh_total", Help: "Expired-access-token outcomes routed to refresh."},
	{ID: sessionkit.MetricRefreshSuccess, Name: "sessionkit_refresh_success_total", Help: "Successful token rotations."},
	{ID: sessionkit.MetricRefreshUnauthorised, Name: "sessionkit_refresh_unauthorised_total", Help: "Refresh attempts on revoked or unknown sessions."},
	{ID: sessionkit.MetricTheftDetected, Name: "sessionkit_theft_detected_total", Help: "Refresh-token reuse detections."},
	{ID: sessionkit.MetricSessionRevoked, Name: "sessionkit_session_revoked_total", Help: "Revoked session handles."},
	{ID: sessionkit.MetricClaimRefetched, Name: "sessionkit_claim_refetched_total", Help: "Claim values refetched during validation."},
	{ID: sessionkit.MetricClaimInvalid, Name: "sessionkit_claim_invalid_total", Help: "Validator rejections."},
	{ID: sessionkit.MetricHandshakeFetch, Name: "sessionkit_handshake_fetch_total", Help: "Upstream handshake fetches."},
	{ID: sessionkit.MetricHandshakeForcedRefresh, Name: "sessionkit_handshake_forced_refresh_total", Help: "Forced key-cache refreshes after an unrecognized signing key."},
	{ID: sessionkit.MetricAccessTokenRegenerated, Name: "sessionkit_access_token_regenerated_total", Help: "In-place access token re-signs."},
	{ID: sessionkit.MetricCoreUnavailable, Name: "sessionkit_core_unavailable_total", Help: "Auth core transport failures."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: sessionkit.MetricVerifyLatency, Name: "sessionkit_verify_latency_seconds", Help: "GetSession latency histogram."},
}

// HistogramBounds are the upper bucket bounds as Prometheus `le` label
// values. Must stay in sync with the internal histogram layout.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix are the bound labels in OTel-safe instrument-name
// form.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed layout.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form both
// exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
