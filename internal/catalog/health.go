package catalog

import "time"

// HealthState is the coarse probe outcome.
type HealthState int

const (
	HealthUnknown HealthState = iota
	Healthy
	Unhealthy
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProbeReason distinguishes probe outcomes for observability. Every
// unhealthy reason is treated the same way by the cache.
type ProbeReason string

const (
	ReasonOK            ProbeReason = "ok"
	ReasonUnchecked     ProbeReason = "unchecked"
	ReasonRateLimited   ProbeReason = "rate_limited"
	ReasonNotFound      ProbeReason = "not_found"
	ReasonRestricted    ProbeReason = "restricted"
	ReasonBadRequest    ProbeReason = "bad_request"
	ReasonProviderError ProbeReason = "provider_error"
	ReasonTimeout       ProbeReason = "timeout"
	ReasonTransport     ProbeReason = "transport"
)

// HealthStatus is the last recorded probe result for one model.
type HealthStatus struct {
	State     HealthState   `json:"state"`
	Reason    ProbeReason   `json:"reason"`
	Detail    string        `json:"detail,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency"`

	// Assumed is set when probing was disabled and the model was admitted unchecked.
	Assumed bool `json:"assumed,omitempty"`
}

func (h HealthStatus) IsHealthy() bool { return h.State == Healthy }

// HealthyStatus and UnhealthyStatus are shorthands used by the probe layer.
func HealthyStatus(reason ProbeReason, checkedAt time.Time, latency time.Duration) HealthStatus {
	return HealthStatus{State: Healthy, Reason: reason, CheckedAt: checkedAt, Latency: latency}
}

func UnhealthyStatus(reason ProbeReason, detail string, checkedAt time.Time, latency time.Duration) HealthStatus {
	return HealthStatus{State: Unhealthy, Reason: reason, Detail: detail, CheckedAt: checkedAt, Latency: latency}
}
