package api

import "time"

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- POST /v1/realms/examine ---

// ExamineReq is the JSON body for POST /v1/realms/examine. Fields left unset
// are filled from the named realm preset.
type ExamineReq struct {
	InstallID   string `json:"install_id"`
	Realm       string `json:"realm,omitempty"`
	URL         string `json:"url,omitempty"`
	ActivateAt  string `json:"activate_at,omitempty"` // RFC 3339
	DeviceCheck *bool  `json:"device_check,omitempty"`
	DeviceModel string `json:"device_model,omitempty"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
	CacheKey    string `json:"cache_key,omitempty"`
}

// ExamineResp is the verdict returned to the install.
type ExamineResp struct {
	Reveal      bool    `json:"reveal"`
	Destination *string `json:"destination"`
	Reason      string  `json:"reason"`
	Outcome     string  `json:"outcome"`
	Degraded    bool    `json:"degraded"`
	RequestID   string  `json:"request_id"`
	LatencyMs   float64 `json:"latency_ms"`
}

// --- Installs ---

// IdentityResp is returned by GET /v1/identity.
type IdentityResp struct {
	InstallID string `json:"install_id"`
	Identity  string `json:"identity"`
}

// --- Decision events ---

// DecisionEventResp is one stored decision.
type DecisionEventResp struct {
	RequestID       string    `json:"request_id"`
	InstallID       string    `json:"install_id"`
	Realm           *string   `json:"realm"`
	CacheKey        string    `json:"cache_key"`
	URLHost         string    `json:"url_host"`
	Reveal          bool      `json:"reveal"`
	Degraded        bool      `json:"degraded"`
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason"`
	DestinationHost *string   `json:"destination_host"`
	DeviceModel     *string   `json:"device_model"`
	LatencyMs       float32   `json:"latency_ms"`
	Source          string    `json:"source"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventListResp is a page of decisions.
type EventListResp struct {
	Events   []DecisionEventResp `json:"events"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// OutcomeCountResp is one bucket of the outcome breakdown.
type OutcomeCountResp struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

// SummaryResp aggregates decisions over a window of days.
type SummaryResp struct {
	Days         int                `json:"days"`
	Realm        *string            `json:"realm"`
	Total        int                `json:"total"`
	Reveals      int                `json:"reveals"`
	Degraded     int                `json:"degraded"`
	Outcomes     []OutcomeCountResp `json:"outcomes"`
	LatencyP50Ms float64            `json:"latency_p50_ms"`
	LatencyP95Ms float64            `json:"latency_p95_ms"`
}
