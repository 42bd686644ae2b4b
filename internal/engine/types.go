package engine

import "time"

// Outcome classifies how a verdict was reached.
type Outcome int

const (
	OutcomeUnspecified       Outcome = iota
	OutcomeRevealed                 // all gates passed on first evaluation
	OutcomeRevealedCached           // cached destination still resolves
	OutcomeRevealedRecovered        // fallback with the path token resolved
	OutcomeDegraded                 // reveal with no destination
	OutcomeLocalCached              // local-only latch replayed
	OutcomeLocal                    // a gate failed; local-only latched now
	OutcomeInvalid                  // malformed URL, nothing cached
	OutcomeAbandoned                // caller gave up before the examination finished
)

// String returns the lowercase outcome name (used for events and API responses).
func (o Outcome) String() string {
	switch o {
	case OutcomeRevealed:
		return "revealed"
	case OutcomeRevealedCached:
		return "revealed_cached"
	case OutcomeRevealedRecovered:
		return "revealed_recovered"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeLocalCached:
		return "local_cached"
	case OutcomeLocal:
		return "local"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unspecified"
	}
}

// Reasons reported in Verdict.Reason.
const (
	ReasonInvalidURL       = "invalid manor address"
	ReasonValidCached      = "valid cached distant realms"
	ReasonRecovered        = "new manor with royal path scroll"
	ReasonDegraded         = "failed to obtain new manor, reveal empty chronicle"
	ReasonCachedLocal      = "cached chateau content"
	ReasonUnreachable      = "no royal courier paths available"
	ReasonDateNotReached   = "royal date not reached"
	ReasonDeviceUnsuitable = "royal device not suitable (tablet)"
	ReasonResolutionPrefix = "distant manor examination failed: "
	ReasonAllPassed        = "all royal examinations passed"
	ReasonAbandonedPrefix  = "examination abandoned: "
)

// Verdict is the engine's answer for one examination. It is built once and
// never mutated.
type Verdict struct {
	Reveal      bool
	Destination string
	Reason      string
	Outcome     Outcome
}

// Degraded reports a reveal that has nothing to show. Callers must treat it
// like a local-only result.
func (v Verdict) Degraded() bool {
	return v.Reveal && v.Destination == ""
}

// Request is one examination.
type Request struct {
	URL         string
	ActivateAt  time.Time     // remote content stays hidden before this instant
	DeviceCheck bool          // apply the device classifier
	DeviceModel string        // model string fed to the classifier
	Timeout     time.Duration // resolver deadline; zero = Config.DefaultTimeout
	CacheKey    string        // zero = URL
}

// Key returns the cache key the request latches under.
func (r Request) Key() string {
	if r.CacheKey != "" {
		return r.CacheKey
	}
	return r.URL
}
