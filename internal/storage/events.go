package storage

import (
	"net/url"
	"time"
)

// EventWriter persists decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent records one examination. URLs are reduced to their host so
// identities and path tokens never reach the event store.
type DecisionEvent struct {
	RequestID       string
	InstallID       string
	Realm           string
	CacheKey        string
	URLHost         string
	Timestamp       time.Time
	Reveal          bool
	Degraded        bool
	Outcome         string
	Reason          string
	DestinationHost string
	DeviceModel     string
	LatencyMs       float32
	Source          string // "api" or "cli"
}

// CacheKeyMaxLength bounds the cache key stored with an event.
const CacheKeyMaxLength = 256

// Host returns the host part of raw, or "" if raw does not parse.
func Host(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// Truncate returns at most maxLen runes of s without splitting a UTF-8
// sequence.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
