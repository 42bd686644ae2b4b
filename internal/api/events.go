package api

import (
	"net/http"
	"time"

	"github.com/triage-ai/realmgate/internal/chread"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ListEventsParams{
		Page:     max(queryInt(q, "page", 1), 1),
		PageSize: clamp(queryInt(q, "page_size", 50), 1, 200),
	}

	if v := q.Get("install_id"); v != "" {
		params.InstallID = &v
	}
	if v := q.Get("realm"); v != "" {
		params.Realm = &v
	}
	if v := q.Get("outcome"); v != "" {
		params.Outcome = &v
	}
	if v := q.Get("reveal"); v != "" {
		b := v == "true" || v == "1"
		params.Reveal = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	events, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}

	resp := EventListResp{
		Events:   make([]DecisionEventResp, 0, len(events)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventRowToResp(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	event, err := d.Reader.GetEvent(r.Context(), r.PathValue("request_id"))
	if err != nil {
		d.Logger.Error("failed to get event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get event"})
		return
	}
	if event == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found."})
		return
	}

	writeJSON(w, http.StatusOK, eventRowToResp(*event))
}

func (d *Dependencies) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	days := clamp(queryInt(q, "days", 7), 1, 90)
	realm := q.Get("realm")

	s, err := d.Reader.GetSummary(r.Context(), realm, days)
	if err != nil {
		d.Logger.Error("failed to get summary", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get summary"})
		return
	}

	outcomes := make([]OutcomeCountResp, len(s.Outcomes))
	for i, o := range s.Outcomes {
		outcomes[i] = OutcomeCountResp{Outcome: o.Outcome, Count: o.Count}
	}
	writeJSON(w, http.StatusOK, SummaryResp{
		Days:         days,
		Realm:        nilIfEmpty(realm),
		Total:        s.Total,
		Reveals:      s.Reveals,
		Degraded:     s.Degraded,
		Outcomes:     outcomes,
		LatencyP50Ms: s.LatencyP50Ms,
		LatencyP95Ms: s.LatencyP95Ms,
	})
}

// eventRowToResp converts a ClickHouse EventRow to the API response.
func eventRowToResp(e chread.EventRow) DecisionEventResp {
	return DecisionEventResp{
		RequestID:       e.RequestID,
		InstallID:       e.InstallID,
		Realm:           nilIfEmpty(e.Realm),
		CacheKey:        e.CacheKey,
		URLHost:         e.URLHost,
		Reveal:          e.Reveal == 1,
		Degraded:        e.Degraded == 1,
		Outcome:         e.Outcome,
		Reason:          e.Reason,
		DestinationHost: nilIfEmpty(e.DestinationHost),
		DeviceModel:     nilIfEmpty(e.DeviceModel),
		LatencyMs:       e.LatencyMs,
		Source:          e.Source,
		Timestamp:       e.Timestamp,
	}
}
