// Package chread serves read queries over the realm_decisions table.
package chread

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/realmgate/internal/storage"
	"go.uber.org/zap"
)

const eventColumns = "request_id, install_id, realm, cache_key, url_host, timestamp, " +
	"reveal, degraded, outcome, reason, destination_host, device_model, latency_ms, source"

// Reader provides read access to realm_decisions.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := storage.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow is one row of realm_decisions.
type EventRow struct {
	RequestID       string    `json:"request_id"`
	InstallID       string    `json:"install_id"`
	Realm           string    `json:"realm"`
	CacheKey        string    `json:"cache_key"`
	URLHost         string    `json:"url_host"`
	Timestamp       time.Time `json:"timestamp"`
	Reveal          uint8     `json:"-"`
	Degraded        uint8     `json:"-"`
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason"`
	DestinationHost string    `json:"destination_host"`
	DeviceModel     string    `json:"device_model"`
	LatencyMs       float32   `json:"latency_ms"`
	Source          string    `json:"source"`
}

func (e *EventRow) scanTargets() []any {
	return []any{
		&e.RequestID, &e.InstallID, &e.Realm, &e.CacheKey, &e.URLHost, &e.Timestamp,
		&e.Reveal, &e.Degraded, &e.Outcome, &e.Reason, &e.DestinationHost,
		&e.DeviceModel, &e.LatencyMs, &e.Source,
	}
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	InstallID *string
	Realm     *string
	Outcome   *string
	Reveal    *bool
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// where builds the WHERE clause and its named arguments.
func (p ListEventsParams) where() (string, []any) {
	var conditions []string
	var args []any
	add := func(cond, name string, value any) {
		conditions = append(conditions, cond)
		args = append(args, clickhouse.Named(name, value))
	}

	if p.InstallID != nil {
		add("install_id = @install_id", "install_id", *p.InstallID)
	}
	if p.Realm != nil {
		add("realm = @realm", "realm", *p.Realm)
	}
	if p.Outcome != nil {
		add("outcome = @outcome", "outcome", *p.Outcome)
	}
	if p.Reveal != nil {
		var v uint8
		if *p.Reveal {
			v = 1
		}
		add("reveal = @reveal", "reveal", v)
	}
	if p.StartTime != nil {
		add("timestamp >= @start_time", "start_time", *p.StartTime)
	}
	if p.EndTime != nil {
		add("timestamp <= @end_time", "end_time", *p.EndTime)
	}

	if len(conditions) == 0 {
		return "1", args
	}
	return strings.Join(conditions, " AND "), args
}

// ListEvents returns paginated, filtered decision events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	where, args := params.where()

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM realm_decisions WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(
		"SELECT %s FROM realm_decisions WHERE %s ORDER BY timestamp DESC LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(e.scanTargets()...); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}
	return events, int(total), rows.Err()
}

// GetEvent returns a single event by request ID, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, requestID string) (*EventRow, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT "+eventColumns+" FROM realm_decisions WHERE request_id = @request_id LIMIT 1",
		clickhouse.Named("request_id", requestID),
	)
	if err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e EventRow
	if err := rows.Scan(e.scanTargets()...); err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	return &e, nil
}

// OutcomeCount holds one outcome and its count.
type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

// Summary aggregates decisions over a window.
type Summary struct {
	Total        int            `json:"total"`
	Reveals      int            `json:"reveals"`
	Degraded     int            `json:"degraded"`
	Outcomes     []OutcomeCount `json:"outcomes"`
	LatencyP50Ms float64        `json:"latency_p50_ms"`
	LatencyP95Ms float64        `json:"latency_p95_ms"`
}

// GetSummary returns decision counts and latency percentiles over the last
// days, optionally limited to one realm.
func (r *Reader) GetSummary(ctx context.Context, realm string, days int) (*Summary, error) {
	start := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	cond := "timestamp >= @range_start"
	args := []any{clickhouse.Named("range_start", start)}
	if realm != "" {
		cond += " AND realm = @realm"
		args = append(args, clickhouse.Named("realm", realm))
	}

	var total, reveals, degraded uint64
	var p50, p95 float64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), countIf(reveal = 1), countIf(degraded = 1), "+
			"quantile(0.5)(latency_ms), quantile(0.95)(latency_ms) "+
			"FROM realm_decisions WHERE "+cond,
		args...,
	).Scan(&total, &reveals, &degraded, &p50, &p95)
	if err != nil {
		return nil, fmt.Errorf("GetSummary totals: %w", err)
	}

	result := &Summary{
		Total:        int(total),
		Reveals:      int(reveals),
		Degraded:     int(degraded),
		Outcomes:     []OutcomeCount{},
		LatencyP50Ms: safeFloat(p50),
		LatencyP95Ms: safeFloat(p95),
	}

	rows, err := r.conn.Query(ctx,
		"SELECT outcome, count() AS n FROM realm_decisions WHERE "+cond+
			" GROUP BY outcome ORDER BY n DESC",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetSummary outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var outcome string
		var n uint64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("GetSummary outcomes scan: %w", err)
		}
		result.Outcomes = append(result.Outcomes, OutcomeCount{Outcome: outcome, Count: int(n)})
	}
	return result, rows.Err()
}

// safeFloat replaces NaN/Inf with 0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
