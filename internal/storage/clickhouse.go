package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	queueSize     = 10_000
	flushInterval = 250 * time.Millisecond
	maxBatch      = 500
	sendTimeout   = 5 * time.Second
)

// CreateTableSQL is the realm_decisions DDL applied on connect.
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS realm_decisions (
	request_id       String,
	install_id       String,
	realm            LowCardinality(String),
	cache_key        String,
	url_host         String,
	timestamp        DateTime64(3, 'UTC'),
	reveal           UInt8,
	degraded         UInt8,
	outcome          LowCardinality(String),
	reason           String,
	destination_host String,
	device_model     String,
	latency_ms       Float32,
	source           LowCardinality(String)
) ENGINE = MergeTree
ORDER BY (install_id, timestamp)`

// Open parses dsn and returns a pinged ClickHouse connection.
func Open(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	// ClickHouse Cloud requires TLS even when the DSN omits ?secure=true.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	return conn, nil
}

// ClickHouseWriter batches decision events into ClickHouse from a
// background goroutine. Write() only enqueues.
type ClickHouseWriter struct {
	conn    driver.Conn
	queue   chan *DecisionEvent
	stop    chan struct{}
	stopped chan struct{}
	logger  *zap.Logger
}

// NewClickHouseWriter connects, ensures the table exists and starts the
// flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	if err := conn.Exec(ctx, CreateTableSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}

	w := &ClickHouseWriter{
		conn:    conn,
		queue:   make(chan *DecisionEvent, queueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go w.run()
	return w, nil
}

// Write enqueues an event, dropping it when the queue is full.
func (w *ClickHouseWriter) Write(event *DecisionEvent) {
	select {
	case w.queue <- event:
	default:
		w.logger.Warn("decision event queue full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close flushes what is queued and closes the connection. Call once.
func (w *ClickHouseWriter) Close() {
	close(w.stop)
	<-w.stopped
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]*DecisionEvent, 0, maxBatch)
	for {
		select {
		case event := <-w.queue:
			pending = append(pending, event)
			if len(pending) >= maxBatch {
				w.send(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				w.send(pending)
				pending = pending[:0]
			}
		case <-w.stop:
			w.send(w.drain(pending))
			return
		}
	}
}

// drain moves whatever is still queued into pending.
func (w *ClickHouseWriter) drain(pending []*DecisionEvent) []*DecisionEvent {
	for {
		select {
		case event := <-w.queue:
			pending = append(pending, event)
		default:
			return pending
		}
	}
}

func (w *ClickHouseWriter) send(events []*DecisionEvent) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO realm_decisions (
			request_id, install_id, realm, cache_key, url_host, timestamp,
			reveal, degraded, outcome, reason, destination_host,
			device_model, latency_ms, source
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.RequestID,
			e.InstallID,
			e.Realm,
			Truncate(e.CacheKey, CacheKeyMaxLength),
			e.URLHost,
			e.Timestamp,
			boolToUInt8(e.Reveal),
			boolToUInt8(e.Degraded),
			e.Outcome,
			e.Reason,
			e.DestinationHost,
			e.DeviceModel,
			e.LatencyMs,
			e.Source,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// LogWriter writes decision events to the logger. Used when no ClickHouse
// DSN is configured and by the CLI.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	w.logger.Info("decision_event",
		zap.String("request_id", event.RequestID),
		zap.String("install_id", event.InstallID),
		zap.String("realm", event.Realm),
		zap.String("cache_key", event.CacheKey),
		zap.String("url_host", event.URLHost),
		zap.Bool("reveal", event.Reveal),
		zap.Bool("degraded", event.Degraded),
		zap.String("outcome", event.Outcome),
		zap.String("reason", event.Reason),
		zap.String("destination_host", event.DestinationHost),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("source", event.Source),
	)
}

func (w *LogWriter) Close() {}
