package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pipeline counter names. Stages record these at their decision points; the
// admin snapshot aggregates them.
const (
	MetricInboundAccepted   = "inbound_accepted"
	MetricInboundDuplicate  = "inbound_duplicate"
	MetricInboundIgnored    = "inbound_ignored"
	MetricExtractorCalls    = "extractor_calls"
	MetricExtractorFailures = "extractor_failures"
	MetricTasksCreated      = "tasks_created"
	MetricTasksDue          = "tasks_due"
	MetricDraftsGenerated   = "drafts_generated"
	MetricSendAttempts      = "send_attempts"
	MetricSendFailures      = "send_failures"
	MetricOutboxSent        = "outbox_sent"
	MetricOutboxFailed      = "outbox_failed"
)

// Metric is a single counter datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional, e.g. {"channel": "email"}
}

// Metrics buffers counter increments and flushes them to SQLite in batches.
// Recording is non-blocking; a full buffer triggers an inline flush, and
// flush failures are logged, never surfaced.
type Metrics struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	buffer        []*Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewMetrics creates a buffered counter sink. Recommended defaults:
// bufferSize=100, flushInterval=5s.
func NewMetrics(db *sql.DB, bufferSize int, flushInterval time.Duration) *Metrics {
	m := &Metrics{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// EnsureSchema creates the pipeline_metrics table if it doesn't exist.
func (m *Metrics) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pipeline_metrics (
			metric_name TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,  -- milliseconds since epoch
			value       REAL NOT NULL,
			labels      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_name_time
			ON pipeline_metrics (metric_name, timestamp);
	`)
	return err
}

// Record queues a datapoint for async persistence.
func (m *Metrics) Record(p *Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, p)
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

// Count records a single increment of name.
func (m *Metrics) Count(name string) {
	m.Add(name, 1, nil)
}

// Add records an increment of n with optional labels.
func (m *Metrics) Add(name string, n float64, labels map[string]string) {
	m.Record(&Metric{Name: name, Timestamp: time.Now(), Value: n, Labels: labels})
}

// Query retrieves datapoints filtered by name, time range and limit, newest
// first. Pass empty name for all metrics; nil time pointers are unbounded.
func (m *Metrics) Query(name string, start, end *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels FROM pipeline_metrics WHERE 1=1"
	args := make([]any, 0, 4)

	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if start != nil {
		q += " AND timestamp >= ?"
		args = append(args, start.UnixMilli())
	}
	if end != nil {
		q += " AND timestamp <= ?"
		args = append(args, end.UnixMilli())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var name string
		var ts int64
		var value float64
		var labelsJSON sql.NullString

		if err := rows.Scan(&name, &ts, &value, &labelsJSON); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		p := &Metric{Name: name, Timestamp: time.UnixMilli(ts), Value: value}
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				p.Labels = labels
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Totals flushes pending datapoints and returns per-name sums since the
// given instant. This backs the admin metrics snapshot.
func (m *Metrics) Totals(ctx context.Context, since time.Time) (map[string]float64, error) {
	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()

	rows, err := m.db.QueryContext(ctx, `
		SELECT metric_name, SUM(value) FROM pipeline_metrics
		WHERE timestamp >= ?
		GROUP BY metric_name`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]float64)
	for rows.Next() {
		var name string
		var sum float64
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, fmt.Errorf("scan total: %w", err)
		}
		totals[name] = sum
	}
	return totals, rows.Err()
}

// Cleanup deletes datapoints older than retentionDays and returns the count
// removed. The retention sweeper calls this alongside inbound redaction.
func (m *Metrics) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	result, err := m.db.ExecContext(ctx, "DELETE FROM pipeline_metrics WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close flushes remaining datapoints and stops the background goroutine.
func (m *Metrics) Close() error {
	close(m.stop)
	<-m.done
	return nil
}

func (m *Metrics) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Metrics) flushLocked() {
	if len(m.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability metrics: begin tx", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pipeline_metrics (metric_name, timestamp, value, labels) VALUES (?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability metrics: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, p := range m.buffer {
		var labelsJSON sql.NullString
		if len(p.Labels) > 0 {
			if b, err := json.Marshal(p.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, p.Name, p.Timestamp.UnixMilli(), p.Value, labelsJSON); err != nil {
			slog.Error("observability metrics: insert", "error", err, "metric", p.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("observability metrics: commit", "error", err)
	}
	m.buffer = m.buffer[:0]
}
