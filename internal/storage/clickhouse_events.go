package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/attested-rebalancer/internal/events"
)

// ClickHouseEventRepository stores events for analytics. The table is a
// ReplacingMergeTree keyed by id, so duplicate emits collapse on merge.
type ClickHouseEventRepository struct {
	db *ClickHouseDB
}

// NewClickHouseEventRepository creates a repository over db
func NewClickHouseEventRepository(db *ClickHouseDB) *ClickHouseEventRepository {
	return &ClickHouseEventRepository{db: db}
}

// Emit implements events.Sink
func (r *ClickHouseEventRepository) Emit(ctx context.Context, e events.Event) error {
	return r.EmitBatch(ctx, []events.Event{e})
}

// EmitBatch inserts several events in one round trip
func (r *ClickHouseEventRepository) EmitBatch(ctx context.Context, batchEvents []events.Event) error {
	if len(batchEvents) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO events (id, kind, contract, subject, fingerprint, attributes, occurred_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range batchEvents {
		rec := toRecord(e)
		if err := batch.Append(rec.ID, rec.Kind, rec.Contract, rec.Subject, rec.Fingerprint, rec.Attributes, rec.OccurredAt); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// Recent returns the newest events first
func (r *ClickHouseEventRepository) Recent(ctx context.Context, limit int) ([]events.Event, error) {
	query := `
		SELECT id, kind, contract, subject, fingerprint, attributes, occurred_at
		FROM events FINAL
		ORDER BY occurred_at DESC, id
		LIMIT ?
	`
	rows, err := r.db.Conn().Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var rec eventRecord
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Contract, &rec.Subject, &rec.Fingerprint, &rec.Attributes, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, rec.event())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

// KindCount is one row of an hourly event histogram
type KindCount struct {
	Hour  time.Time   `json:"hour"`
	Kind  events.Kind `json:"kind"`
	Count uint64      `json:"count"`
}

// HourlyCounts buckets events since the given time by hour and kind
func (r *ClickHouseEventRepository) HourlyCounts(ctx context.Context, since time.Time) ([]KindCount, error) {
	query := `
		SELECT toStartOfHour(occurred_at) AS hour, kind, count() AS n
		FROM events FINAL
		WHERE occurred_at >= ?
		GROUP BY hour, kind
		ORDER BY hour, kind
	`
	rows, err := r.db.Conn().Query(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly counts: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var (
			c    KindCount
			kind string
		)
		if err := rows.Scan(&c.Hour, &kind, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan hourly count: %w", err)
		}
		c.Kind = events.Kind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}
