package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/attested-rebalancer/internal/events"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
)

// PostgresEventRepository is the durable event sink
type PostgresEventRepository struct {
	db *PostgresDB
}

// NewPostgresEventRepository creates a repository over db
func NewPostgresEventRepository(db *PostgresDB) *PostgresEventRepository {
	return &PostgresEventRepository{db: db}
}

// Emit implements events.Sink. Re-emitting an event ID is a no-op.
func (r *PostgresEventRepository) Emit(ctx context.Context, e events.Event) error {
	rec := toRecord(e)
	attrs, err := rec.attributesJSON()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO events (id, kind, contract, subject, fingerprint, attributes, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.Pool().Exec(ctx, query,
		rec.ID,
		rec.Kind,
		rec.Contract,
		rec.Subject,
		rec.Fingerprint,
		string(attrs),
		rec.OccurredAt,
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Recent returns the newest events first
func (r *PostgresEventRepository) Recent(ctx context.Context, limit int) ([]events.Event, error) {
	query := `
		SELECT id, kind, contract, subject, fingerprint, attributes, occurred_at
		FROM events
		ORDER BY occurred_at DESC, id
		LIMIT $1
	`
	rows, err := r.db.Pool().Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanPostgresEvents(rows)
}

// BySubject returns the newest events about one address
func (r *PostgresEventRepository) BySubject(ctx context.Context, subject common.Address, limit int) ([]events.Event, error) {
	query := `
		SELECT id, kind, contract, subject, fingerprint, attributes, occurred_at
		FROM events
		WHERE subject = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, strings.ToLower(subject.Hex()), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events by subject: %w", err)
	}
	return scanPostgresEvents(rows)
}

// CountByKind returns how many events of each kind are stored
func (r *PostgresEventRepository) CountByKind(ctx context.Context) (map[events.Kind]uint64, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[events.Kind]uint64)
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[events.Kind(kind)] = uint64(count) // #nosec G115 - COUNT is non-negative
	}
	return counts, rows.Err()
}

func scanPostgresEvents(rows pgx.Rows) ([]events.Event, error) {
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			rec   eventRecord
			attrs []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Contract, &rec.Subject, &rec.Fingerprint, &attrs, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode event attributes: %w", err)
			}
		}
		out = append(out, rec.event())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}
