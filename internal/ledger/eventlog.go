// internal/ledger/eventlog.go
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// appendEvent writes one lifecycle event inside tx. The unique
// (aggregate_id, version) constraint rejects a writer that raced past a
// stale version.
func appendEvent(ctx context.Context, tx *sql.Tx, aggregateID uuid.UUID, aggregate, eventType string, version int, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lifecycle_events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, aggregateID, aggregate, eventType, data, version, at.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

func loadEvents(ctx context.Context, db *sql.DB, aggregateID uuid.UUID) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM lifecycle_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.EventData, &e.Version, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
