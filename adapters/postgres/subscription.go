package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matsushun1/inventory/adapters"
)

const defaultBatchSize = 1000

// LoadFromPosition loads events with a global position greater than fromPosition.
// The dispatcher and the projection rebuilder page through the log with it.
func (a *PostgresAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM `+a.table("events")+`
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2`, int64(fromPosition), adapters.DefaultLimit(limit, defaultBatchSize))
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents scans rows into a StoredEvent slice.
func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)

	for rows.Next() {
		var event adapters.StoredEvent
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.StreamID,
			&event.Version,
			&event.Type,
			&event.Data,
			&metadataJSON,
			&event.GlobalPosition,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("inventory/postgres: failed to scan event: %w", err)
		}

		if err := parseMetadata(metadataJSON, &event.Metadata); err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inventory/postgres: row iteration error: %w", err)
	}

	return events, nil
}

// parseMetadata decodes the metadata column. Empty and null columns leave m untouched.
func parseMetadata(data []byte, m *adapters.Metadata) error {
	if len(data) == 0 || string(data) == "null" || string(data) == "{}" {
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("inventory/postgres: failed to unmarshal metadata: %w", err)
	}
	return nil
}
