package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// AppendEvent records a lifecycle event in the events database.
// Events are best-effort: failures are logged and swallowed so an
// audit-trail hiccup never fails the operation being recorded.
func (s *Store) AppendEvent(eventType string, actionID int64, data interface{}) {
	var payload *string
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			slog.Warn("marshal event data", "type", eventType, "error", err)
		} else {
			str := string(b)
			payload = &str
		}
	}
	_, err := s.db.EventsWrite.Exec(
		"INSERT INTO action_events (type, action_id, data) VALUES (?, ?, ?)",
		eventType, actionID, payload,
	)
	if err != nil {
		slog.Warn("append event", "type", eventType, "action_id", actionID, "error", err)
	}
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Read.Query(`
		SELECT id, type, action_id, data, created_at
		FROM edb.action_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actionID sql.NullInt64
		var data sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &actionID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if actionID.Valid {
			e.ActionID = &actionID.Int64
		}
		if data.Valid {
			e.Data = data.String
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
