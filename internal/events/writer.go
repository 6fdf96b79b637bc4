// Package events stores the append-only audit log of case activity.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"expedientes/internal/db"
	"expedientes/internal/domain"
)

// Log appends and reads audit events. Events are never updated or deleted.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append stores ev and returns it with its assigned ID. A zero Timestamp is
// filled from Now.
func (l Log) Append(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	if ev.CaseID == "" {
		return ev, fmt.Errorf("audit event %s without case id", ev.Kind)
	}
	if ev.Timestamp.IsZero() {
		now := l.Now
		if now == nil {
			now = time.Now
		}
		ev.Timestamp = now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return ev, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := l.DB.ExecContext(ctx, `INSERT INTO events(ts,kind,case_id,mediation_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		db.FormatTime(ev.Timestamp), ev.Kind, ev.CaseID, nullable(ev.MediationID), nullable(ev.ActorID), string(data))
	if err != nil {
		return ev, err
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return ev, err
	}
	return ev, nil
}

// Query returns the events of a case, newest first. Events sharing a
// timestamp come back in reverse insertion order.
func (l Log) Query(ctx context.Context, caseID string, limit, offset int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,ts,kind,case_id,COALESCE(mediation_id,''),COALESCE(actor_id,''),payload_json FROM events WHERE case_id=? ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`,
		caseID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var (
			e       domain.AuditEvent
			ts      string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.CaseID, &e.MediationID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if e.Timestamp, err = db.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("event %d timestamp: %w", e.ID, err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
