package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Change types recorded for every committed document write.
const (
	TypeSet    = "doc.set"
	TypeMerge  = "doc.merge"
	TypeDelete = "doc.delete"
)

// Change is one row of the change log.
type Change struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Collection string `json:"collection"`
	DocID      string `json:"doc_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, changeType, collection, docID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal change payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO changes(ts,type,collection,doc_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, changeType, collection, docID, actorID, string(data))
	return err
}

// Latest returns the newest n changes, newest first, optionally filtered by collection.
func (w Writer) Latest(ctx context.Context, n int, collection string) ([]Change, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id, ts, type, collection, doc_id, actor_id, payload_json FROM changes`
	var args []any
	if strings.TrimSpace(collection) != "" {
		query += ` WHERE collection=?`
		args = append(args, collection)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	return w.scan(ctx, query, args...)
}

// After returns up to limit changes with id greater than cursor, oldest first.
func (w Writer) After(ctx context.Context, cursor int64, limit int) ([]Change, error) {
	return w.AfterIn(ctx, cursor, limit, "")
}

// AfterIn is After restricted to one collection; an empty collection matches all.
func (w Writer) AfterIn(ctx context.Context, cursor int64, limit int, collection string) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ts, type, collection, doc_id, actor_id, payload_json FROM changes WHERE id > ?`
	args := []any{cursor}
	if strings.TrimSpace(collection) != "" {
		query += ` AND collection=?`
		args = append(args, collection)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return w.scan(ctx, query, args...)
}

// LatestID returns the id of the newest change, or 0 for an empty log.
func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := w.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM changes`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (w Writer) scan(ctx context.Context, query string, args ...any) ([]Change, error) {
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.ID, &c.TS, &c.Type, &c.Collection, &c.DocID, &c.ActorID, &c.Payload); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
