package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"opsync/internal/events"
)

// SQLStore persists documents in SQLite. Writes run in transactions and are
// published to watchers only after commit.
type SQLStore struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
	hub    *hub
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		DB:     db,
		Events: events.Writer{DB: db},
		Now:    time.Now,
		hub:    newHub(),
	}
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLStore) Get(ctx context.Context, ref Ref) (Document, error) {
	if err := ref.validate(); err != nil {
		return Document{}, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT data_json, seq FROM documents WHERE collection=? AND id=?`, ref.Collection, ref.ID)
	return scanDocument(ref, row)
}

func (s *SQLStore) Set(ctx context.Context, ref Ref, fields Fields) error {
	return s.Commit(ctx, NewBatch().Set(ref, fields))
}

func (s *SQLStore) Merge(ctx context.Context, ref Ref, fields Fields) error {
	return s.Commit(ctx, NewBatch().Merge(ref, fields))
}

func (s *SQLStore) Update(ctx context.Context, ref Ref, fields Fields) error {
	return s.Commit(ctx, NewBatch().Update(ref, fields))
}

func (s *SQLStore) Delete(ctx context.Context, ref Ref) error {
	return s.Commit(ctx, NewBatch().Delete(ref))
}

func (s *SQLStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if collection == "" {
		return nil, ErrInvalidRef
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	clauses := []string{"collection=?"}
	args := []any{collection}
	for _, f := range q.Where {
		clauses = append(clauses, "json_extract(data_json, ?) = ?")
		args = append(args, "$."+f.Field, sqlValue(f.Value))
	}
	query := `SELECT id, data_json, seq FROM documents WHERE ` + strings.Join(clauses, " AND ")
	if q.OrderBy != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(` ORDER BY json_extract(data_json, ?) %s, seq ASC`, dir)
		args = append(args, "$."+q.OrderBy)
	} else {
		query += ` ORDER BY seq ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Document
	for rows.Next() {
		var (
			id   string
			data string
			seq  int64
		)
		if err := rows.Scan(&id, &data, &seq); err != nil {
			return nil, err
		}
		fields, err := decodeFields(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		res = append(res, Document{Ref: Doc(collection, id), Fields: fields, Seq: seq})
	}
	return res, rows.Err()
}

// Commit applies every write of b in one transaction.
func (s *SQLStore) Commit(ctx context.Context, b *Batch) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	for _, o := range b.ops {
		if err := o.ref.validate(); err != nil {
			return err
		}
	}
	actor := actorFromContext(ctx)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	touched := make(map[string]struct{})
	for _, o := range b.ops {
		changed, err := s.apply(ctx, tx, o, actor)
		if err != nil {
			return fmt.Errorf("%s: %w", o.ref, err)
		}
		if changed {
			touched[o.ref.Collection] = struct{}{}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("docstore commit", "writes", len(b.ops), "actor", actor)
	s.hub.publish(touched)
	return nil
}

func (s *SQLStore) apply(ctx context.Context, tx *sql.Tx, o op, actor string) (bool, error) {
	now := s.now().UTC().Format(time.RFC3339Nano)
	switch o.kind {
	case opDelete:
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, o.ref.Collection, o.ref.ID)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
		return true, s.Events.Append(ctx, tx, events.TypeDelete, o.ref.Collection, o.ref.ID, actor, nil)
	case opSet, opMerge, opUpdate:
		existing, err := scanDocument(o.ref, tx.QueryRowContext(ctx, `SELECT data_json, seq FROM documents WHERE collection=? AND id=?`, o.ref.Collection, o.ref.ID))
		found := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
		if o.kind == opUpdate && !found {
			return false, ErrNotFound
		}
		fields := Fields{}
		if o.kind != opSet && found {
			for k, v := range existing.Fields {
				fields[k] = v
			}
		}
		for k, v := range o.fields {
			fields[k] = v
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return false, fmt.Errorf("encode fields: %w", err)
		}
		if found {
			if _, err := tx.ExecContext(ctx, `UPDATE documents SET data_json=?, updated_at=? WHERE collection=? AND id=?`,
				string(data), now, o.ref.Collection, o.ref.ID); err != nil {
				return false, err
			}
		} else {
			var seq int64
			seq, err = nextSeq(ctx, tx)
			if err != nil {
				return false, err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO documents(collection,id,data_json,seq,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
				o.ref.Collection, o.ref.ID, string(data), seq, now, now); err != nil {
				return false, err
			}
		}
		changeType := events.TypeSet
		if o.kind != opSet {
			changeType = events.TypeMerge
		}
		return true, s.Events.Append(ctx, tx, changeType, o.ref.Collection, o.ref.ID, actor, events.EventPayload(o.fields))
	default:
		return false, fmt.Errorf("unknown batch op %d", o.kind)
	}
}

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE sequences SET value=value+1 WHERE name='documents'`); err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM sequences WHERE name='documents'`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(ref Ref, row rowScanner) (Document, error) {
	var (
		data string
		seq  int64
	)
	err := row.Scan(&data, &seq)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	fields, err := decodeFields(data)
	if err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", ref, err)
	}
	return Document{Ref: ref, Fields: fields, Seq: seq}, nil
}

func decodeFields(data string) (Fields, error) {
	fields := Fields{}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// sqlValue maps a filter value onto what json_extract yields for it.
func sqlValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}
