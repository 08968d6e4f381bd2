package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"opsync/internal/db"
	"opsync/internal/events"
	"opsync/internal/migrate"
)

func newWriter(t *testing.T) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return events.Writer{DB: conn, Now: func() time.Time { return fixed }}
}

func appendChange(t *testing.T, w events.Writer, changeType, collection, docID, actor string, payload events.EventPayload) {
	t.Helper()
	ctx := context.Background()
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.Append(ctx, tx, changeType, collection, docID, actor, payload); err != nil {
		tx.Rollback()
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAppendDefaultsActorAndPayload(t *testing.T) {
	w := newWriter(t)
	appendChange(t, w, events.TypeDelete, "missions", "m1", "", nil)

	got, err := w.Latest(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one change, got %d", len(got))
	}
	c := got[0]
	if c.ActorID != "system" || c.Payload != "{}" || c.Type != events.TypeDelete {
		t.Fatalf("unexpected change: %+v", c)
	}
	if c.TS != "2026-03-01T09:00:00Z" {
		t.Fatalf("unexpected timestamp %s", c.TS)
	}
}

func TestAfterAndLatestOrdering(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	appendChange(t, w, events.TypeSet, "missions", "m1", "admin", events.EventPayload{"title": "A"})
	appendChange(t, w, events.TypeSet, "operators", "op1", "op1", events.EventPayload{"callsign": "GHOST"})
	appendChange(t, w, events.TypeMerge, "missions", "m1", "admin", events.EventPayload{"status": "COMPLETED"})

	latest, err := w.Latest(ctx, 10, "missions")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 || latest[0].Type != events.TypeMerge {
		t.Fatalf("expected newest mission change first, got %+v", latest)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(latest[0].Payload), &payload); err != nil || payload["status"] != "COMPLETED" {
		t.Fatalf("unexpected payload %s", latest[0].Payload)
	}

	all, err := w.After(ctx, 0, 10)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(all) != 3 || all[0].ID >= all[1].ID || all[1].ID >= all[2].ID {
		t.Fatalf("expected ascending ids, got %+v", all)
	}
	rest, err := w.AfterIn(ctx, all[0].ID, 10, "missions")
	if err != nil {
		t.Fatalf("after in: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != all[2].ID {
		t.Fatalf("expected only the later mission change, got %+v", rest)
	}

	head, err := w.LatestID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if head != all[2].ID {
		t.Fatalf("expected head %d, got %d", all[2].ID, head)
	}
}

func TestLatestIDEmptyLog(t *testing.T) {
	w := newWriter(t)
	id, err := w.LatestID(context.Background())
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected 0, got %d", id)
	}
}
