package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidField = errors.New("invalid field name")
	ErrInvalidRef   = errors.New("collection and id are required")
)

// Fields is the top-level content of a document.
type Fields map[string]any

// Ref addresses a single document.
type Ref struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Doc builds a Ref.
func Doc(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

func (r Ref) String() string { return r.Collection + "/" + r.ID }

func (r Ref) validate() error {
	if r.Collection == "" || r.ID == "" {
		return ErrInvalidRef
	}
	return nil
}

// Document is a stored document together with its insertion sequence.
type Document struct {
	Ref    Ref
	Fields Fields
	Seq    int64
}

// Decode converts the document fields into v through their JSON form.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.Ref, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Ref, err)
	}
	return nil
}

// Filter is an equality predicate on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents of a collection. An empty OrderBy keeps insertion order.
type Query struct {
	Where   []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func (q Query) validate() error {
	if q.OrderBy != "" && !fieldPattern.MatchString(q.OrderBy) {
		return fmt.Errorf("%w: %q", ErrInvalidField, q.OrderBy)
	}
	for _, f := range q.Where {
		if !fieldPattern.MatchString(f.Field) {
			return fmt.Errorf("%w: %q", ErrInvalidField, f.Field)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}
	return nil
}

// DocumentSnapshot is one emission of a document subscription.
type DocumentSnapshot struct {
	Ref      Ref
	Exists   bool
	Document Document
	Err      error
}

// CollectionSnapshot is one emission of a collection subscription.
type CollectionSnapshot struct {
	Collection string
	Documents  []Document
	Err        error
}

// Store is the document store contract consumed by the engine.
type Store interface {
	Get(ctx context.Context, ref Ref) (Document, error)
	Set(ctx context.Context, ref Ref, fields Fields) error
	Merge(ctx context.Context, ref Ref, fields Fields) error
	// Update merges like Merge but fails with ErrNotFound when ref is missing.
	Update(ctx context.Context, ref Ref, fields Fields) error
	Delete(ctx context.Context, ref Ref) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	WatchDocument(ctx context.Context, ref Ref) (<-chan DocumentSnapshot, error)
	WatchCollection(ctx context.Context, collection string, q Query) (<-chan CollectionSnapshot, error)
	Commit(ctx context.Context, b *Batch) error
}

type opKind int

const (
	opSet opKind = iota
	opMerge
	opUpdate
	opDelete
)

type op struct {
	kind   opKind
	ref    Ref
	fields Fields
}

// Batch collects writes that commit together or not at all.
type Batch struct {
	ops []op
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Set(ref Ref, fields Fields) *Batch {
	b.ops = append(b.ops, op{kind: opSet, ref: ref, fields: fields})
	return b
}

func (b *Batch) Merge(ref Ref, fields Fields) *Batch {
	b.ops = append(b.ops, op{kind: opMerge, ref: ref, fields: fields})
	return b
}

func (b *Batch) Update(ref Ref, fields Fields) *Batch {
	b.ops = append(b.ops, op{kind: opUpdate, ref: ref, fields: fields})
	return b
}

func (b *Batch) Delete(ref Ref) *Batch {
	b.ops = append(b.ops, op{kind: opDelete, ref: ref})
	return b
}

// Len reports the number of queued writes.
func (b *Batch) Len() int { return len(b.ops) }

type actorKey struct{}

// WithActor attributes writes made with ctx to actorID in the change log.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
