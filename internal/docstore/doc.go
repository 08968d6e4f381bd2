// Package docstore is a small document store with the four capabilities the
// operation engine relies on: per-document create/merge/delete, ordered
// collection queries, change subscriptions, and atomic multi-document batches.
//
// Documents are JSON objects addressed by collection and id. Every committed
// write is appended to the change log and wakes the watchers of the touched
// collections, which re-read and emit a fresh snapshot.
package docstore
