package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrEmptySelector     = errors.New("empty selector")
	ErrEmptyRecord       = errors.New("empty record")
)

// Record is one row as an opaque bag of fields. It always carries "id".
type Record map[string]any

// ID returns the record's primary key, or "" when it is missing.
func (r Record) ID() string {
	id, ok := r["id"]
	if !ok || id == nil {
		return ""
	}
	return fmt.Sprint(id)
}

// WithID returns a copy of r that carries an id, generating a UUID when r has
// none.
func (r Record) WithID() Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	if out.ID() == "" {
		out["id"] = uuid.NewString()
	}
	return out
}

// Where is an equality-only filter: every column must equal its value.
type Where map[string]any

type Order struct {
	Column string
	Desc   bool
}

type Query struct {
	Where   Where
	Columns []string
	OrderBy []Order
	Limit   int
	Offset  int
}

// Executor is the CRUD surface shared by adapters and by the handle passed to
// a transaction callback.
type Executor interface {
	Create(ctx context.Context, table string, record Record) (Record, error)
	Read(ctx context.Context, table string, query Query) ([]Record, error)
	// Update returns a nil record when no row matched.
	Update(ctx context.Context, table string, record Record, where Where) (Record, error)
	// Delete is idempotent: deleting zero rows is not an error.
	Delete(ctx context.Context, table string, where Where) error
}

type TxFunc func(ctx context.Context, tx Executor) error

type Adapter interface {
	Executor
	Name() string
	IsOnline(ctx context.Context) bool
	// Transaction runs fn atomically using the backend's native transaction.
	// Any error returned by fn rolls everything back and is returned as is.
	Transaction(ctx context.Context, fn TxFunc) error
	Close() error
}

// BulkUpserter is implemented by adapters that can restore snapshots.
type BulkUpserter interface {
	BulkUpsert(ctx context.Context, table string, records []Record) (int, error)
}

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusError      EntryStatus = "error"
)

// QueueEntry is one durable record of a write made while the local store was
// authoritative.
type QueueEntry struct {
	ID         string
	Seq        int64
	Operation  Operation
	Table      string
	Data       Record
	Where      Where
	EnqueuedAt time.Time
	Status     EntryStatus
	Error      string
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Attempted int
	Succeeded int
	Failed    int
	LastError string
	StartedAt time.Time
	Skipped   bool
}

type ApplyFunc func(ctx context.Context, entry QueueEntry) error

type MutationQueue interface {
	// PendingChanges lists entries with status pending or error in replay order.
	PendingChanges(ctx context.Context) ([]QueueEntry, error)
	// Count returns the number of entries with status pending or error.
	Count(ctx context.Context) (int, error)
	// Drain replays entries oldest first. Replay failures are recorded on the
	// entry and do not stop the loop; the returned error is only for failures
	// of the queue itself.
	Drain(ctx context.Context, apply ApplyFunc) (DrainResult, error)
	// Cleanup purges non-pending entries older than maxAge.
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)
}

// LocalAdapter is the local system of record; every successful write is
// recorded in its queue within the same transaction.
type LocalAdapter interface {
	Adapter
	Queue() MutationQueue
}
