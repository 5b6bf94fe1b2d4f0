package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/breez/offline-sync/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRetention bounds how long failed entries are kept.
const DefaultRetention = 7 * 24 * time.Hour

type payload struct {
	Data  store.Record `json:"data,omitempty"`
	Where store.Where  `json:"where,omitempty"`
}

// Queue is the durable FIFO of writes made against the local store, kept in
// the sync_queue table.
type Queue struct {
	db  *sql.DB
	now func() time.Time
	log *zap.Logger

	mu   sync.Mutex
	last int64
}

var _ store.MutationQueue = (*Queue)(nil)

// newQueue seeds the timestamp watermark from the stored entries so a clock
// that stepped backwards between runs still yields increasing timestamps.
func newQueue(ctx context.Context, db *sql.DB, now func() time.Time, log *zap.Logger) (*Queue, error) {
	q := &Queue{db: db, now: now, log: log.Named("queue")}
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(timestamp), 0) FROM sync_queue").Scan(&q.last); err != nil {
		return nil, fmt.Errorf("failed to read queue watermark: %w", err)
	}
	return q, nil
}

// timestamp returns unix milliseconds, strictly increasing across the
// entries of this database.
func (q *Queue) timestamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ts := q.now().UnixMilli()
	if ts <= q.last {
		ts = q.last + 1
	}
	q.last = ts
	return ts
}

// enqueue must be called with the same handle as the write it records.
func (q *Queue) enqueue(ctx context.Context, tx querier, op store.Operation, table string, data store.Record, where store.Where) error {
	encoded, err := json.Marshal(payload{Data: data, Where: where})
	if err != nil {
		return fmt.Errorf("failed to encode queue payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO sync_queue (id, operation, table_name, data, timestamp, status) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), string(op), table, string(encoded), q.timestamp(), string(store.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return nil
}

func (q *Queue) PendingChanges(ctx context.Context) ([]store.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT seq, id, operation, table_name, data, timestamp, status, error FROM sync_queue WHERE status IN (?, ?) ORDER BY seq",
		string(store.StatusPending), string(store.StatusError))
	if err != nil {
		return nil, store.NewStorageError(backendName, "pending changes", "sync_queue", fmt.Errorf("failed to query queue: %w", err))
	}
	defer rows.Close()

	entries := make([]store.QueueEntry, 0)
	for rows.Next() {
		var (
			entry     store.QueueEntry
			op        string
			status    string
			data      string
			timestamp int64
			errMsg    sql.NullString
		)
		if err := rows.Scan(&entry.Seq, &entry.ID, &op, &entry.Table, &data, &timestamp, &status, &errMsg); err != nil {
			return nil, store.NewStorageError(backendName, "pending changes", "sync_queue", fmt.Errorf("failed to scan queue entry: %w", err))
		}
		p, err := decodePayload(data)
		if err != nil {
			return nil, store.NewStorageError(backendName, "pending changes", "sync_queue", fmt.Errorf("failed to decode queue entry %v: %w", entry.ID, err))
		}
		entry.Operation = store.Operation(op)
		entry.Status = store.EntryStatus(status)
		entry.Data = p.Data
		entry.Where = p.Where
		entry.EnqueuedAt = time.UnixMilli(timestamp)
		entry.Error = errMsg.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStorageError(backendName, "pending changes", "sync_queue", err)
	}
	return entries, nil
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE status IN (?, ?)",
		string(store.StatusPending), string(store.StatusError)).Scan(&count)
	if err != nil {
		return 0, store.NewStorageError(backendName, "count", "sync_queue", fmt.Errorf("failed to count queue: %w", err))
	}
	return count, nil
}

// Stats returns the number of entries per status.
func (q *Queue) Stats(ctx context.Context) (map[store.EntryStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, store.NewStorageError(backendName, "stats", "sync_queue", fmt.Errorf("failed to query queue stats: %w", err))
	}
	defer rows.Close()

	stats := map[store.EntryStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, store.NewStorageError(backendName, "stats", "sync_queue", err)
		}
		stats[store.EntryStatus(status)] = count
	}
	return stats, rows.Err()
}

// Drain replays the queue oldest first. An entry is deleted once apply
// succeeds; a failed entry is marked error and the loop moves on, so one bad
// entry never blocks the rest. Cancelling ctx stops the loop between entries;
// status bookkeeping for the entry in flight is always written.
func (q *Queue) Drain(ctx context.Context, apply store.ApplyFunc) (store.DrainResult, error) {
	result := store.DrainResult{StartedAt: q.now()}
	entries, err := q.PendingChanges(ctx)
	if err != nil {
		return result, err
	}

	bookkeeping := context.WithoutCancel(ctx)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, store.NewStorageError(backendName, "drain", "sync_queue", err)
		}
		result.Attempted++
		if err := q.setStatus(bookkeeping, entry.ID, store.StatusProcessing, ""); err != nil {
			return result, err
		}
		if err := apply(ctx, entry); err != nil {
			replayErr := &store.QueueReplayError{EntryID: entry.ID, Operation: entry.Operation, Table: entry.Table, Err: err}
			q.log.Warn("failed to replay queue entry",
				zap.String("id", entry.ID),
				zap.String("operation", string(entry.Operation)),
				zap.String("table", entry.Table),
				zap.Error(err))
			if err := q.setStatus(bookkeeping, entry.ID, store.StatusError, err.Error()); err != nil {
				return result, err
			}
			result.Failed++
			result.LastError = replayErr.Error()
			continue
		}
		if _, err := q.db.ExecContext(bookkeeping, "DELETE FROM sync_queue WHERE id = ?", entry.ID); err != nil {
			return result, store.NewStorageError(backendName, "drain", "sync_queue", fmt.Errorf("failed to delete replayed entry: %w", err))
		}
		result.Succeeded++
	}
	return result, nil
}

func (q *Queue) setStatus(ctx context.Context, id string, status store.EntryStatus, errMsg string) error {
	var nullable sql.NullString
	if errMsg != "" {
		nullable = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, "UPDATE sync_queue SET status = ?, error = ? WHERE id = ?", string(status), nullable, id)
	if err != nil {
		return store.NewStorageError(backendName, "drain", "sync_queue", fmt.Errorf("failed to set entry status: %w", err))
	}
	return nil
}

// Cleanup purges failed entries older than maxAge. Pending entries and the
// entry a drain is replaying are never purged.
// A non-positive maxAge means DefaultRetention.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	cutoff := q.now().Add(-maxAge).UnixMilli()
	res, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE status NOT IN (?, ?) AND timestamp < ?",
		string(store.StatusPending), string(store.StatusProcessing), cutoff)
	if err != nil {
		return 0, store.NewStorageError(backendName, "cleanup", "sync_queue", fmt.Errorf("failed to clean queue: %w", err))
	}
	return res.RowsAffected()
}

func (q *Queue) recoverProcessing(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, "UPDATE sync_queue SET status = ? WHERE status = ?", string(store.StatusPending), string(store.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing entries: %w", err)
	}
	return res.RowsAffected()
}

// decodePayload keeps integers exact: numbers decode as int64 when they are
// whole and fit, float64 otherwise.
func decodePayload(data string) (payload, error) {
	var p payload
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return p, err
	}
	for k, v := range p.Data {
		p.Data[k] = restoreNumbers(v)
	}
	for k, v := range p.Where {
		p.Where[k] = restoreNumbers(v)
	}
	return p, nil
}

func restoreNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = restoreNumbers(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = restoreNumbers(e)
		}
		return v
	}
	return v
}
