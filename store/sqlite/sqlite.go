package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/breez/offline-sync/store"
	"go.uber.org/zap"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const backendName = "sqlite"

var dialect = store.Dialect{
	Placeholder: func(int) string { return "?" },
	QuoteIdent:  func(name string) string { return `"` + name + `"` },
	Unlimited:   "-1",
	Arg:         store.EncodeNestedArg,
}

type Option func(*LocalAdapter)

func WithLogger(logger *zap.Logger) Option {
	return func(a *LocalAdapter) {
		a.log = logger
	}
}

// WithClock overrides the clock used to timestamp queue entries.
func WithClock(now func() time.Time) Option {
	return func(a *LocalAdapter) {
		a.now = now
	}
}

// LocalAdapter is the SQLite store used as the system of record while the
// remote store is unreachable. Every successful write is enqueued in
// sync_queue inside the same transaction.
type LocalAdapter struct {
	db    *sql.DB
	path  string
	queue *Queue
	log   *zap.Logger
	now   func() time.Time
}

var _ store.LocalAdapter = (*LocalAdapter)(nil)

func NewLocalAdapter(file string, opts ...Option) (*LocalAdapter, error) {
	a := &LocalAdapter{path: file, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("local")

	if !isMemory(file) {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, &store.InitializationError{Path: file, Err: err}
		}
	}
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, &store.InitializationError{Path: file, Err: fmt.Errorf("failed to open sqlite3 database %w", err)}
	}
	// One connection: a single writer avoids SQLITE_BUSY and keeps shared
	// in-memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, &store.InitializationError{Path: file, Err: err}
	}
	if err := migrateUp(db, file); err != nil {
		db.Close()
		return nil, &store.InitializationError{Path: file, Err: err}
	}

	a.db = db
	a.queue, err = newQueue(context.Background(), db, a.now, a.log)
	if err != nil {
		db.Close()
		return nil, &store.InitializationError{Path: file, Err: err}
	}
	recovered, err := a.queue.recoverProcessing(context.Background())
	if err != nil {
		db.Close()
		return nil, &store.InitializationError{Path: file, Err: err}
	}
	if recovered > 0 {
		a.log.Warn("reset interrupted queue entries", zap.Int64("count", recovered))
	}
	return a, nil
}

func isMemory(file string) bool {
	return file == ":memory:" || strings.Contains(file, "mode=memory")
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func migrateUp(db *sql.DB, file string) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, file, driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (a *LocalAdapter) Name() string { return backendName }

// IsOnline is always false: the local store is never the source of truth for
// connectivity.
func (a *LocalAdapter) IsOnline(context.Context) bool { return false }

func (a *LocalAdapter) Queue() store.MutationQueue { return a.queue }

// LocalQueue exposes the concrete queue for maintenance commands.
func (a *LocalAdapter) LocalQueue() *Queue { return a.queue }

func (a *LocalAdapter) Close() error {
	return a.db.Close()
}

func (a *LocalAdapter) Create(ctx context.Context, table string, record store.Record) (store.Record, error) {
	var row store.Record
	err := a.inTx(ctx, "create", table, func(e *executor) error {
		var err error
		row, err = e.Create(ctx, table, record)
		return err
	})
	return row, err
}

func (a *LocalAdapter) Read(ctx context.Context, table string, query store.Query) ([]store.Record, error) {
	e := &executor{q: a.db, queue: a.queue}
	return e.Read(ctx, table, query)
}

func (a *LocalAdapter) Update(ctx context.Context, table string, record store.Record, where store.Where) (store.Record, error) {
	var row store.Record
	err := a.inTx(ctx, "update", table, func(e *executor) error {
		var err error
		row, err = e.Update(ctx, table, record, where)
		return err
	})
	return row, err
}

func (a *LocalAdapter) Delete(ctx context.Context, table string, where store.Where) error {
	return a.inTx(ctx, "delete", table, func(e *executor) error {
		return e.Delete(ctx, table, where)
	})
}

// Transaction runs fn in one SQLite transaction. The executor passed to fn
// must be used for every call; calling the adapter itself from inside fn
// blocks on the single connection.
func (a *LocalAdapter) Transaction(ctx context.Context, fn store.TxFunc) error {
	return a.inTx(ctx, "transaction", "", func(e *executor) error {
		return fn(ctx, e)
	})
}

func (a *LocalAdapter) inTx(ctx context.Context, op, table string, fn func(e *executor) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return store.NewStorageError(backendName, op, table, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&executor{q: tx, queue: a.queue}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.NewStorageError(backendName, op, table, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// executor runs CRUD statements on a connection or transaction and records
// writes in the queue through the same handle.
type executor struct {
	q     querier
	queue *Queue
}

func (e *executor) Create(ctx context.Context, table string, record store.Record) (store.Record, error) {
	record = record.WithID()
	query, args, err := store.BuildInsert(dialect, table, record)
	if err != nil {
		return nil, err
	}
	rows, err := queryRecords(ctx, e.q, query, args...)
	if err != nil {
		return nil, store.NewStorageError(backendName, "create", table, fmt.Errorf("failed to insert record: %w", err))
	}
	if len(rows) == 0 {
		return nil, store.NewStorageError(backendName, "create", table, errors.New("insert returned no row"))
	}
	if err := e.queue.enqueue(ctx, e.q, store.OpCreate, table, record, nil); err != nil {
		return nil, store.NewStorageError(backendName, "create", table, err)
	}
	return rows[0], nil
}

func (e *executor) Read(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	query, args, err := store.BuildSelect(dialect, table, q)
	if err != nil {
		return nil, err
	}
	rows, err := queryRecords(ctx, e.q, query, args...)
	if err != nil {
		return nil, store.NewStorageError(backendName, "read", table, fmt.Errorf("failed to query records: %w", err))
	}
	return rows, nil
}

// Update is enqueued even when no local row matched: the row may exist only
// in the remote store.
func (e *executor) Update(ctx context.Context, table string, record store.Record, where store.Where) (store.Record, error) {
	query, args, err := store.BuildUpdate(dialect, table, record, where)
	if err != nil {
		return nil, err
	}
	rows, err := queryRecords(ctx, e.q, query, args...)
	if err != nil {
		return nil, store.NewStorageError(backendName, "update", table, fmt.Errorf("failed to update records: %w", err))
	}
	if err := e.queue.enqueue(ctx, e.q, store.OpUpdate, table, record, where); err != nil {
		return nil, store.NewStorageError(backendName, "update", table, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (e *executor) Delete(ctx context.Context, table string, where store.Where) error {
	query, args, err := store.BuildDelete(dialect, table, where)
	if err != nil {
		return err
	}
	if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
		return store.NewStorageError(backendName, "delete", table, fmt.Errorf("failed to delete records: %w", err))
	}
	if err := e.queue.enqueue(ctx, e.q, store.OpDelete, table, nil, where); err != nil {
		return store.NewStorageError(backendName, "delete", table, err)
	}
	return nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]store.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	records := make([]store.Record, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record := make(store.Record, len(columns))
		for i, column := range columns {
			if b, ok := values[i].([]byte); ok {
				record[column] = string(b)
				continue
			}
			record[column] = values[i]
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
