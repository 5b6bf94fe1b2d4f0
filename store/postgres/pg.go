package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/breez/offline-sync/connectivity"
	"github.com/breez/offline-sync/store"
	"go.uber.org/zap"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const backendName = "postgres"

var dialect = store.Dialect{
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	QuoteIdent:  func(name string) string { return pgx.Identifier{name}.Sanitize() },
	Unlimited:   "ALL",
	Arg:         store.EncodeNestedArg,
}

type Option func(*RemoteAdapter)

func WithLogger(logger *zap.Logger) Option {
	return func(a *RemoteAdapter) {
		a.log = logger
	}
}

// WithProbe replaces the default reachability check (a pool ping), e.g. with
// connectivity.GRPCHealthProbe.
func WithProbe(probe connectivity.ProbeFunc) Option {
	return func(a *RemoteAdapter) {
		a.probeFunc = probe
	}
}

func WithProbeTiming(ttl, timeout time.Duration) Option {
	return func(a *RemoteAdapter) {
		a.probeTTL = ttl
		a.probeTimeout = timeout
	}
}

// RemoteAdapter is the Postgres backend. It never retries: failures are
// returned as store.StorageError and retried through the queue.
type RemoteAdapter struct {
	db          *pgxpool.Pool
	databaseURL string
	probe       *connectivity.CachedProbe
	log         *zap.Logger

	probeFunc    connectivity.ProbeFunc
	probeTTL     time.Duration
	probeTimeout time.Duration
}

var _ store.Adapter = (*RemoteAdapter)(nil)
var _ store.BulkUpserter = (*RemoteAdapter)(nil)

// NewRemoteAdapter does not contact the database: connections are opened on
// first use so the process can start offline.
func NewRemoteAdapter(databaseURL string, opts ...Option) (*RemoteAdapter, error) {
	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	a := &RemoteAdapter{db: pgxPool, databaseURL: databaseURL, log: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("remote")
	if a.probeFunc == nil {
		a.probeFunc = a.db.Ping
	}
	a.probe = connectivity.NewCachedProbe(a.probeFunc, a.probeTTL, a.probeTimeout)
	return a, nil
}

// Migrate applies the bundled schema to the remote database.
func (a *RemoteAdapter) Migrate(ctx context.Context) error {
	db, err := sql.Open("pgx", a.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return store.NewStorageError(backendName, "migrate", "", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"offline-sync", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (a *RemoteAdapter) Name() string { return backendName }

// IsOnline reports reachability, probing at most once per cache window.
func (a *RemoteAdapter) IsOnline(ctx context.Context) bool {
	return a.probe.Online(ctx)
}

// Probe checks reachability now, bypassing the cache.
func (a *RemoteAdapter) Probe(ctx context.Context) bool {
	return a.probe.Check(ctx)
}

func (a *RemoteAdapter) Close() error {
	a.db.Close()
	return nil
}

func (a *RemoteAdapter) Create(ctx context.Context, table string, record store.Record) (store.Record, error) {
	return (&executor{q: a.db}).Create(ctx, table, record)
}

func (a *RemoteAdapter) Read(ctx context.Context, table string, query store.Query) ([]store.Record, error) {
	return (&executor{q: a.db}).Read(ctx, table, query)
}

func (a *RemoteAdapter) Update(ctx context.Context, table string, record store.Record, where store.Where) (store.Record, error) {
	return (&executor{q: a.db}).Update(ctx, table, record, where)
}

func (a *RemoteAdapter) Delete(ctx context.Context, table string, where store.Where) error {
	return (&executor{q: a.db}).Delete(ctx, table, where)
}

func (a *RemoteAdapter) Transaction(ctx context.Context, fn store.TxFunc) error {
	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.NewStorageError(backendName, "transaction", "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(context.Background())

	if err := fn(ctx, &executor{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.NewStorageError(backendName, "transaction", "", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// BulkUpsert writes records keyed by id in one transaction. Used by restore,
// never by the sync path.
func (a *RemoteAdapter) BulkUpsert(ctx context.Context, table string, records []store.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		query, args, err := store.BuildUpsert(dialect, table, record, "id")
		if err != nil {
			return 0, err
		}
		batch.Queue(query, args...)
	}

	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, store.NewStorageError(backendName, "bulk upsert", table, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(context.Background())

	results := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return 0, store.NewStorageError(backendName, "bulk upsert", table, fmt.Errorf("failed to upsert record: %w", err))
		}
	}
	if err := results.Close(); err != nil {
		return 0, store.NewStorageError(backendName, "bulk upsert", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, store.NewStorageError(backendName, "bulk upsert", table, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return len(records), nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type executor struct {
	q querier
}

func (e *executor) Create(ctx context.Context, table string, record store.Record) (store.Record, error) {
	query, args, err := store.BuildInsert(dialect, table, record.WithID())
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

func (e *executor) Update(ctx context.Context, table string, record store.Record, where store.Where) (store.Record, error) {
	query, args, err := store.BuildUpdate(dialect, table, record, where)
	if err != nil {
		return nil, err
	}
	rows, err := queryRecords(ctx, e.q, query, args...)
	if err != nil {
		return nil, store.NewStorageError(backendName, "update", table, fmt.Errorf("failed to update records: %w", err))
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
	if _, err := e.q.Exec(ctx, query, args...); err != nil {
		return store.NewStorageError(backendName, "delete", table, fmt.Errorf("failed to delete records: %w", err))
	}
	return nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]store.Record, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	records := make([]store.Record, len(maps))
	for i, m := range maps {
		records[i] = store.Record(m)
	}
	return records, nil
}
