package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breez/offline-sync/connectivity"
	"github.com/breez/offline-sync/model"
	"github.com/breez/offline-sync/store"
	"github.com/breez/offline-sync/store/sqlite"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("connection refused")

// flakyRemote stands in for the remote store: a second SQLite database that
// can be switched off.
type flakyRemote struct {
	*sqlite.LocalAdapter
	down     atomic.Bool
	onCreate func()
}

func (r *flakyRemote) Name() string { return "remote" }

func (r *flakyRemote) IsOnline(context.Context) bool { return !r.down.Load() }

func (r *flakyRemote) Probe(context.Context) bool { return !r.down.Load() }

func (r *flakyRemote) Create(ctx context.Context, table string, record store.Record) (store.Record, error) {
	if r.down.Load() {
		return nil, store.NewStorageError("remote", "create", table, errUnreachable)
	}
	if r.onCreate != nil {
		r.onCreate()
	}
	return r.LocalAdapter.Create(ctx, table, record)
}

func (r *flakyRemote) Read(ctx context.Context, table string, query store.Query) ([]store.Record, error) {
	if r.down.Load() {
		return nil, store.NewStorageError("remote", "read", table, errUnreachable)
	}
	return r.LocalAdapter.Read(ctx, table, query)
}

func (r *flakyRemote) Update(ctx context.Context, table string, record store.Record, where store.Where) (store.Record, error) {
	if r.down.Load() {
		return nil, store.NewStorageError("remote", "update", table, errUnreachable)
	}
	return r.LocalAdapter.Update(ctx, table, record, where)
}

func (r *flakyRemote) Delete(ctx context.Context, table string, where store.Where) error {
	if r.down.Load() {
		return store.NewStorageError("remote", "delete", table, errUnreachable)
	}
	return r.LocalAdapter.Delete(ctx, table, where)
}

func (r *flakyRemote) Transaction(ctx context.Context, fn store.TxFunc) error {
	if r.down.Load() {
		return store.NewStorageError("remote", "transaction", "", errUnreachable)
	}
	return r.LocalAdapter.Transaction(ctx, fn)
}

type harness struct {
	local   *sqlite.LocalAdapter
	remote  *flakyRemote
	monitor *connectivity.Monitor
	o       *Orchestrator
}

func newHarness(t *testing.T, name string, remoteUp bool) *harness {
	t.Helper()
	local, err := sqlite.NewLocalAdapter("file:" + name + "_local?mode=memory&cache=shared")
	require.NoError(t, err, "failed to open local store")
	remoteDB, err := sqlite.NewLocalAdapter("file:" + name + "_remote?mode=memory&cache=shared")
	require.NoError(t, err, "failed to open remote store")

	remote := &flakyRemote{LocalAdapter: remoteDB}
	remote.down.Store(!remoteUp)
	monitor := connectivity.NewMonitor(remote, connectivity.Config{ProbeInterval: time.Hour}, nil)
	o := New(local, remote, monitor, WithDrainInterval(time.Hour), WithCleanup(0, 0))
	require.NoError(t, o.Start(context.Background()), "failed to start orchestrator")

	t.Cleanup(func() {
		o.Close()
		local.Close()
		remoteDB.Close()
	})
	return &harness{local: local, remote: remote, monitor: monitor, o: o}
}

func (h *harness) remoteRows(t *testing.T, table string, where store.Where) []store.Record {
	t.Helper()
	rows, err := h.remote.LocalAdapter.Read(context.Background(), table, store.Query{Where: where})
	require.NoError(t, err, "failed to read remote rows")
	return rows
}

func (h *harness) queued(t *testing.T) []store.QueueEntry {
	t.Helper()
	entries, err := h.local.Queue().PendingChanges(context.Background())
	require.NoError(t, err, "failed to list pending changes")
	return entries
}

func TestWritesGoToRemoteWhileOnline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testwritesgotoremote", true)
	require.Equal(t, RemotePrimary, h.o.State())
	require.True(t, h.o.ConnectionStatus())

	_, err := h.o.Create(ctx, model.TableClients, store.Record{"id": "a", "name": "Acme"})
	require.NoError(t, err, "failed to call Create")

	require.Len(t, h.remoteRows(t, model.TableClients, store.Where{"id": "a"}), 1)
	require.Empty(t, h.queued(t))
	rows, err := h.local.Read(ctx, model.TableClients, store.Query{})
	require.NoError(t, err)
	require.Empty(t, rows, "local store is not written while online")
}

func TestStartOfflineUsesLocal(t *testing.T) {
	h := newHarness(t, "teststartoffline", false)
	require.Equal(t, LocalPrimary, h.o.State())
	require.False(t, h.o.Status().Online)
}

func TestRemoteFailureDemotesAndRetriesLocally(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testdemotion", true)
	h.remote.down.Store(true)

	row, err := h.o.Create(ctx, model.TableClients, store.Record{"id": "a", "name": "Acme"})
	require.NoError(t, err, "failed write should be retried locally")
	require.Equal(t, "a", row.ID())

	require.Equal(t, LocalPrimary, h.o.State())
	require.False(t, h.monitor.Online(), "monitor should be told about the failure")

	entries := h.queued(t)
	require.Len(t, entries, 1, "exactly one queue entry for the retried write")
	require.Equal(t, store.OpCreate, entries[0].Operation)
	require.Equal(t, 1, h.o.Status().PendingChanges)
	require.Empty(t, h.remoteRows(t, model.TableClients, nil))
}

func TestLocalFailureAfterDemotionPropagates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testlocalfailure", true)
	h.remote.down.Store(true)

	_, err := h.o.Create(ctx, "missing_table", store.Record{"name": "x"})
	require.Error(t, err)
	require.Equal(t, LocalPrimary, h.o.State())
	require.Empty(t, h.queued(t))
}

func TestValidationErrorDoesNotDemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testvalidation", true)

	_, err := h.o.Update(ctx, model.TableClients, store.Record{"name": "x"}, store.Where{})
	require.ErrorIs(t, err, store.ErrEmptySelector)
	_, err = h.o.Read(ctx, "clients; drop table clients", store.Query{})
	require.ErrorIs(t, err, store.ErrInvalidIdentifier)

	require.Equal(t, RemotePrimary, h.o.State())
}

func TestTransactionFailureDemotesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testtxfailure", true)
	h.remote.down.Store(true)

	calls := 0
	err := h.o.Transaction(ctx, func(ctx context.Context, tx store.Executor) error {
		calls++
		_, err := tx.Create(ctx, model.TableClients, store.Record{"name": "Acme"})
		return err
	})
	require.True(t, store.IsStorageError(err))
	require.Equal(t, 0, calls, "transaction must not be re-run locally")
	require.Equal(t, LocalPrimary, h.o.State())
	require.Empty(t, h.queued(t))
}

func TestTransactionOfflineIsQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testtxoffline", false)

	err := h.o.Transaction(ctx, func(ctx context.Context, tx store.Executor) error {
		if _, err := tx.Create(ctx, model.TableSales, store.Record{"id": "s1", "total": 20.0}); err != nil {
			return err
		}
		_, err := tx.Create(ctx, model.TableSaleItems, store.Record{"sale_id": "s1", "product_id": "p1", "quantity": 2})
		return err
	})
	require.NoError(t, err, "failed to run transaction")
	require.Len(t, h.queued(t), 2)
	require.Equal(t, 2, h.o.Status().PendingChanges)
}

func TestOfflineWriteIsSyncedAfterReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testreconnect", false)

	_, err := h.o.Create(ctx, model.TableClients, store.Record{"id": "a", "name": "Acme"})
	require.NoError(t, err, "failed to call Create")
	status := h.o.Status()
	require.Equal(t, 1, status.PendingChanges)
	require.Nil(t, status.LastSynced)

	h.remote.down.Store(false)
	h.monitor.Report(true, connectivity.SourceRuntime)

	require.Eventually(t, func() bool {
		return h.o.Status().PendingChanges == 0 && h.o.Status().LastSynced != nil
	}, 2*time.Second, 10*time.Millisecond, "queue should drain after reconnect")

	rows := h.remoteRows(t, model.TableClients, store.Where{"id": "a"})
	require.Len(t, rows, 1)
	require.Equal(t, "Acme", rows[0]["name"])
	require.Equal(t, RemotePrimary, h.o.State())
	require.Empty(t, h.o.Status().Error)
}

func TestSyncNowOffline(t *testing.T) {
	h := newHarness(t, "testsyncnowoffline", false)
	_, err := h.o.SyncNow(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	require.Equal(t, LocalPrimary, h.o.State())
}

func TestSyncNowProbesAndDrains(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testsyncnow", false)

	_, err := h.o.Create(ctx, model.TableClients, store.Record{"id": "a", "name": "Acme"})
	require.NoError(t, err)
	h.remote.down.Store(false)

	_, err = h.o.SyncNow(ctx)
	require.NoError(t, err, "failed to sync")
	require.Equal(t, RemotePrimary, h.o.State())
	require.Eventually(t, func() bool {
		return h.o.Status().PendingChanges == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, h.remoteRows(t, model.TableClients, store.Where{"id": "a"}), 1)
}

func TestSuccessfulDrainAdvancesLastSynced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testlastsynced", true)
	_, err := h.local.Create(ctx, model.TableClients, store.Record{"id": "a", "name": "Acme"})
	require.NoError(t, err)

	start := time.Now()
	result, err := h.o.SyncNow(ctx)
	require.NoError(t, err, "failed to sync")
	require.Equal(t, 1, result.Succeeded)

	status := h.o.Status()
	require.Equal(t, 0, status.PendingChanges)
	require.NotNil(t, status.LastSynced)
	require.False(t, status.LastSynced.Before(start), "lastSynced must not precede the drain")
	require.False(t, status.LastSynced.Before(result.StartedAt))
}

func TestSyncNowCompletesWhenCallerCancels(t *testing.T) {
	h := newHarness(t, "testsyncnowcancel", true)
	for _, id := range []string{"a", "b"} {
		_, err := h.local.Create(context.Background(), model.TableClients, store.Record{"id": id, "name": id})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.remote.onCreate = cancel

	result, err := h.o.SyncNow(ctx)
	require.NoError(t, err, "a started drain runs to completion")
	require.Equal(t, 2, result.Succeeded)
	require.Empty(t, h.queued(t))
	require.Equal(t, 0, h.o.Status().PendingChanges)

	stats, err := h.local.LocalQueue().Stats(context.Background())
	require.NoError(t, err)
	require.Empty(t, stats, "no entry may be left processing")
	require.Len(t, h.remoteRows(t, model.TableClients, store.Where{}), 2)
}

func TestCloseDuringReconnect(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, fmt.Sprintf("testclosereconnect%d", i), false)
		h.remote.down.Store(false)

		go h.monitor.Report(true, connectivity.SourceRuntime)
		closed := make(chan struct{})
		go func() {
			h.o.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: Close did not return", i)
		}
	}
}

func TestConcurrentDrainIsSkipped(t *testing.T) {
	h := newHarness(t, "testconcurrentdrain", true)
	h.o.syncing.Store(true)
	defer h.o.syncing.Store(false)

	result, err := h.o.SyncNow(context.Background())
	require.NoError(t, err)
	require.True(t, result.Skipped)
}

func TestFailedReplayIsReportedAndRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testfailedreplay", false)

	// The remote already holds the id, so replaying the create fails.
	_, err := h.remote.LocalAdapter.Create(ctx, model.TableClients, store.Record{"id": "a", "name": "Remote"})
	require.NoError(t, err)
	_, err = h.o.Create(ctx, model.TableClients, store.Record{"id": "a", "name": "Acme"})
	require.NoError(t, err)
	_, err = h.o.Create(ctx, model.TableClients, store.Record{"id": "b", "name": "Beta"})
	require.NoError(t, err)

	h.remote.down.Store(false)
	h.monitor.Report(true, connectivity.SourceRuntime)
	require.Eventually(t, func() bool {
		s := h.o.Status()
		return !s.Syncing && s.PendingChanges == 1 && s.Error != ""
	}, 2*time.Second, 10*time.Millisecond, "failed entry should stay queued")
	require.Nil(t, h.o.Status().LastSynced)
	require.Len(t, h.remoteRows(t, model.TableClients, store.Where{"id": "b"}), 1, "later entries are not blocked")

	entries := h.queued(t)
	require.Len(t, entries, 1)
	require.Equal(t, store.StatusError, entries[0].Status)

	require.NoError(t, h.remote.LocalAdapter.Delete(ctx, model.TableClients, store.Where{"id": "a"}))
	result, err := h.o.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	status := h.o.Status()
	require.Equal(t, 0, status.PendingChanges)
	require.Empty(t, status.Error, "a successful drain clears the error")
	require.NotNil(t, status.LastSynced)
}

func TestStatusSubscription(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "teststatussubscription", false)

	updates, unsubscribe := h.o.SubscribeStatus()
	defer unsubscribe()

	initial := <-updates
	require.False(t, initial.Online)
	require.Equal(t, 0, initial.PendingChanges)

	_, err := h.o.Create(ctx, model.TableClients, store.Record{"name": "Acme"})
	require.NoError(t, err)

	select {
	case s := <-updates:
		require.Equal(t, 1, s.PendingChanges)
	case <-time.After(time.Second):
		t.Fatal("no status update after local write")
	}
}

func TestOnConnectionChange(t *testing.T) {
	h := newHarness(t, "testonconnectionchange", true)

	changes := make(chan bool, 4)
	stop := h.o.OnConnectionChange(func(online bool) { changes <- online })
	defer stop()

	require.True(t, <-changes, "current state is delivered first")
	h.remote.down.Store(true)
	_, err := h.o.Read(context.Background(), model.TableClients, store.Query{})
	require.NoError(t, err)

	select {
	case online := <-changes:
		require.False(t, online)
	case <-time.After(time.Second):
		t.Fatal("no connection change after failed read")
	}
}

func TestTypedTable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "testtypedtable", false)
	clients := NewTable[model.Client](h.o, model.TableClients)

	created, err := clients.Create(ctx, model.Client{Name: "Acme", Email: "ops@acme.test"})
	require.NoError(t, err, "failed to create client")
	require.NotEmpty(t, created.ID)
	require.NotNil(t, created.CreatedAt)

	got, err := clients.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "ops@acme.test", got.Email)

	updated, err := clients.Update(ctx, store.Record{"name": "Acme Corp"}, store.Where{"id": created.ID})
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", updated.Name)

	require.NoError(t, clients.Delete(ctx, store.Where{"id": created.ID}))
	got, err = clients.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Len(t, h.queued(t), 3)
}
