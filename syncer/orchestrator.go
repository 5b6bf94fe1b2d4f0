package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breez/offline-sync/connectivity"
	"github.com/breez/offline-sync/store"
	"go.uber.org/zap"
)

const (
	DefaultDrainInterval   = 5 * time.Minute
	DefaultCleanupInterval = 24 * time.Hour
)

var ErrOffline = errors.New("remote store is unreachable")

// State names the adapter currently serving requests.
type State int

const (
	RemotePrimary State = iota
	LocalPrimary
)

func (s State) String() string {
	if s == RemotePrimary {
		return "remote-primary"
	}
	return "local-primary"
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.log = logger.Named("syncer")
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithDrainInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.drainInterval = d
	}
}

// WithCleanup sets how often the queue is purged and the retention used.
// A zero interval disables periodic cleanup.
func WithCleanup(interval, retention time.Duration) Option {
	return func(o *Orchestrator) {
		o.cleanupInterval = interval
		o.retention = retention
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator is the single entry point for data access. It routes each
// request to the remote store while it is reachable and to the local store
// otherwise, and replays the local queue once the remote store comes back.
type Orchestrator struct {
	local   store.LocalAdapter
	remote  store.Adapter
	monitor *connectivity.Monitor

	log             *zap.Logger
	metrics         *Metrics
	now             func() time.Time
	drainInterval   time.Duration
	cleanupInterval time.Duration
	retention       time.Duration

	mu    sync.RWMutex
	state State

	syncing atomic.Bool
	status  *statusBoard

	lifecycle   sync.Mutex
	started     bool
	closed      bool
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

func New(local store.LocalAdapter, remote store.Adapter, monitor *connectivity.Monitor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		local:           local,
		remote:          remote,
		monitor:         monitor,
		log:             zap.NewNop(),
		now:             time.Now,
		drainInterval:   DefaultDrainInterval,
		cleanupInterval: DefaultCleanupInterval,
		state:           RemotePrimary,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.drainInterval <= 0 {
		o.drainInterval = DefaultDrainInterval
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	o.status = newStatusBoard(Status{Online: true, State: RemotePrimary.String()})
	o.metrics.Online.Set(1)
	return o
}

// Start runs the initial reachability probe and starts the background timers.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	if o.started || o.closed {
		o.lifecycle.Unlock()
		return nil
	}
	o.started = true
	o.runCtx, o.cancel = context.WithCancel(ctx)
	runCtx := o.runCtx
	o.unsubscribe = o.monitor.OnChange(func(ev connectivity.Event) {
		o.applyConnectivity(ev.Online, ev.Source)
	})
	o.lifecycle.Unlock()

	if err := o.monitor.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	// The subscription delivers asynchronously; settle the initial state here
	// so the first request after Start is routed correctly.
	o.applyConnectivity(o.monitor.Online(), connectivity.SourceInitial)
	o.refreshStatus(ctx)

	// Writes queued by an earlier run are replayed right away.
	if o.State() == RemotePrimary && o.Status().PendingChanges > 0 {
		o.drainInBackground()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop(runCtx)
	}()
	return nil
}

// Close stops the timers and the monitor and waits for a running drain.
func (o *Orchestrator) Close() error {
	o.lifecycle.Lock()
	if o.closed {
		o.lifecycle.Unlock()
		return nil
	}
	o.closed = true
	unsubscribe, cancel := o.unsubscribe, o.cancel
	o.lifecycle.Unlock()

	// unsubscribe waits for a running callback, which may need lifecycle.
	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}

	o.monitor.Stop()
	o.wg.Wait()
	o.status.closeAll()
	return nil
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// ConnectionStatus reports whether the remote store is currently believed
// reachable.
func (o *Orchestrator) ConnectionStatus() bool {
	return o.State() == RemotePrimary
}

// OnConnectionChange calls fn with the current connection state and then on
// every transition. The returned function unsubscribes.
func (o *Orchestrator) OnConnectionChange(fn func(online bool)) func() {
	return o.monitor.OnChange(func(ev connectivity.Event) {
		fn(ev.Online)
	})
}

// ReportConnectivity feeds a host runtime online/offline event to the
// connectivity monitor.
func (o *Orchestrator) ReportConnectivity(online bool) {
	o.monitor.Report(online, connectivity.SourceRuntime)
}

func (o *Orchestrator) Status() Status {
	return o.status.get()
}

// SubscribeStatus delivers the current status and then every change.
func (o *Orchestrator) SubscribeStatus() (<-chan Status, func()) {
	return o.status.subscribe()
}

func (o *Orchestrator) Create(ctx context.Context, table string, record store.Record) (store.Record, error) {
	var created store.Record
	err := o.run(ctx, "create", table, true, func(exec store.Executor) error {
		var err error
		created, err = exec.Create(ctx, table, record)
		return err
	})
	return created, err
}

func (o *Orchestrator) Read(ctx context.Context, table string, query store.Query) ([]store.Record, error) {
	var records []store.Record
	err := o.run(ctx, "read", table, false, func(exec store.Executor) error {
		var err error
		records, err = exec.Read(ctx, table, query)
		return err
	})
	return records, err
}

func (o *Orchestrator) Update(ctx context.Context, table string, record store.Record, where store.Where) (store.Record, error) {
	var updated store.Record
	err := o.run(ctx, "update", table, true, func(exec store.Executor) error {
		var err error
		updated, err = exec.Update(ctx, table, record, where)
		return err
	})
	return updated, err
}

func (o *Orchestrator) Delete(ctx context.Context, table string, where store.Where) error {
	return o.run(ctx, "delete", table, true, func(exec store.Executor) error {
		return exec.Delete(ctx, table, where)
	})
}

// Transaction runs fn on the current adapter only. A remote storage failure
// demotes but is not retried locally since fn may already have had effects.
func (o *Orchestrator) Transaction(ctx context.Context, fn store.TxFunc) error {
	adapter, remote := o.current()
	err := adapter.Transaction(ctx, fn)
	switch {
	case remote && store.IsStorageError(err):
		o.demoteOnFailure("transaction", "", err)
	case !remote && err == nil:
		o.refreshStatus(ctx)
	}
	return err
}

// SyncNow drains the queue immediately. While offline it probes first and
// returns ErrOffline if the remote store is still unreachable. Once started,
// the drain runs to completion even if ctx is cancelled.
func (o *Orchestrator) SyncNow(ctx context.Context) (store.DrainResult, error) {
	if o.State() == LocalPrimary {
		if !o.monitor.Check(ctx, connectivity.SourceManual) {
			return store.DrainResult{}, ErrOffline
		}
		o.promote(false)
	}
	return o.drain(context.WithoutCancel(ctx))
}

// Cleanup purges old non-pending queue entries.
func (o *Orchestrator) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	removed, err := o.local.Queue().Cleanup(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	o.refreshStatus(ctx)
	return removed, nil
}

func (o *Orchestrator) current() (store.Adapter, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.state == RemotePrimary {
		return o.remote, true
	}
	return o.local, false
}

// run executes call on the current adapter. A remote storage failure demotes
// and the call is retried once on the local adapter.
func (o *Orchestrator) run(ctx context.Context, op, table string, write bool, call func(store.Executor) error) error {
	adapter, remote := o.current()
	err := call(adapter)
	if err == nil {
		if write && !remote {
			o.refreshStatus(ctx)
		}
		return nil
	}
	if !remote || !store.IsStorageError(err) {
		return err
	}

	o.demoteOnFailure(op, table, err)
	if err := call(o.local); err != nil {
		return err
	}
	if write {
		o.refreshStatus(ctx)
	}
	return nil
}

func (o *Orchestrator) demoteOnFailure(op, table string, cause error) {
	if o.demote() {
		o.log.Warn("remote operation failed, switching to local store",
			zap.String("op", op), zap.String("table", table), zap.Error(cause))
	}
	o.monitor.Report(false, connectivity.SourceOperation)
}

func (o *Orchestrator) applyConnectivity(online bool, source connectivity.Source) {
	if online {
		if o.promote(true) {
			o.log.Info("remote store reachable", zap.String("source", string(source)))
		}
		return
	}
	if o.demote() {
		o.log.Info("remote store unreachable", zap.String("source", string(source)))
	}
}

func (o *Orchestrator) demote() bool {
	o.mu.Lock()
	if o.state == LocalPrimary {
		o.mu.Unlock()
		return false
	}
	o.state = LocalPrimary
	o.mu.Unlock()

	o.metrics.Demotions.Inc()
	o.metrics.Online.Set(0)
	o.status.update(func(s *Status) {
		s.Online = false
		s.State = LocalPrimary.String()
	})
	return true
}

// promote switches to the remote store and, if drain is set, replays the
// queue in the background.
func (o *Orchestrator) promote(drain bool) bool {
	o.mu.Lock()
	if o.state == RemotePrimary {
		o.mu.Unlock()
		return false
	}
	o.state = RemotePrimary
	o.mu.Unlock()

	o.metrics.Online.Set(1)
	o.status.update(func(s *Status) {
		s.Online = true
		s.State = RemotePrimary.String()
	})
	if drain {
		o.drainInBackground()
	}
	return true
}

func (o *Orchestrator) drainInBackground() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.closed || o.runCtx == nil {
		return
	}
	// A started drain runs to completion even when Close is called.
	ctx := context.WithoutCancel(o.runCtx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.drain(ctx); err != nil {
			o.log.Error("drain failed", zap.Error(err))
		}
	}()
}

// drain replays the local queue against the remote store. Only one drain
// runs at a time; a concurrent request returns a skipped result.
func (o *Orchestrator) drain(ctx context.Context) (store.DrainResult, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.metrics.Drains.WithLabelValues("skipped").Inc()
		return store.DrainResult{Skipped: true}, nil
	}
	defer o.syncing.Store(false)

	if o.State() != RemotePrimary {
		o.metrics.Drains.WithLabelValues("skipped").Inc()
		return store.DrainResult{Skipped: true}, nil
	}

	o.status.update(func(s *Status) { s.Syncing = true })
	start := time.Now()
	result, err := o.local.Queue().Drain(ctx, func(ctx context.Context, entry store.QueueEntry) error {
		return store.Replay(ctx, o.remote, entry)
	})
	o.metrics.DrainDuration.Observe(float64(time.Since(start).Milliseconds()))
	o.metrics.ReplayFailures.Add(float64(result.Failed))

	finished := o.now()
	o.status.update(func(s *Status) {
		s.Syncing = false
		switch {
		case err != nil:
			s.Error = err.Error()
		case result.Failed > 0:
			s.Error = result.LastError
		default:
			s.Error = ""
			s.LastSynced = &finished
		}
	})
	o.refreshStatus(ctx)

	switch {
	case err != nil:
		o.metrics.Drains.WithLabelValues("failed").Inc()
		return result, fmt.Errorf("failed to drain queue: %w", err)
	case result.Failed > 0:
		o.metrics.Drains.WithLabelValues("partial").Inc()
		o.log.Warn("drain finished with failures",
			zap.Int("attempted", result.Attempted), zap.Int("failed", result.Failed),
			zap.String("lastError", result.LastError))
	default:
		o.metrics.Drains.WithLabelValues("success").Inc()
		if result.Attempted > 0 {
			o.log.Info("drain finished", zap.Int("replayed", result.Succeeded))
		}
	}
	return result, nil
}

func (o *Orchestrator) refreshStatus(ctx context.Context) {
	count, err := o.local.Queue().Count(ctx)
	if err != nil {
		o.log.Error("failed to count pending changes", zap.Error(err))
		return
	}
	o.metrics.QueueDepth.Set(float64(count))
	o.status.update(func(s *Status) { s.PendingChanges = count })
}

func (o *Orchestrator) loop(ctx context.Context) {
	drainTicker := time.NewTicker(o.drainInterval)
	defer drainTicker.Stop()

	var cleanup <-chan time.Time
	if o.cleanupInterval > 0 {
		cleanupTicker := time.NewTicker(o.cleanupInterval)
		defer cleanupTicker.Stop()
		cleanup = cleanupTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-drainTicker.C:
			if o.State() != RemotePrimary {
				continue
			}
			if _, err := o.drain(ctx); err != nil {
				o.log.Error("periodic drain failed", zap.Error(err))
			}
		case <-cleanup:
			removed, err := o.Cleanup(ctx, o.retention)
			if err != nil {
				o.log.Error("queue cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				o.log.Info("queue cleanup", zap.Int64("removed", removed))
			}
		}
	}
}
