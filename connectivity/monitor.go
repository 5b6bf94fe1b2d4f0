// Package connectivity tracks whether the remote store is reachable and
// publishes online/offline transitions.
package connectivity

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultProbeInterval = 30 * time.Second

	networkDebounce = 500 * time.Millisecond
	subscriberQueue = 16
)

// Source identifies what produced a connectivity event.
type Source string

const (
	SourceInitial   Source = "initial"
	SourceProbe     Source = "probe"
	SourceNetwork   Source = "network"
	SourceRuntime   Source = "runtime"
	SourceOperation Source = "operation"
	SourceManual    Source = "manual"
)

type Event struct {
	Online bool
	Source Source
	At     time.Time
}

// Prober checks reachability of the remote store right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

type Config struct {
	// ProbeInterval is how often reachability is checked while online.
	ProbeInterval time.Duration
	// RecoveryInterval is how often reachability is checked while offline.
	// Zero disables it: only network or runtime events bring the monitor back.
	RecoveryInterval time.Duration
	// WatchPaths are files whose changes signal a network change.
	WatchPaths []string
}

type subscription struct {
	id     int64
	events chan Event
}

// Monitor merges OS network events, host runtime events and a periodic probe
// into one believed state. Subscribers only see real transitions, plus the
// current state when they subscribe.
type Monitor struct {
	prober Prober
	config Config
	log    *zap.Logger

	mu      sync.Mutex
	online  bool
	since   time.Time
	nextID  int64
	subs    map[int64]*subscription
	running bool
	stopped bool

	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher
}

func NewMonitor(prober Prober, config Config, logger *zap.Logger) *Monitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober: prober,
		config: config,
		log:    logger.Named("connectivity"),
		online: true,
		since:  time.Now(),
		subs:   make(map[int64]*subscription),
		wake:   make(chan struct{}, 1),
	}
}

// Start runs the initial probe and the background sources. It returns once
// the initial state is known.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.set(m.prober.Probe(ctx), SourceInitial)

	if len(m.config.WatchPaths) > 0 {
		if err := m.watch(ctx); err != nil {
			m.log.Warn("network events unavailable", zap.Error(err))
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probeLoop(ctx)
	}()
	return nil
}

// Stop ends all sources and closes every subscription channel.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	watcher := m.watcher
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		close(sub.events)
		delete(m.subs, id)
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Report feeds an external observation: a host runtime event or a failed
// remote operation.
func (m *Monitor) Report(online bool, source Source) {
	m.set(online, source)
}

// Check probes now and applies the result.
func (m *Monitor) Check(ctx context.Context, source Source) bool {
	online := m.prober.Probe(ctx)
	m.set(online, source)
	return online
}

// Subscribe returns a channel that first receives the current state and then
// every transition. The channel is closed by unsubscribe or Stop.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &subscription{id: m.nextID, events: make(chan Event, subscriberQueue)}
	sub.events <- Event{Online: m.online, Source: SourceInitial, At: m.since}
	if m.stopped {
		close(sub.events)
		return sub.events, func() {}
	}
	m.subs[sub.id] = sub

	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if s, ok := m.subs[sub.id]; ok {
				close(s.events)
				delete(m.subs, sub.id)
			}
		})
	}
}

// OnChange calls fn with the current state and then on every transition,
// from a dedicated goroutine, until the returned function is called.
func (m *Monitor) OnChange(fn func(Event)) func() {
	events, unsubscribe := m.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			fn(event)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func (m *Monitor) set(online bool, source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.since = time.Now()
	event := Event{Online: online, Source: source, At: m.since}
	m.log.Info("connectivity changed", zap.Bool("online", online), zap.String("source", string(source)))

	for _, sub := range m.subs {
		publish(sub.events, event)
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// publish never blocks: a subscriber that falls behind loses its oldest
// events, never the newest state.
func publish(ch chan Event, event Event) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (m *Monitor) probeLoop(ctx context.Context) {
	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-timer.C:
			if m.Online() || m.config.RecoveryInterval > 0 {
				m.Check(ctx, SourceProbe)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.nextInterval())
	}
}

func (m *Monitor) nextInterval() time.Duration {
	if m.Online() || m.config.RecoveryInterval <= 0 {
		return m.config.ProbeInterval
	}
	return m.config.RecoveryInterval
}

// watch treats changes to the watched files (resolv.conf, network manager
// state) as OS network events. Parent directories are watched because these
// files are usually replaced, not written in place.
func (m *Monitor) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	targets := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, path := range m.config.WatchPaths {
		clean := filepath.Clean(path)
		targets[clean] = struct{}{}
		dirs[filepath.Dir(clean)] = struct{}{}
	}
	watching := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			m.log.Warn("failed to watch network path", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watching++
	}
	if watching == 0 {
		watcher.Close()
		return nil
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, ok := targets[filepath.Clean(event.Name)]; ok {
					debounce = time.After(networkDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Warn("network watcher error", zap.Error(err))
			case <-debounce:
				debounce = nil
				m.Check(ctx, SourceNetwork)
			}
		}
	}()
	return nil
}
