package connectivity

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	online atomic.Bool
	calls  atomic.Int32
}

func newFakeProber(online bool) *fakeProber {
	p := &fakeProber{}
	p.online.Store(online)
	return p
}

func (p *fakeProber) Probe(context.Context) bool {
	p.calls.Add(1)
	return p.online.Load()
}

func receive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "channel closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func requireNoEvent(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case event := <-events:
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInitialProbeOffline(t *testing.T) {
	prober := newFakeProber(false)
	monitor := NewMonitor(prober, Config{ProbeInterval: time.Hour}, nil)

	events, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	require.True(t, receive(t, events).Online, "state is optimistic before start")

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	event := receive(t, events)
	require.False(t, event.Online)
	require.Equal(t, SourceInitial, event.Source)
	require.False(t, monitor.Online())
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	monitor := NewMonitor(newFakeProber(false), Config{ProbeInterval: time.Hour}, nil)
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	events, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	event := receive(t, events)
	require.False(t, event.Online)
	require.Equal(t, SourceInitial, event.Source)
}

func TestTransitionsAreDeduplicated(t *testing.T) {
	monitor := NewMonitor(newFakeProber(true), Config{ProbeInterval: time.Hour}, nil)
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	events, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	receive(t, events)

	monitor.Report(true, SourceRuntime)
	requireNoEvent(t, events)

	monitor.Report(false, SourceRuntime)
	monitor.Report(false, SourceOperation)
	event := receive(t, events)
	require.False(t, event.Online)
	require.Equal(t, SourceRuntime, event.Source)
	requireNoEvent(t, events)

	monitor.Report(true, SourceRuntime)
	require.True(t, receive(t, events).Online)
}

func TestPeriodicProbeDetectsSilentFailure(t *testing.T) {
	prober := newFakeProber(true)
	monitor := NewMonitor(prober, Config{ProbeInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	events, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	receive(t, events)

	prober.online.Store(false)
	event := receive(t, events)
	require.False(t, event.Online)
	require.Equal(t, SourceProbe, event.Source)
}

func TestNoProbeWhileOfflineWithoutRecovery(t *testing.T) {
	prober := newFakeProber(false)
	monitor := NewMonitor(prober, Config{ProbeInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	calls := prober.calls.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, calls, prober.calls.Load(), "no periodic probe while believed offline")
}

func TestRecoveryProbe(t *testing.T) {
	prober := newFakeProber(false)
	monitor := NewMonitor(prober, Config{ProbeInterval: time.Hour, RecoveryInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()
	require.False(t, monitor.Online())

	prober.online.Store(true)
	require.Eventually(t, monitor.Online, 2*time.Second, 10*time.Millisecond)
}

func TestNetworkEventTriggersProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 127.0.0.1\n"), 0o644))

	prober := newFakeProber(false)
	monitor := NewMonitor(prober, Config{ProbeInterval: time.Hour, WatchPaths: []string{path}}, nil)
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()
	require.False(t, monitor.Online())

	prober.online.Store(true)
	require.NoError(t, os.WriteFile(path, []byte("nameserver 10.0.0.1\n"), 0o644))
	require.Eventually(t, monitor.Online, 3*time.Second, 20*time.Millisecond)
}

func TestOnChange(t *testing.T) {
	monitor := NewMonitor(newFakeProber(true), Config{ProbeInterval: time.Hour}, nil)
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	received := make(chan Event, 4)
	stop := monitor.OnChange(func(event Event) { received <- event })
	require.True(t, receive(t, received).Online)

	monitor.Report(false, SourceRuntime)
	require.False(t, receive(t, received).Online)

	stop()
	monitor.Report(true, SourceRuntime)
	requireNoEvent(t, received)
}

func TestStopClosesSubscriptions(t *testing.T) {
	monitor := NewMonitor(newFakeProber(true), Config{ProbeInterval: time.Hour}, nil)
	require.NoError(t, monitor.Start(context.Background()))

	events, _ := monitor.Subscribe()
	receive(t, events)
	monitor.Stop()

	_, ok := <-events
	require.False(t, ok)
	monitor.Stop()
}
