package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	mu       sync.Mutex
	state    ChannelState
	connects int
}

func (f *fakeConnector) State() ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnector) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.state = StateConnecting
}

func (f *fakeConnector) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newTestMonitor(online bool) (*Monitor, *fakeDrainer, *fakeConnector, *eventLog) {
	events := newEmitter(buildOptions(nil).logger)
	log := recordEvents(events, EventNetworkOnline, EventNetworkOffline)
	m := NewMonitor(online, events)
	d := &fakeDrainer{}
	c := &fakeConnector{state: StateClosed}
	m.Bind(d, c)
	return m, d, c, log
}

func TestMonitorOnlineTriggersOnce(t *testing.T) {
	m, d, c, log := newTestMonitor(false)
	assert.False(t, m.IsOnline())

	m.SetOnline(true)
	m.SetOnline(true)
	m.Wait()

	assert.True(t, m.IsOnline())
	assert.EqualValues(t, 1, d.calls.Load())
	assert.Equal(t, 1, c.Connects())
	assert.Equal(t, 1, log.count(EventNetworkOnline))
}

func TestMonitorOfflineDoesNotTrigger(t *testing.T) {
	m, d, c, log := newTestMonitor(true)

	m.SetOnline(false)
	m.Wait()

	assert.Zero(t, d.calls.Load())
	assert.Zero(t, c.Connects())
	assert.Equal(t, 1, log.count(EventNetworkOffline))
}

func TestMonitorSkipsConnectWhenOpen(t *testing.T) {
	m, d, c, _ := newTestMonitor(false)
	c.state = StateOpen

	m.SetOnline(true)
	m.Wait()

	assert.EqualValues(t, 1, d.calls.Load())
	assert.Zero(t, c.Connects())
}

func TestMonitorVisibility(t *testing.T) {
	t.Run("regaining foreground while online", func(t *testing.T) {
		m, d, c, _ := newTestMonitor(true)
		m.SetVisible(false)
		m.SetVisible(true)
		m.Wait()
		assert.True(t, m.Visible())
		assert.EqualValues(t, 1, d.calls.Load())
		assert.Equal(t, 1, c.Connects())
	})

	t.Run("already visible", func(t *testing.T) {
		m, d, _, _ := newTestMonitor(true)
		m.SetVisible(true)
		m.Wait()
		assert.Zero(t, d.calls.Load())
	})

	t.Run("offline", func(t *testing.T) {
		m, d, _, _ := newTestMonitor(false)
		m.SetVisible(false)
		m.SetVisible(true)
		m.Wait()
		assert.Zero(t, d.calls.Load())
	})

	t.Run("channel already open", func(t *testing.T) {
		m, d, c, _ := newTestMonitor(true)
		c.state = StateOpen
		m.SetVisible(false)
		m.SetVisible(true)
		m.Wait()
		assert.Zero(t, d.calls.Load())
	})
}

func TestMonitorNetworkInfo(t *testing.T) {
	m, _, _, _ := newTestMonitor(true)
	m.SetNetworkInfo(NetworkInfo{Type: "cellular", EffectiveType: "2g", SaveData: true})
	assert.True(t, m.NetworkInfo().IsLowBandwidth())
	assert.False(t, NetworkInfo{EffectiveType: "4g"}.IsLowBandwidth())
}

// The monitor drives a real coordinator: reconnecting replays the queue.
func TestMonitorDrivesCoordinator(t *testing.T) {
	f := newSyncFixture(t)
	m := NewMonitor(false, f.events)
	f.coord.SetConnectivity(m)
	m.Bind(f.coord, nil)

	_, err := f.coord.Mutate(t.Context(), MutationRequest{Operation: OpCreate, EntityType: "patient", Payload: map[string]any{"name": "Ana"}})
	require.NoError(t, err)
	assert.Empty(t, f.api.Calls())

	m.SetOnline(true)
	m.Wait()
	require.Eventually(t, func() bool { return len(f.api.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, f.pending(t))
}

func TestMonitorReport(t *testing.T) {
	m, d, _, _ := newTestMonitor(true)
	netErr := &NetworkError{Op: "POST", URL: "/api/patients", Err: errors.New("connection refused")}

	m.Report(netErr)
	assert.False(t, m.IsOnline())

	m.Report(&NetworkError{Op: "GET", URL: "/api/user", Err: fmt.Errorf("dial: %w", context.Canceled)})
	assert.False(t, m.IsOnline(), "cancelled requests say nothing about the network")

	m.Report(&APIError{Status: 503})
	m.Wait()
	assert.True(t, m.IsOnline(), "any server answer proves reachability")
	assert.EqualValues(t, 1, d.calls.Load())
}

func TestMonitorCheckPingsOnlyWhileOffline(t *testing.T) {
	m, d, c, _ := newTestMonitor(false)
	var pings atomic.Int32
	var reachable atomic.Bool
	m.SetPinger(func(context.Context) error {
		pings.Add(1)
		if reachable.Load() {
			return nil
		}
		return &NetworkError{Op: "HEAD", URL: "/", Err: errors.New("no route to host")}
	})
	ctx := context.Background()

	assert.False(t, m.Check(ctx))
	reachable.Store(true)
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Check(ctx))
	m.Wait()

	assert.EqualValues(t, 2, pings.Load())
	assert.EqualValues(t, 1, d.calls.Load())
	assert.Equal(t, 1, c.Connects())
}

func TestMonitorWatch(t *testing.T) {
	m, d, _, _ := newTestMonitor(false)
	m.SetPinger(func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, m.IsOnline, 2*time.Second, time.Millisecond)
	cancel()
	<-done
	m.Wait()
	assert.EqualValues(t, 1, d.calls.Load())
}
