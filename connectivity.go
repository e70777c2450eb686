package clinicsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// NetworkInfo carries optional network-quality hints.
type NetworkInfo struct {
	Type          string  `json:"type,omitempty"`
	EffectiveType string  `json:"effectiveType,omitempty"`
	SaveData      bool    `json:"saveData,omitempty"`
	Downlink      float64 `json:"downlink,omitempty"`
}

// IsLowBandwidth reports slow effective connection types.
func (n NetworkInfo) IsLowBandwidth() bool {
	switch n.EffectiveType {
	case "slow-2g", "2g", "3g":
		return true
	}
	return false
}

// Drainer runs one replay pass of the pending-operation queue.
type Drainer interface {
	DrainOnce(ctx context.Context) (DrainResult, error)
}

// Connector is the part of the realtime channel the monitor drives.
type Connector interface {
	State() ChannelState
	Connect()
}

// NetworkReporter receives the outcome of each round trip to the server.
type NetworkReporter interface {
	Report(err error)
}

// Monitor is the Connectivity Monitor. It turns online and visibility
// transitions into exactly one drain and, when the channel is not open,
// one connect. It never retries or schedules on its own.
type Monitor struct {
	events *Emitter
	log    *slog.Logger

	mu        sync.Mutex
	online    bool
	visible   bool
	info      NetworkInfo
	drainer   Drainer
	connector Connector
	ping      func(context.Context) error
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor with an initial online state. The
// application starts visible.
func NewMonitor(online bool, events *Emitter, opts ...Option) *Monitor {
	o := buildOptions(opts)
	if events == nil {
		events = newEmitter(o.logger)
	}
	return &Monitor{online: online, visible: true, events: events, log: o.logger}
}

// Bind attaches the components triggered on recovery. Either may be nil.
func (m *Monitor) Bind(d Drainer, c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainer = d
	m.connector = c
}

// IsOnline implements Connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Visible reports the last known foreground state.
func (m *Monitor) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// NetworkInfo returns the last reported network hints.
func (m *Monitor) NetworkInfo() NetworkInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// SetNetworkInfo records new network hints.
func (m *Monitor) SetNetworkInfo(info NetworkInfo) {
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
	if info.IsLowBandwidth() {
		m.log.Info("low bandwidth connection", "effectiveType", info.EffectiveType, "saveData", info.SaveData)
	}
}

// SetOnline records the network state. Going from offline to online
// triggers recovery in the background.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if !online {
		m.log.Info("network offline")
		m.events.emit(EventNetworkOffline, nil)
		return
	}
	m.log.Info("network online")
	m.events.emit(EventNetworkOnline, nil)
	m.goTrigger()
}

// Report turns a round-trip outcome into a connectivity signal. A
// transport failure marks the network offline; any server response,
// including an application error, marks it online. Cancelled requests
// say nothing about the network and are ignored.
func (m *Monitor) Report(err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	if err != nil && IsNetworkError(err) {
		m.SetOnline(false)
		return
	}
	m.SetOnline(true)
}

// SetPinger sets the reachability check used by Check and Watch.
func (m *Monitor) SetPinger(ping func(context.Context) error) {
	m.mu.Lock()
	m.ping = ping
	m.mu.Unlock()
}

// Check pings the server once while offline and reports the result.
// It returns the resulting online state.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	ping, online := m.ping, m.online
	m.mu.Unlock()
	if online || ping == nil {
		return online
	}
	m.Report(ping(ctx))
	return m.IsOnline()
}

// Watch runs Check every interval until ctx is done. Nothing is pinged
// while the network is believed online.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			m.Check(pctx)
			cancel()
		}
	}
}

// SetVisible records foreground visibility. Regaining the foreground
// while online with the channel not open triggers recovery.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	was := m.visible
	m.visible = visible
	online := m.online
	conn := m.connector
	m.mu.Unlock()

	if !visible || was || !online {
		return
	}
	if conn != nil && conn.State() == StateOpen {
		return
	}
	m.goTrigger()
}

func (m *Monitor) goTrigger() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		m.Trigger(ctx)
	}()
}

// Trigger runs one drain and connects the channel if it is not open.
func (m *Monitor) Trigger(ctx context.Context) {
	m.mu.Lock()
	d, c := m.drainer, m.connector
	m.mu.Unlock()

	if c != nil && c.State() != StateOpen {
		c.Connect()
	}
	if d == nil {
		return
	}
	res, err := d.DrainOnce(ctx)
	if err != nil {
		m.log.Warn("recovery drain failed", "err", err)
		return
	}
	m.log.Debug("recovery drain finished", "synced", res.Synced, "failed", res.Failed)
}

// Wait blocks until background triggers have finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
