package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Runtime constructs and wires every component with an explicit
// lifecycle: New, Init at process start, Close at shutdown.
type Runtime struct {
	Config      *Config
	Store       *Store
	Client      *Client
	Events      *Emitter
	Queue       *Queue
	Coordinator *Coordinator
	Monitor     *Monitor
	Background  *BackgroundSync
	// Router is nil when no server base URL is configured.
	Router *Router
	// Channel and Outbox are nil when no realtime endpoint can be derived.
	Channel *Channel
	Outbox  *Outbox

	log *slog.Logger
}

// New builds a runtime from cfg. Nothing touches the network until Init
// or an explicit call.
func New(cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Defaults()
	o := buildOptions(opts)

	var backend Backend
	if cfg.Store.Path != "" {
		b, err := OpenSQLite(cfg.Store.Path, cfg.Store.QuotaBytes)
		if err != nil {
			return nil, err
		}
		backend = b
	} else {
		backend = NewMemoryBackend(cfg.Store.QuotaBytes)
	}

	rt := &Runtime{Config: cfg, log: o.logger}
	rt.Store = NewStore(backend, cfg.Store.CacheTTL.Std(), opts...)
	rt.Client = NewClient(WithBaseURL(cfg.Server.BaseURL), WithToken(cfg.Server.Token))
	rt.Events = newEmitter(o.logger)
	rt.Queue = NewQueue(rt.Store, rt.Events, cfg.Sync.MaxRetries, opts...)
	rt.Coordinator = NewCoordinator(rt.Client, rt.Store, rt.Queue, cfg.Sync, opts...)
	rt.Monitor = NewMonitor(true, rt.Events, opts...)
	rt.Coordinator.SetConnectivity(rt.Monitor)
	rt.Coordinator.SetReporter(rt.Monitor)
	if cfg.Server.BaseURL != "" {
		rt.Monitor.SetPinger(rt.Client.Ping)
	}
	rt.Background = NewBackgroundSync(rt.Coordinator, rt.Monitor, opts...)

	if cfg.Server.BaseURL != "" {
		router, err := NewRouter(rt.Store, cfg.Server.BaseURL, cfg.Cache, http.DefaultTransport, opts...)
		if err != nil {
			backend.Close()
			return nil, err
		}
		rt.Router = router
		rt.Coordinator.SetInvalidator(router)
		router.SetReporter(rt.Monitor)
	}

	var connector Connector
	if ws := cfg.Server.WebSocketURL(); cfg.Server.WSURL != "" || cfg.Server.BaseURL != "" {
		rt.Channel = NewChannel(ws, cfg.Server.Token, cfg.Realtime, opts...)
		rt.Outbox = NewOutbox(rt.Channel, rt.Store, opts...)
		// An open socket proves the server is reachable.
		rt.Channel.OnState(func(s ChannelState) {
			if s == StateOpen {
				rt.Monitor.SetOnline(true)
			}
		})
		connector = rt.Channel
	}
	rt.Monitor.Bind(rt.Coordinator, connector)
	return rt, nil
}

// Init prepares the store and registers the background replay tag.
func (rt *Runtime) Init(ctx context.Context) error {
	if err := rt.Store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	rt.Background.Register(SyncTag)
	pending, err := rt.Queue.Len(ctx)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	rt.log.Debug("runtime initialized", "pending", pending, "generation", rt.Config.Cache.Generation)
	return nil
}

// WatchConnectivity pings the server while offline until ctx is done.
// Recovery then runs through the monitor: one drain and a reconnect.
func (rt *Runtime) WatchConnectivity(ctx context.Context) {
	rt.Monitor.Watch(ctx, rt.Config.Sync.PingInterval.Std())
}

// Close stops the channel, waits for triggered work and closes the store.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Channel != nil {
		errs = append(errs, rt.Channel.Close())
	}
	rt.Monitor.Wait()
	rt.Events.removeAll()
	errs = append(errs, rt.Store.Close())
	return errors.Join(errs...)
}
