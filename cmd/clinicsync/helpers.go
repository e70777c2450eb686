package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/equidade/clinicsync"
)

// openRuntime loads the config and initializes a runtime. Callers must Close it.
func openRuntime(ctx context.Context) (*clinicsync.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	rt, err := clinicsync.New(cfg, clinicsync.WithLogger(newLogger()))
	if err != nil {
		return nil, err
	}
	if err := rt.Init(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// requireServer fails when no base URL is configured.
func requireServer(rt *clinicsync.Runtime) error {
	if rt.Config.Server.BaseURL == "" {
		return fmt.Errorf("no server configured. Run 'clinicsync init <base-url>' first")
	}
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type runtimeRouter struct {
	*clinicsync.Router
	ttl time.Duration
}

// withRouter runs fn against the configured router.
func withRouter(fn func(ctx context.Context, r *runtimeRouter) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := requireServer(rt); err != nil {
		return err
	}
	return fn(ctx, &runtimeRouter{Router: rt.Router, ttl: rt.Config.Store.CacheTTL.Std()})
}
