package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voltwatch.dev/energy-monitor/internal/broker"
)

// ConnectionManager is the watcher's view of the broker layer.
type ConnectionManager interface {
	Ensure(key broker.Key, auth broker.Auth, routes []broker.Route) error
	Teardown(key broker.Key)
	ActiveKeys() []broker.Key
}

// FallbackBroker is the globally configured broker, used only when no
// active device defines its own broker configuration.
type FallbackBroker struct {
	Host   string
	Port   int
	Prefix string
}

// Watcher periodically reconciles the set of registered devices against the
// live broker connections. This polling pass is the only place device edits
// take effect in the running pipeline; convergence within one interval is
// the accepted staleness bound.
type Watcher struct {
	logger   *slog.Logger
	store    Store
	manager  ConnectionManager
	interval time.Duration
	fallback FallbackBroker
}

// WatcherConfig holds the configuration for the Watcher.
type WatcherConfig struct {
	Logger   *slog.Logger
	Store    Store
	Manager  ConnectionManager
	Interval time.Duration
	Fallback FallbackBroker
}

// DefaultReconcileInterval is the default device reconciliation period.
const DefaultReconcileInterval = 5 * time.Second

// NewWatcher creates a Watcher.
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	if cfg == nil {
		return nil, errors.New("watcher config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Manager == nil {
		return nil, errors.New("manager cannot be nil")
	}

	w := &Watcher{
		logger:   cfg.Logger,
		store:    cfg.Store,
		manager:  cfg.Manager,
		interval: cfg.Interval,
		fallback: cfg.Fallback,
	}
	if w.interval <= 0 {
		w.interval = DefaultReconcileInterval
	}
	return w, nil
}

// Run reconciles immediately and then on every tick until the context is
// canceled. It returns once no further ticks will be scheduled, so the
// caller can tear connections down afterwards.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("device configuration watcher started", "interval", w.interval)

	if err := w.Reconcile(ctx); err != nil {
		w.logger.Error("reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("device configuration watcher stopped")
			return
		case <-ticker.C:
			if err := w.Reconcile(ctx); err != nil {
				w.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// desiredConnection is one broker connection the device set implies.
type desiredConnection struct {
	auth   broker.Auth
	routes []broker.Route
}

// Reconcile aligns the live connection set with the current device
// configuration: ensure a connection per desired broker key, tear down
// connections no device references anymore.
func (w *Watcher) Reconcile(ctx context.Context) error {
	desired, err := w.desiredConnections(ctx)
	if err != nil {
		return err
	}

	for key, conn := range desired {
		if err := w.manager.Ensure(key, conn.auth, conn.routes); err != nil {
			// One broker's failure must not affect the others.
			w.logger.Error("failed to ensure broker connection",
				"broker", key.String(),
				"error", err,
			)
		}
	}

	for _, key := range w.manager.ActiveKeys() {
		if _, ok := desired[key]; !ok {
			w.manager.Teardown(key)
		}
	}
	return nil
}

// desiredConnections groups active devices by broker key. Devices carrying
// their own broker configuration take precedence; the fallback broker is
// used only when no device defines one.
func (w *Watcher) desiredConnections(ctx context.Context) (map[broker.Key]desiredConnection, error) {
	devices, err := w.store.ListActiveDevicesWithBrokerConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices with broker config: %w", err)
	}

	desired := make(map[broker.Key]desiredConnection)

	if len(devices) == 0 {
		if w.fallback.Host == "" {
			return desired, nil
		}
		all, err := w.store.ListActiveDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active devices: %w", err)
		}
		if len(all) == 0 {
			return desired, nil
		}

		key := broker.Key{Host: w.fallback.Host, Port: w.fallback.Port}
		conn := desiredConnection{}
		for _, device := range all {
			conn.routes = append(conn.routes, w.routeFor(device))
		}
		desired[key] = conn
		return desired, nil
	}

	for _, device := range devices {
		key := broker.Key{
			Host:     device.BrokerHost,
			Port:     device.BrokerPort,
			TLS:      device.UseTLS,
			Username: device.Username,
		}
		if key.Port <= 0 {
			key.Port = 1883
		}

		conn := desired[key]
		if device.Username != "" {
			conn.auth.Password = device.Password
		}
		if device.TLSCACerts != "" {
			conn.auth.TLSCACerts = device.TLSCACerts
		}
		conn.routes = append(conn.routes, w.routeFor(device))
		desired[key] = conn
	}
	return desired, nil
}

// routeFor derives the subscription topic for a device: its explicit
// pattern when set, otherwise <prefix>/<hardwareAddress> using the device's
// prefix or the global one.
func (w *Watcher) routeFor(device Device) broker.Route {
	route := broker.Route{
		DeviceID:        device.ID,
		HardwareAddress: device.HardwareAddress,
		TopicPattern:    device.TopicPattern,
	}
	if device.TopicPattern != "" {
		route.Topic = device.TopicPattern
		return route
	}

	prefix := device.TopicPrefix
	if prefix == "" {
		prefix = w.fallback.Prefix
	}
	if prefix == "" {
		route.Topic = device.HardwareAddress
		return route
	}
	route.Topic = prefix + "/" + device.HardwareAddress
	return route
}
