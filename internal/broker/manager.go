package broker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"voltwatch.dev/energy-monitor/pkg/metrics"
)

// Defaults for the connection manager. Overridable through ManagerConfig.
const (
	DefaultQueueSize      = 256
	DefaultConnectTimeout = 10 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = time.Minute
)

// Manager owns the broker-key to connection mapping, the only state shared
// across worker units. All mutation goes through Ensure and Teardown and is
// serialized by a single mutex.
type Manager struct {
	logger  *slog.Logger
	handler Handler
	metrics *metrics.BrokerMetrics
	dial    Dialer

	queueSize      int
	connectTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu    sync.Mutex
	conns map[Key]*connection
}

// ManagerConfig holds the configuration for the Manager.
type ManagerConfig struct {
	Logger  *slog.Logger
	Handler Handler
	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.BrokerMetrics
	// Dial overrides how MQTT clients are constructed. Defaults to paho's
	// NewClient; tests inject fakes here.
	Dial Dialer

	QueueSize      int
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NewManager creates a connection manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("manager config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	dial := cfg.Dial
	if dial == nil {
		dial = func(opts *mqtt.ClientOptions) mqtt.Client {
			return mqtt.NewClient(opts)
		}
	}

	m := &Manager{
		logger:         cfg.Logger,
		handler:        cfg.Handler,
		metrics:        cfg.Metrics,
		dial:           dial,
		queueSize:      cfg.QueueSize,
		connectTimeout: cfg.ConnectTimeout,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		conns:          make(map[Key]*connection),
	}
	if m.queueSize <= 0 {
		m.queueSize = DefaultQueueSize
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.initialBackoff <= 0 {
		m.initialBackoff = DefaultInitialBackoff
	}
	if m.maxBackoff < m.initialBackoff {
		m.maxBackoff = DefaultMaxBackoff
	}
	return m, nil
}

// Ensure idempotently brings a connection for key towards Active with
// exactly the subscriptions implied by routes. An existing connection with
// an unchanged route set is left untouched.
func (m *Manager) Ensure(key Key, auth Auth, routes []Route) error {
	m.mu.Lock()
	conn, ok := m.conns[key]
	if !ok {
		conn = newConnection(connectionConfig{
			Key:            key,
			Auth:           auth,
			Routes:         routes,
			Logger:         m.logger,
			Handler:        m.handler,
			Metrics:        m.metrics,
			Dial:           m.dial,
			QueueSize:      m.queueSize,
			ConnectTimeout: m.connectTimeout,
			InitialBackoff: m.initialBackoff,
			MaxBackoff:     m.maxBackoff,
		})
		m.conns[key] = conn
		m.mu.Unlock()
		m.logger.Info("broker connection created",
			"broker", key.String(),
			"topics", len(routes),
		)
		return nil
	}
	m.mu.Unlock()

	// Credential edits land on the next connect attempt; route edits on the
	// live session.
	conn.setAuth(auth)
	return conn.updateRoutes(routes)
}

// Teardown gracefully closes the connection for key. Closing a key with no
// connection is a no-op.
func (m *Manager) Teardown(key Key) {
	m.mu.Lock()
	conn, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.logger.Info("tearing down broker connection", "broker", key.String())
	conn.close()
}

// ActiveKeys returns the keys of all managed connections, sorted for stable
// reconciliation and logging.
func (m *Manager) ActiveKeys() []Key {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.conns))
	for key := range m.conns {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Host != keys[j].Host {
			return keys[i].Host < keys[j].Host
		}
		if keys[i].Port != keys[j].Port {
			return keys[i].Port < keys[j].Port
		}
		return keys[i].Username < keys[j].Username
	})
	return keys
}

// ConnectionState reports the lifecycle state of one connection.
func (m *Manager) ConnectionState(key Key) (State, bool) {
	m.mu.Lock()
	conn, ok := m.conns[key]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected, false
	}
	return conn.State(), true
}

// Close tears down every connection. Called once at shutdown, after the
// watcher has stopped scheduling reconciliations.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for key, conn := range m.conns {
		conns = append(conns, conn)
		delete(m.conns, key)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	m.logger.Info("all broker connections closed")
}
