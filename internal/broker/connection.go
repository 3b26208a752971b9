package broker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"voltwatch.dev/energy-monitor/pkg/metrics"
)

// Dialer constructs an MQTT client from prepared options. Injectable so
// tests can substitute a fake client.
type Dialer func(opts *mqtt.ClientOptions) mqtt.Client

const (
	// Grace period for the broker to process an in-flight DISCONNECT.
	disconnectQuiesceMS = 250

	subscribeQoS = 0
)

var errConnectTimeout = errors.New("broker connect timed out")

// connection is one live broker session. It owns a reconnect loop with
// capped exponential backoff and a single worker draining the bounded
// inbound queue, so one slow persistence call never stalls the network loop.
type connection struct {
	key     Key
	logger  *slog.Logger
	handler Handler
	metrics *metrics.BrokerMetrics
	dial    Dialer

	connectTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	state atomic.Int32

	mu         sync.Mutex
	auth       Auth
	routes     map[string]Route // keyed by topic
	subscribed map[string]struct{}
	client     mqtt.Client

	inbound    chan Message
	connLost   chan error
	done       chan struct{}
	loopDone   chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
}

type connectionConfig struct {
	Key            Key
	Auth           Auth
	Routes         []Route
	Logger         *slog.Logger
	Handler        Handler
	Metrics        *metrics.BrokerMetrics
	Dial           Dialer
	QueueSize      int
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func newConnection(cfg connectionConfig) *connection {
	c := &connection{
		key:            cfg.Key,
		auth:           cfg.Auth,
		logger:         cfg.Logger.With("broker", cfg.Key.String()),
		handler:        cfg.Handler,
		metrics:        cfg.Metrics,
		dial:           cfg.Dial,
		connectTimeout: cfg.ConnectTimeout,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		routes:         make(map[string]Route, len(cfg.Routes)),
		inbound:        make(chan Message, cfg.QueueSize),
		connLost:       make(chan error, 1),
		done:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		workerDone:     make(chan struct{}),
	}
	for _, r := range cfg.Routes {
		c.routes[r.Topic] = r
	}
	go c.run()
	go c.worker()
	return c
}

// State reports the current lifecycle state.
func (c *connection) State() State {
	return State(c.state.Load())
}

func (c *connection) setState(s State) {
	c.state.Store(int32(s))
}

// run is the reconnect loop: Connecting -> Connected -> Subscribing ->
// Active, then wait for either a lost connection (back to Connecting after
// backoff) or teardown. Backoff doubles up to the cap and resets to the
// initial interval once Active is reached.
func (c *connection) run() {
	defer close(c.loopDone)

	backoff := c.initialBackoff
	for {
		select {
		case <-c.done:
			c.setState(StateDisconnected)
			return
		default:
		}

		c.setState(StateConnecting)
		if c.metrics != nil {
			c.metrics.ReconnectAttempts.WithLabelValues(c.key.String()).Inc()
		}

		client, err := c.connect()
		if err != nil {
			reason := classifyConnectError(err)
			c.logger.Error("failed to connect to broker", "reason", reason, "error", err)
			if c.metrics != nil {
				c.metrics.ConnectFailures.WithLabelValues(c.key.String(), reason).Inc()
			}
			c.setState(StateDisconnected)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}
		c.setState(StateConnected)

		c.setState(StateSubscribing)
		if err := c.subscribeAll(client); err != nil {
			c.logger.Error("failed to subscribe", "error", err)
			client.Disconnect(disconnectQuiesceMS)
			c.setState(StateDisconnected)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}

		c.mu.Lock()
		c.client = client
		c.mu.Unlock()

		// Discard a lost-connection event left over from a previous session.
		select {
		case <-c.connLost:
		default:
		}

		c.setState(StateActive)
		backoff = c.initialBackoff
		c.logger.Info("broker connection active", "topics", c.topicCount())
		if c.metrics != nil {
			c.metrics.ConnectionStatus.WithLabelValues(c.key.String()).Set(1)
		}

		// The route set may have changed while the session was still being
		// established; those updates could not subscribe yet.
		if err := c.applyRoutes(client); err != nil {
			c.logger.Error("failed to update subscriptions", "error", err)
		}

		select {
		case <-c.done:
			c.shutdown(client)
			return
		case err := <-c.connLost:
			c.logger.Warn("broker connection lost, reconnecting", "error", err)
			if c.metrics != nil {
				c.metrics.ConnectionStatus.WithLabelValues(c.key.String()).Set(0)
			}
			c.mu.Lock()
			c.client = nil
			c.subscribed = nil
			c.mu.Unlock()
			c.setState(StateReconnecting)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
		}
	}
}

// worker drains the inbound queue sequentially, preserving the wire order of
// messages on this connection.
func (c *connection) worker() {
	defer close(c.workerDone)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inbound:
			c.handler.HandleMessage(msg)
		}
	}
}

// setAuth replaces the connection credentials. The next connect attempt
// picks them up; an established session is left alone.
func (c *connection) setAuth(auth Auth) {
	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()
}

// connect builds the MQTT client options and establishes the session.
func (c *connection) connect() (mqtt.Client, error) {
	c.mu.Lock()
	auth := c.auth
	c.mu.Unlock()

	opts := mqtt.NewClientOptions()

	scheme := "tcp"
	if c.key.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.key.Host, c.key.Port))
	opts.SetClientID(clientID())
	opts.SetCleanSession(true)
	// The reconnect loop owns retry and backoff; paho's auto-reconnect
	// would race it.
	opts.SetAutoReconnect(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(c.connectTimeout)

	if c.key.Username != "" {
		opts.SetUsername(c.key.Username)
		opts.SetPassword(auth.Password)
	}

	if c.key.TLS {
		tlsCfg, err := NewTLSConfig(auth.TLSCACerts)
		if err != nil {
			return nil, fmt.Errorf("tls configuration: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case c.connLost <- err:
		default:
		}
	})

	client := c.dial(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.connectTimeout) {
		client.Disconnect(0)
		return nil, errConnectTimeout
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

// subscribeAll subscribes the current route set on a fresh session and
// records what the session actually subscribed.
func (c *connection) subscribeAll(client mqtt.Client) error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.routes))
	for topic := range c.routes {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	subscribed := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		token := client.Subscribe(topic, subscribeQoS, c.onMessage)
		if !token.WaitTimeout(c.connectTimeout) {
			return fmt.Errorf("subscribe to %q timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %q: %w", topic, err)
		}
		subscribed[topic] = struct{}{}
		c.logger.Debug("subscribed", "topic", topic)
	}

	c.mu.Lock()
	c.subscribed = subscribed
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SubscribedTopics.WithLabelValues(c.key.String()).Set(float64(len(topics)))
	}
	return nil
}

// onMessage runs on paho's router goroutine. It must not block: the message
// is enqueued for the worker, or dropped with a metric when the queue is
// full.
func (c *connection) onMessage(_ mqtt.Client, m mqtt.Message) {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())

	msg := Message{
		Broker:     c.key,
		Topic:      m.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
		Routes:     c.routesSnapshot(),
	}

	select {
	case c.inbound <- msg:
		if c.metrics != nil {
			c.metrics.MessagesReceived.WithLabelValues(c.key.String()).Inc()
		}
	default:
		c.logger.Warn("inbound queue full, dropping message", "topic", m.Topic())
		if c.metrics != nil {
			c.metrics.MessagesDropped.WithLabelValues(c.key.String()).Inc()
		}
	}
}

// updateRoutes replaces the desired route set and, when a session is live,
// aligns its subscriptions. With an unchanged set this is a no-op: no
// subscribe or unsubscribe calls are issued.
func (c *connection) updateRoutes(routes []Route) error {
	desired := make(map[string]Route, len(routes))
	for _, r := range routes {
		desired[r.Topic] = r
	}

	c.mu.Lock()
	changed := len(desired) != len(c.routes)
	if !changed {
		for topic := range desired {
			if _, ok := c.routes[topic]; !ok {
				changed = true
				break
			}
		}
	}
	c.routes = desired
	client := c.client
	c.mu.Unlock()

	if changed {
		c.logger.Info("route set changed", "topics", len(desired))
	}

	// Not connected right now: the next subscribeAll picks up the new set.
	if client == nil || c.State() != StateActive {
		return nil
	}
	return c.applyRoutes(client)
}

// applyRoutes aligns a live session's subscriptions with the desired route
// set. The diff runs against what this session actually subscribed, not the
// previous desired set, so routes that changed while the session was still
// being established are picked up too.
func (c *connection) applyRoutes(client mqtt.Client) error {
	c.mu.Lock()
	var added, removed []string
	for topic := range c.routes {
		if _, ok := c.subscribed[topic]; !ok {
			added = append(added, topic)
		}
	}
	for topic := range c.subscribed {
		if _, ok := c.routes[topic]; !ok {
			removed = append(removed, topic)
		}
	}
	c.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	for _, topic := range added {
		token := client.Subscribe(topic, subscribeQoS, c.onMessage)
		if !token.WaitTimeout(c.connectTimeout) {
			return fmt.Errorf("subscribe to %q timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %q: %w", topic, err)
		}
		c.mu.Lock()
		if c.subscribed == nil {
			c.subscribed = make(map[string]struct{})
		}
		c.subscribed[topic] = struct{}{}
		c.mu.Unlock()
	}
	if len(removed) > 0 {
		token := client.Unsubscribe(removed...)
		if !token.WaitTimeout(c.connectTimeout) {
			return errors.New("unsubscribe timed out")
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		c.mu.Lock()
		for _, topic := range removed {
			delete(c.subscribed, topic)
		}
		c.mu.Unlock()
	}

	if c.metrics != nil {
		c.mu.Lock()
		count := len(c.subscribed)
		c.mu.Unlock()
		c.metrics.SubscribedTopics.WithLabelValues(c.key.String()).Set(float64(count))
	}
	return nil
}

// routesSnapshot copies the current route set.
func (c *connection) routesSnapshot() []Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	routes := make([]Route, 0, len(c.routes))
	for _, r := range c.routes {
		routes = append(routes, r)
	}
	return routes
}

func (c *connection) topicCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routes)
}

// shutdown cleanly unsubscribes and disconnects a live session.
func (c *connection) shutdown(client mqtt.Client) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subscribed))
	for topic := range c.subscribed {
		topics = append(topics, topic)
	}
	c.client = nil
	c.subscribed = nil
	c.mu.Unlock()

	if len(topics) > 0 {
		token := client.Unsubscribe(topics...)
		token.WaitTimeout(c.connectTimeout)
	}
	client.Disconnect(disconnectQuiesceMS)
	c.setState(StateDisconnected)
	if c.metrics != nil {
		c.metrics.ConnectionStatus.WithLabelValues(c.key.String()).Set(0)
	}
	c.logger.Info("broker connection closed")
}

// close tears the connection down and waits for the reconnect loop and the
// worker to exit. The message the worker is processing is allowed to finish;
// queued messages are discarded.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.loopDone
	<-c.workerDone
}

// sleep waits for the backoff interval, returning false when teardown was
// requested meanwhile.
func (c *connection) sleep(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// classifyConnectError distinguishes permanent failures (bad credentials,
// rejected certificates) from transient ones in logs and metrics. Both keep
// retrying; the distinction exists so an operator can intervene.
func classifyConnectError(err error) string {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedIDRejected):
		return "auth"
	case errors.Is(err, errConnectTimeout):
		return "timeout"
	}
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) || errors.As(err, &certInvalid) {
		return "tls"
	}
	return "network"
}

// NewTLSConfig builds a TLS configuration from CA material that is either a
// file path or inline PEM content.
func NewTLSConfig(caCerts string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCerts == "" {
		return cfg, nil
	}

	pemData := []byte(caCerts)
	if _, err := os.Stat(caCerts); err == nil {
		pemData, err = os.ReadFile(caCerts)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("no usable CA certificates")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// clientSeq disambiguates client IDs across connections in one process.
// Brokers disconnect the older session when two clients share an ID.
var clientSeq atomic.Uint64

func clientID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("energy-monitor-%s-%d-%d", hostname, os.Getpid(), clientSeq.Add(1))
}
