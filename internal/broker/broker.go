// Package broker owns the live MQTT connections of the pipeline. One
// connection exists per distinct broker identity; each connection maintains
// its own network session, reconnect loop, and bounded inbound work queue.
package broker

import (
	"fmt"
	"time"
)

// Key identifies one broker connection: host, port, TLS flag, and the
// credential identity used to authenticate. Two devices pointing at the same
// host/port but different usernames get separate connections.
type Key struct {
	Host     string
	Port     int
	TLS      bool
	Username string
}

// String renders the key for logs and metric labels.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// Auth carries the connection secrets that are not part of the Key.
type Auth struct {
	Password string
	// TLSCACerts is either a path to a CA bundle or inline PEM material.
	TLSCACerts string
}

// Route binds one subscribed topic to the device it belongs to. Connections
// keep a route set so the pipeline can resolve inbound topics without a
// registry lookup per message.
type Route struct {
	DeviceID        uint
	HardwareAddress string
	// TopicPattern is the operator-configured explicit pattern, empty when
	// the topic was derived from the prefix/hardware-address convention.
	TopicPattern string
	// Topic is the topic this route subscribes to.
	Topic string
}

// Message is one inbound broker message handed to the pipeline, together
// with the route set of the connection it arrived on.
type Message struct {
	Broker     Key
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
	Routes     []Route
}

// Handler consumes inbound messages. The connection worker calls
// HandleMessage sequentially per connection, preserving per-device order.
type Handler interface {
	HandleMessage(msg Message)
}

// State is the lifecycle state of one broker connection.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateActive
	StateReconnecting
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
