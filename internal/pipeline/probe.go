package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"voltwatch.dev/energy-monitor/internal/broker"
)

// ProbeConfig describes one broker diagnostic run.
type ProbeConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	UseTLS     bool
	TLSCACerts string
	// TopicPrefix scopes the capture; the probe subscribes to
	// "<prefix>/+", or "#" when empty.
	TopicPrefix string
	// Window is how long to capture traffic.
	Window time.Duration
}

// ProbeMessage is one captured broker message.
type ProbeMessage struct {
	Topic           string
	Payload         string
	HardwareAddress string
	ParameterKeys   []string
	ReceivedAt      time.Time
}

// ProbeReport summarizes captured traffic: which hardware addresses were
// seen publishing and which parameter keys their payloads carry. Operators
// use it to diagnose devices that never produce readings.
type ProbeReport struct {
	Messages          []ProbeMessage
	HardwareAddresses []string
	ParameterKeys     []string
}

// Probe connects to a broker, captures traffic for the configured window,
// and reports what it saw. It never writes to the database.
func Probe(ctx context.Context, cfg ProbeConfig) (*ProbeReport, error) {
	if cfg.Host == "" {
		return nil, errors.New("probe host cannot be empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 1883
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Second
	}

	topic := "#"
	if cfg.TopicPrefix != "" {
		topic = cfg.TopicPrefix + "/+"
	}

	var (
		mu       sync.Mutex
		messages []ProbeMessage
	)

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(probeClientID())
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := broker.NewTLSConfig(cfg.TLSCACerts)
		if err != nil {
			return nil, fmt.Errorf("tls configuration: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("broker did not respond within 10 seconds")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Disconnect(disconnectQuiesce)

	subToken := client.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		msg := ProbeMessage{
			Topic:      m.Topic(),
			Payload:    string(m.Payload()),
			ReceivedAt: time.Now().UTC(),
		}
		if candidates := hardwareAddressCandidates(m.Topic()); len(candidates) > 0 {
			msg.HardwareAddress = candidates[0]
		}
		if parameters, err := Decode(m.Payload()); err == nil {
			for key := range parameters {
				msg.ParameterKeys = append(msg.ParameterKeys, key)
			}
			sort.Strings(msg.ParameterKeys)
		}
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
	})
	if !subToken.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("subscribe to %q timed out", topic)
	}
	if err := subToken.Error(); err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", topic, err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(cfg.Window):
	}

	mu.Lock()
	defer mu.Unlock()

	report := &ProbeReport{Messages: messages}
	addresses := make(map[string]struct{})
	keys := make(map[string]struct{})
	for _, msg := range messages {
		if msg.HardwareAddress != "" {
			addresses[msg.HardwareAddress] = struct{}{}
		}
		for _, key := range msg.ParameterKeys {
			keys[key] = struct{}{}
		}
	}
	for address := range addresses {
		report.HardwareAddresses = append(report.HardwareAddresses, address)
	}
	for key := range keys {
		report.ParameterKeys = append(report.ParameterKeys, key)
	}
	sort.Strings(report.HardwareAddresses)
	sort.Strings(report.ParameterKeys)
	return report, nil
}

const disconnectQuiesce = 250

func probeClientID() string {
	return fmt.Sprintf("energy-monitor-probe-%d", os.Getpid())
}
