package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// FleetConfig holds the configuration for a simulated fleet.
type FleetConfig struct {
	Logger *slog.Logger

	// Broker to publish to.
	Host     string
	Port     int
	Username string
	Password string

	// TopicPrefix for the <prefix>/<hardwareAddress> convention.
	TopicPrefix string
	// MeterCount is the number of simulated meters.
	MeterCount int
	// Interval between publishes per meter.
	Interval time.Duration
}

// Fleet publishes synthetic readings for a set of meters until stopped.
type Fleet struct {
	logger *slog.Logger
	config *FleetConfig
	meters []*Meter
}

// NewFleet creates a fleet of simulated meters.
func NewFleet(cfg *FleetConfig) (*Fleet, error) {
	if cfg == nil {
		return nil, errors.New("fleet config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Host == "" {
		return nil, errors.New("broker host cannot be empty")
	}
	if cfg.MeterCount <= 0 {
		return nil, errors.New("meter count must be positive")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if cfg.Port <= 0 {
		cfg.Port = 1883
	}

	meters := make([]*Meter, 0, cfg.MeterCount)
	for range cfg.MeterCount {
		meters = append(meters, NewMeter())
	}

	return &Fleet{
		logger: cfg.Logger,
		config: cfg,
		meters: meters,
	}, nil
}

// Meters returns the simulated meters, so callers can register matching
// devices before starting the publish loop.
func (f *Fleet) Meters() []*Meter {
	return f.meters
}

// Run connects to the broker and publishes one sample per meter per
// interval until the context is canceled.
func (f *Fleet) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", f.config.Host, f.config.Port))
	opts.SetClientID(fmt.Sprintf("energy-monitor-simulator-%d", os.Getpid()))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	if f.config.Username != "" {
		opts.SetUsername(f.config.Username)
		opts.SetPassword(f.config.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("broker did not respond within 10 seconds")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Disconnect(250)

	for _, meter := range f.meters {
		f.logger.Info("simulating meter",
			"hardware_address", meter.HardwareAddress,
			"name", meter.Name,
			"topic", meter.Topic(f.config.TopicPrefix),
		)
	}

	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("simulator stopped")
			return nil
		case now := <-ticker.C:
			f.publishAll(client, now)
		}
	}
}

func (f *Fleet) publishAll(client mqtt.Client, now time.Time) {
	for _, meter := range f.meters {
		sample := meter.Sample(now)
		payload, err := json.Marshal(sample)
		if err != nil {
			f.logger.Error("failed to marshal sample", "error", err)
			continue
		}

		topic := meter.Topic(f.config.TopicPrefix)
		token := client.Publish(topic, 0, false, payload)
		if !token.WaitTimeout(5 * time.Second) {
			f.logger.Warn("publish timed out", "topic", topic)
			continue
		}
		if err := token.Error(); err != nil {
			f.logger.Error("failed to publish", "topic", topic, "error", err)
			continue
		}
		f.logger.Debug("published sample", "topic", topic, "tkW", sample["tkW"])
	}
}
