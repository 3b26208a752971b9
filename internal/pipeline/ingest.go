package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"voltwatch.dev/energy-monitor/internal/broker"
	"voltwatch.dev/energy-monitor/pkg/metrics"
)

// Ingestor performs the per-message ingest-and-evaluate sequence:
// decode -> resolve -> persist reading -> advance last-seen -> evaluate
// thresholds -> persist alarms. Every failure mode is handled locally;
// nothing propagates to the broker connection that delivered the message.
type Ingestor struct {
	logger   *slog.Logger
	store    Store
	metrics  *metrics.PipelineMetrics
	notifier AlarmNotifier

	persistRetries int
	retryDelay     time.Duration
	messageTimeout time.Duration
}

// IngestorConfig holds the configuration for the Ingestor.
type IngestorConfig struct {
	Logger *slog.Logger
	Store  Store
	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.PipelineMetrics
	// Notifier, when set, is invoked for every created alarm.
	Notifier AlarmNotifier

	// PersistRetries is how often a failed reading write is retried before
	// the message is dropped as data loss.
	PersistRetries int
	// RetryDelay is the wait between persistence retries.
	RetryDelay time.Duration
	// MessageTimeout bounds the total processing time of one message.
	MessageTimeout time.Duration
}

// Ingestor defaults.
const (
	DefaultPersistRetries = 3
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultMessageTimeout = 30 * time.Second
)

var _ broker.Handler = (*Ingestor)(nil)

// NewIngestor creates an Ingestor.
func NewIngestor(cfg *IngestorConfig) (*Ingestor, error) {
	if cfg == nil {
		return nil, errors.New("ingestor config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	ing := &Ingestor{
		logger:         cfg.Logger,
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		notifier:       cfg.Notifier,
		persistRetries: cfg.PersistRetries,
		retryDelay:     cfg.RetryDelay,
		messageTimeout: cfg.MessageTimeout,
	}
	if ing.persistRetries <= 0 {
		ing.persistRetries = DefaultPersistRetries
	}
	if ing.retryDelay <= 0 {
		ing.retryDelay = DefaultRetryDelay
	}
	if ing.messageTimeout <= 0 {
		ing.messageTimeout = DefaultMessageTimeout
	}
	return ing, nil
}

// HandleMessage processes one inbound broker message. It implements
// broker.Handler and is called sequentially per connection.
func (i *Ingestor) HandleMessage(msg broker.Message) {
	var timer *prometheus.Timer
	if i.metrics != nil {
		timer = prometheus.NewTimer(i.metrics.ProcessDuration)
		defer timer.ObserveDuration()
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.messageTimeout)
	defer cancel()

	parameters, err := Decode(msg.Payload)
	if err != nil {
		i.logger.Warn("dropping undecodable payload",
			"topic", msg.Topic,
			"broker", msg.Broker.String(),
			"error", err,
		)
		if i.metrics != nil {
			i.metrics.DecodeFailures.Inc()
		}
		return
	}

	route, ok := ResolveTopic(msg.Topic, msg.Routes)
	if !ok {
		// Expected during initial device setup: configuration drift, not a
		// pipeline failure.
		i.logger.Warn("no device for topic, dropping message",
			"topic", msg.Topic,
			"broker", msg.Broker.String(),
		)
		if i.metrics != nil {
			i.metrics.ResolutionMisses.Inc()
		}
		return
	}

	device, err := i.store.GetDevice(ctx, route.DeviceID)
	if err != nil {
		i.logger.Error("failed to load device",
			"device_id", route.DeviceID,
			"topic", msg.Topic,
			"error", err,
		)
		if i.metrics != nil {
			i.metrics.DataLoss.Inc()
		}
		return
	}
	if !device.IsActive {
		i.logger.Info("dropping message for inactive device",
			"device_id", device.ID,
			"hardware_address", device.HardwareAddress,
			"topic", msg.Topic,
		)
		if i.metrics != nil {
			i.metrics.InactiveDrops.Inc()
		}
		return
	}

	reading, err := i.persistReading(ctx, device.ID, parameters, msg.ReceivedAt)
	if err != nil {
		// Retries exhausted. The message is gone; that must be observable,
		// never silent.
		i.logger.Error("reading dropped after exhausted retries: data loss",
			"device_id", device.ID,
			"topic", msg.Topic,
			"error", err,
		)
		if i.metrics != nil {
			i.metrics.DataLoss.Inc()
		}
		return
	}
	if i.metrics != nil {
		i.metrics.ReadingsStored.Inc()
	}

	if err := i.store.UpdateDeviceLastSeen(ctx, device.ID, msg.ReceivedAt); err != nil {
		// The reading is safe; a stale last-seen heals on the next message.
		i.logger.Error("failed to update device last seen",
			"device_id", device.ID,
			"error", err,
		)
	}

	i.evaluateThresholds(ctx, device, reading)

	i.logger.Debug("reading stored",
		"device_id", device.ID,
		"hardware_address", device.HardwareAddress,
		"topic", msg.Topic,
		"parameters", len(parameters),
	)
}

// persistReading writes the reading with bounded retries.
func (i *Ingestor) persistReading(ctx context.Context, deviceID uint, parameters ParameterMap, timestamp time.Time) (*Reading, error) {
	var lastErr error
	for attempt := 0; attempt <= i.persistRetries; attempt++ {
		if attempt > 0 {
			if i.metrics != nil {
				i.metrics.PersistenceRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(i.retryDelay):
			}
		}

		reading, err := i.store.CreateReading(ctx, deviceID, parameters, timestamp)
		if err == nil {
			return reading, nil
		}
		lastErr = err
		i.logger.Warn("failed to persist reading, retrying",
			"device_id", deviceID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, lastErr
}

// evaluateThresholds runs the threshold evaluator over a stored reading and
// persists one alarm per breach.
func (i *Ingestor) evaluateThresholds(ctx context.Context, device *Device, reading *Reading) {
	thresholds, err := i.store.ListActiveThresholds(ctx, device.ID)
	if err != nil {
		i.logger.Error("failed to load thresholds, skipping evaluation",
			"device_id", device.ID,
			"error", err,
		)
		return
	}
	if len(thresholds) == 0 {
		return
	}

	for _, breach := range Evaluate(reading.Parameters, thresholds) {
		alarm := &Alarm{
			DeviceID:       device.ID,
			ParameterKey:   breach.ParameterKey,
			ParameterLabel: i.store.ParameterLabel(ctx, breach.ParameterKey),
			Value:          breach.Value,
			Threshold:      breach.Bound,
			Kind:           breach.Kind,
			Timestamp:      reading.Timestamp,
		}
		if err := i.store.CreateAlarm(ctx, alarm); err != nil {
			i.logger.Error("failed to persist alarm",
				"device_id", device.ID,
				"parameter", breach.ParameterKey,
				"error", err,
			)
			continue
		}
		if i.metrics != nil {
			i.metrics.AlarmsCreated.WithLabelValues(breach.Kind).Inc()
		}
		if i.notifier != nil {
			if err := i.notifier.NotifyAlarm(ctx, device, alarm); err != nil {
				// The alarm row is persisted; a lost mail is log-only.
				i.logger.Error("failed to send alarm notification",
					"device_id", device.ID,
					"parameter", breach.ParameterKey,
					"error", err,
				)
			}
		}
		i.logger.Info("alarm created",
			"device_id", device.ID,
			"hardware_address", device.HardwareAddress,
			"parameter", breach.ParameterKey,
			"value", breach.Value,
			"bound", breach.Bound,
			"kind", breach.Kind,
		)
	}
}
