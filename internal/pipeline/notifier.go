package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// AlarmNotifier delivers an operator notification for one created alarm.
// Notification failures never affect the ingest path; the alarm row is
// already persisted when the notifier runs.
type AlarmNotifier interface {
	NotifyAlarm(ctx context.Context, device *Device, alarm *Alarm) error
}

// SendFunc submits one assembled mail. Matches smtp.SendMail; tests inject
// fakes here.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPConfig holds the configuration for the SMTP alarm notifier.
type SMTPConfig struct {
	Logger *slog.Logger

	Host     string
	Port     int
	Username string
	Password string

	// From is the sender address; To lists the operator recipients.
	From string
	To   []string

	// Send overrides mail submission. Defaults to smtp.SendMail.
	Send SendFunc
}

// SMTPNotifier emails operators about created alarms.
type SMTPNotifier struct {
	logger *slog.Logger
	addr   string
	auth   smtp.Auth
	from   string
	to     []string
	send   SendFunc
}

var _ AlarmNotifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier creates an SMTP alarm notifier.
func NewSMTPNotifier(cfg *SMTPConfig) (*SMTPNotifier, error) {
	if cfg == nil {
		return nil, errors.New("smtp config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Host == "" {
		return nil, errors.New("smtp host cannot be empty")
	}
	if cfg.From == "" {
		return nil, errors.New("sender address cannot be empty")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("at least one recipient is required")
	}

	port := cfg.Port
	if port <= 0 {
		port = 587
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	send := cfg.Send
	if send == nil {
		send = smtp.SendMail
	}

	return &SMTPNotifier{
		logger: cfg.Logger,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, port),
		auth:   auth,
		from:   cfg.From,
		to:     append([]string(nil), cfg.To...),
		send:   send,
	}, nil
}

// NotifyAlarm sends one mail describing the breach.
func (n *SMTPNotifier) NotifyAlarm(_ context.Context, device *Device, alarm *Alarm) error {
	bound := "maximum"
	if alarm.Kind == BreachBelowMin {
		bound = "minimum"
	}
	subject := fmt.Sprintf("Alarm: %s %s breach on %s", alarm.ParameterLabel, bound, device.Name)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(&b, "Device: %s (hardware address %s)\r\n", device.Name, device.HardwareAddress)
	fmt.Fprintf(&b, "Parameter: %s (%s)\r\n", alarm.ParameterLabel, alarm.ParameterKey)
	fmt.Fprintf(&b, "Value: %g, %s bound: %g\r\n", alarm.Value, bound, alarm.Threshold)
	fmt.Fprintf(&b, "Time: %s\r\n", alarm.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))

	if err := n.send(n.addr, n.auth, n.from, n.to, []byte(b.String())); err != nil {
		return fmt.Errorf("failed to send alarm mail: %w", err)
	}
	n.logger.Debug("alarm notification sent",
		"device_id", device.ID,
		"parameter", alarm.ParameterKey,
		"recipients", len(n.to),
	)
	return nil
}
