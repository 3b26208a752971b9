package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voltwatch.dev/energy-monitor/internal/pipeline"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Capture broker traffic for diagnostics",
	Long: `Connect to an MQTT broker, subscribe to <prefix>/+, and capture
traffic for a configurable window. Reports the hardware addresses seen
publishing and the parameter keys their payloads carry, for diagnosing
devices that never produce readings.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	// Probe-specific flags
	probeCmd.Flags().String("broker-host", "localhost", "MQTT broker host")
	probeCmd.Flags().Int("broker-port", 1883, "MQTT broker port")
	probeCmd.Flags().String("broker-user", "", "MQTT username")
	probeCmd.Flags().String("broker-password", "", "MQTT password")
	probeCmd.Flags().Bool("tls", false, "use TLS")
	probeCmd.Flags().String("tls-ca-certs", "", "CA bundle path or inline PEM")
	probeCmd.Flags().String("topic-prefix", "EM", "topic prefix to capture under (empty for all topics)")
	probeCmd.Flags().Duration("window", 15*time.Second, "capture window")

	// Bind flags to viper
	_ = viper.BindPFlag("probe.broker.host", probeCmd.Flags().Lookup("broker-host"))
	_ = viper.BindPFlag("probe.broker.port", probeCmd.Flags().Lookup("broker-port"))
	_ = viper.BindPFlag("probe.broker.user", probeCmd.Flags().Lookup("broker-user"))
	_ = viper.BindPFlag("probe.broker.password", probeCmd.Flags().Lookup("broker-password"))
	_ = viper.BindPFlag("probe.broker.tls", probeCmd.Flags().Lookup("tls"))
	_ = viper.BindPFlag("probe.broker.tls_ca_certs", probeCmd.Flags().Lookup("tls-ca-certs"))
	_ = viper.BindPFlag("probe.topic_prefix", probeCmd.Flags().Lookup("topic-prefix"))
	_ = viper.BindPFlag("probe.window", probeCmd.Flags().Lookup("window"))
}

func runProbe(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	cfg := pipeline.ProbeConfig{
		Host:        viper.GetString("probe.broker.host"),
		Port:        viper.GetInt("probe.broker.port"),
		Username:    viper.GetString("probe.broker.user"),
		Password:    viper.GetString("probe.broker.password"),
		UseTLS:      viper.GetBool("probe.broker.tls"),
		TLSCACerts:  viper.GetString("probe.broker.tls_ca_certs"),
		TopicPrefix: viper.GetString("probe.topic_prefix"),
		Window:      viper.GetDuration("probe.window"),
	}

	logger.Info("probing broker",
		"host", cfg.Host,
		"port", cfg.Port,
		"topic_prefix", cfg.TopicPrefix,
		"window", cfg.Window,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := pipeline.Probe(ctx, cfg)
	if err != nil {
		logger.Error("probe failed", "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Captured %d message(s)\n", len(report.Messages))
	for _, msg := range report.Messages {
		fmt.Fprintf(out, "  %s  %s  %s\n", msg.ReceivedAt.Format(time.RFC3339), msg.Topic, msg.Payload)
	}
	fmt.Fprintf(out, "Hardware addresses: %s\n", joinOrNone(report.HardwareAddresses))
	fmt.Fprintf(out, "Parameter keys: %s\n", joinOrNone(report.ParameterKeys))
	return nil
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ", ")
}
