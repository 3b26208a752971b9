package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voltwatch.dev/energy-monitor/pkg/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish synthetic energy-meter readings",
	Long: `Publish synthetic energy-meter readings over MQTT. Each simulated
meter gets a random five-digit hardware address and publishes a flat JSON
payload (v, a, pf, hz, tkW) on <prefix>/<hardwareAddress>.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulator-specific flags
	simulateCmd.Flags().String("broker-host", "localhost", "MQTT broker host")
	simulateCmd.Flags().Int("broker-port", 1883, "MQTT broker port")
	simulateCmd.Flags().String("broker-user", "", "MQTT username")
	simulateCmd.Flags().String("broker-password", "", "MQTT password")
	simulateCmd.Flags().String("topic-prefix", "EM", "topic prefix")
	simulateCmd.Flags().Int("meters", 3, "number of simulated meters")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "publish interval per meter")

	// Bind flags to viper
	_ = viper.BindPFlag("simulator.broker.host", simulateCmd.Flags().Lookup("broker-host"))
	_ = viper.BindPFlag("simulator.broker.port", simulateCmd.Flags().Lookup("broker-port"))
	_ = viper.BindPFlag("simulator.broker.user", simulateCmd.Flags().Lookup("broker-user"))
	_ = viper.BindPFlag("simulator.broker.password", simulateCmd.Flags().Lookup("broker-password"))
	_ = viper.BindPFlag("simulator.topic_prefix", simulateCmd.Flags().Lookup("topic-prefix"))
	_ = viper.BindPFlag("simulator.meters", simulateCmd.Flags().Lookup("meters"))
	_ = viper.BindPFlag("simulator.interval", simulateCmd.Flags().Lookup("interval"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator")

	fleet, err := simulator.NewFleet(&simulator.FleetConfig{
		Logger:      logger,
		Host:        viper.GetString("simulator.broker.host"),
		Port:        viper.GetInt("simulator.broker.port"),
		Username:    viper.GetString("simulator.broker.user"),
		Password:    viper.GetString("simulator.broker.password"),
		TopicPrefix: viper.GetString("simulator.topic_prefix"),
		MeterCount:  viper.GetInt("simulator.meters"),
		Interval:    viper.GetDuration("simulator.interval"),
	})
	if err != nil {
		logger.Error("failed to create fleet", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fleet.Run(ctx); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}
	return nil
}
