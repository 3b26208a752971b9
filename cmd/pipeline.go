package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voltwatch.dev/energy-monitor/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run the telemetry pipeline",
	Long: `Run the telemetry pipeline that:
- Maintains MQTT connections for all active devices
- Persists inbound readings to PostgreSQL
- Evaluates thresholds and raises alarms
- Reconciles broker subscriptions as devices are edited`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(pipelineCmd)

	// Pipeline-specific flags
	pipelineCmd.Flags().Bool("enabled", true, "start the pipeline (set false to exit immediately, e.g. in registry-only deployments)")
	pipelineCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	pipelineCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	pipelineCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	pipelineCmd.Flags().String("db-password", "", "PostgreSQL password")
	pipelineCmd.Flags().String("db-name", "energymonitor", "PostgreSQL database name")
	pipelineCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	pipelineCmd.Flags().String("broker-host", "localhost", "fallback MQTT broker host")
	pipelineCmd.Flags().Int("broker-port", 1883, "fallback MQTT broker port")
	pipelineCmd.Flags().String("topic-prefix", "EM", "fallback topic prefix (e.g. EM for EM/46542)")
	pipelineCmd.Flags().Duration("reconcile-interval", pipeline.DefaultReconcileInterval, "device reconciliation interval")
	pipelineCmd.Flags().Int("queue-size", 256, "per-connection inbound queue size")
	pipelineCmd.Flags().Duration("connect-timeout", 0, "broker connect timeout (0 for default)")
	pipelineCmd.Flags().Duration("initial-backoff", 0, "initial reconnect backoff (0 for default)")
	pipelineCmd.Flags().Duration("max-backoff", 0, "maximum reconnect backoff (0 for default)")
	pipelineCmd.Flags().Int("persist-retries", pipeline.DefaultPersistRetries, "persistence retries before dropping a message")
	pipelineCmd.Flags().Int("metrics-port", 2112, "Prometheus metrics port (0 to disable)")
	pipelineCmd.Flags().String("alarm-email-host", "", "SMTP host for alarm notifications (empty to disable)")
	pipelineCmd.Flags().Int("alarm-email-port", 587, "SMTP port")
	pipelineCmd.Flags().String("alarm-email-user", "", "SMTP username")
	pipelineCmd.Flags().String("alarm-email-password", "", "SMTP password")
	pipelineCmd.Flags().String("alarm-email-from", "energy-monitor@localhost", "alarm mail sender address")
	pipelineCmd.Flags().StringSlice("alarm-email-to", nil, "alarm mail recipients")

	// Bind flags to viper
	_ = viper.BindPFlag("pipeline.enabled", pipelineCmd.Flags().Lookup("enabled"))
	_ = viper.BindPFlag("pipeline.db.host", pipelineCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("pipeline.db.port", pipelineCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("pipeline.db.user", pipelineCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("pipeline.db.password", pipelineCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("pipeline.db.name", pipelineCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("pipeline.db.sslmode", pipelineCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("pipeline.broker.host", pipelineCmd.Flags().Lookup("broker-host"))
	_ = viper.BindPFlag("pipeline.broker.port", pipelineCmd.Flags().Lookup("broker-port"))
	_ = viper.BindPFlag("pipeline.broker.topic_prefix", pipelineCmd.Flags().Lookup("topic-prefix"))
	_ = viper.BindPFlag("pipeline.reconcile_interval", pipelineCmd.Flags().Lookup("reconcile-interval"))
	_ = viper.BindPFlag("pipeline.queue_size", pipelineCmd.Flags().Lookup("queue-size"))
	_ = viper.BindPFlag("pipeline.connect_timeout", pipelineCmd.Flags().Lookup("connect-timeout"))
	_ = viper.BindPFlag("pipeline.initial_backoff", pipelineCmd.Flags().Lookup("initial-backoff"))
	_ = viper.BindPFlag("pipeline.max_backoff", pipelineCmd.Flags().Lookup("max-backoff"))
	_ = viper.BindPFlag("pipeline.persist_retries", pipelineCmd.Flags().Lookup("persist-retries"))
	_ = viper.BindPFlag("pipeline.metrics_port", pipelineCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("pipeline.alarm_email.host", pipelineCmd.Flags().Lookup("alarm-email-host"))
	_ = viper.BindPFlag("pipeline.alarm_email.port", pipelineCmd.Flags().Lookup("alarm-email-port"))
	_ = viper.BindPFlag("pipeline.alarm_email.user", pipelineCmd.Flags().Lookup("alarm-email-user"))
	_ = viper.BindPFlag("pipeline.alarm_email.password", pipelineCmd.Flags().Lookup("alarm-email-password"))
	_ = viper.BindPFlag("pipeline.alarm_email.from", pipelineCmd.Flags().Lookup("alarm-email-from"))
	_ = viper.BindPFlag("pipeline.alarm_email.to", pipelineCmd.Flags().Lookup("alarm-email-to"))
}

func runPipeline(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting pipeline service")

	if !viper.GetBool("pipeline.enabled") {
		logger.Info("pipeline disabled by configuration, exiting")
		return nil
	}

	// Create pipeline configuration from viper
	config := &pipeline.ServerConfig{
		Logger:            logger,
		DBHost:            viper.GetString("pipeline.db.host"),
		DBPort:            viper.GetInt("pipeline.db.port"),
		DBUser:            viper.GetString("pipeline.db.user"),
		DBPassword:        viper.GetString("pipeline.db.password"),
		DBName:            viper.GetString("pipeline.db.name"),
		DBSSLMode:         viper.GetString("pipeline.db.sslmode"),
		FallbackHost:      viper.GetString("pipeline.broker.host"),
		FallbackPort:      viper.GetInt("pipeline.broker.port"),
		FallbackPrefix:    viper.GetString("pipeline.broker.topic_prefix"),
		ReconcileInterval: viper.GetDuration("pipeline.reconcile_interval"),
		QueueSize:         viper.GetInt("pipeline.queue_size"),
		ConnectTimeout:    viper.GetDuration("pipeline.connect_timeout"),
		InitialBackoff:    viper.GetDuration("pipeline.initial_backoff"),
		MaxBackoff:        viper.GetDuration("pipeline.max_backoff"),
		PersistRetries:    viper.GetInt("pipeline.persist_retries"),
		MetricsPort:       viper.GetInt("pipeline.metrics_port"),

		AlarmEmailHost:     viper.GetString("pipeline.alarm_email.host"),
		AlarmEmailPort:     viper.GetInt("pipeline.alarm_email.port"),
		AlarmEmailUsername: viper.GetString("pipeline.alarm_email.user"),
		AlarmEmailPassword: viper.GetString("pipeline.alarm_email.password"),
		AlarmEmailFrom:     viper.GetString("pipeline.alarm_email.from"),
		AlarmEmailTo:       viper.GetStringSlice("pipeline.alarm_email.to"),
	}

	server, err := pipeline.NewServer(config)
	if err != nil {
		logger.Error("failed to create pipeline server", "error", err)
		return err
	}

	logger.Info("pipeline configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"fallback_broker", config.FallbackHost,
		"fallback_port", config.FallbackPort,
		"topic_prefix", config.FallbackPrefix,
		"reconcile_interval", config.ReconcileInterval,
		"metrics_port", config.MetricsPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("pipeline server error", "error", err)
		return err
	}

	logger.Info("pipeline server stopped")
	return nil
}
