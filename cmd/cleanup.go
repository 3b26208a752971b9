package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voltwatch.dev/energy-monitor/internal/pipeline"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply the reading retention policy",
	Long: `Delete readings older than the retention period, and acknowledged
alarms of the same age. Intended to run daily from cron. Unacknowledged
alarms are kept regardless of age.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	// Cleanup-specific flags
	cleanupCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	cleanupCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	cleanupCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	cleanupCmd.Flags().String("db-password", "", "PostgreSQL password")
	cleanupCmd.Flags().String("db-name", "energymonitor", "PostgreSQL database name")
	cleanupCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	cleanupCmd.Flags().Int("days", 15, "retention period in days")
	cleanupCmd.Flags().Bool("dry-run", false, "only report how many rows would be deleted")

	// Bind flags to viper
	_ = viper.BindPFlag("cleanup.db.host", cleanupCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("cleanup.db.port", cleanupCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("cleanup.db.user", cleanupCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("cleanup.db.password", cleanupCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("cleanup.db.name", cleanupCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("cleanup.db.sslmode", cleanupCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("cleanup.days", cleanupCmd.Flags().Lookup("days"))
	_ = viper.BindPFlag("cleanup.dry_run", cleanupCmd.Flags().Lookup("dry-run"))
}

func runCleanup(_ *cobra.Command, _ []string) error {
	logger := GetLogger()

	db, err := pipeline.NewDB(&pipeline.DBConfig{
		Host:     viper.GetString("cleanup.db.host"),
		Port:     viper.GetInt("cleanup.db.port"),
		User:     viper.GetString("cleanup.db.user"),
		Password: viper.GetString("cleanup.db.password"),
		DBName:   viper.GetString("cleanup.db.name"),
		SSLMode:  viper.GetString("cleanup.db.sslmode"),
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		return err
	}
	defer func() {
		_ = pipeline.CloseDB(db, logger)
	}()

	store, err := pipeline.NewStore(db, logger)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		return err
	}

	days := viper.GetInt("cleanup.days")
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	ctx := context.Background()

	if viper.GetBool("cleanup.dry_run") {
		count, err := store.CountReadingsBefore(ctx, cutoff)
		if err != nil {
			logger.Error("failed to count old readings", "error", err)
			return err
		}
		logger.Info("dry run: readings that would be deleted",
			"days", days,
			"count", count,
		)
		return nil
	}

	deleted, err := store.DeleteReadingsBefore(ctx, cutoff)
	if err != nil {
		logger.Error("failed to delete old readings", "error", err)
		return err
	}

	alarms, err := store.DeleteAcknowledgedAlarmsBefore(ctx, cutoff)
	if err != nil {
		logger.Error("failed to delete old alarms", "error", err)
		return err
	}

	logger.Info("retention cleanup completed",
		"days", days,
		"readings_deleted", deleted,
		"alarms_deleted", alarms,
	)
	return nil
}
