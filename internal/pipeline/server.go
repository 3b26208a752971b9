package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gorm.io/gorm"

	"voltwatch.dev/energy-monitor/internal/broker"
	"voltwatch.dev/energy-monitor/pkg/logger"
	"voltwatch.dev/energy-monitor/pkg/metrics"
)

// Server wires the pipeline together: database, ingestor, connection
// manager, watcher, and the metrics listener. It runs until a shutdown
// signal arrives.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	db      *gorm.DB
	manager *broker.Manager
	httpSrv *http.Server
}

// ServerConfig holds the configuration for the pipeline server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// Fallback broker, used when no device carries its own configuration.
	FallbackHost   string
	FallbackPort   int
	FallbackPrefix string

	// Reconciliation and connection tuning.
	ReconcileInterval time.Duration
	QueueSize         int
	ConnectTimeout    time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	PersistRetries    int
	RetryDelay        time.Duration

	// Alarm email notifications. Disabled unless AlarmEmailHost and
	// AlarmEmailTo are both set.
	AlarmEmailHost     string
	AlarmEmailPort     int
	AlarmEmailUsername string
	AlarmEmailPassword string
	AlarmEmailFrom     string
	AlarmEmailTo       []string

	// MetricsPort is the port for the Prometheus metrics listener.
	// Zero disables the listener.
	MetricsPort int
}

// NewServer creates a new pipeline server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}
	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}
	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}
	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the pipeline and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting telemetry pipeline")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	db, err := NewDB(&DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	store, err := NewStore(db, logger.WithComponent(s.logger, "store"))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	pipelineMetrics := metrics.NewPipelineMetrics("energy_monitor")
	brokerMetrics := metrics.NewBrokerMetrics("energy_monitor")

	var notifier AlarmNotifier
	if s.config.AlarmEmailHost != "" && len(s.config.AlarmEmailTo) > 0 {
		smtpNotifier, err := NewSMTPNotifier(&SMTPConfig{
			Logger:   logger.WithComponent(s.logger, "notifier"),
			Host:     s.config.AlarmEmailHost,
			Port:     s.config.AlarmEmailPort,
			Username: s.config.AlarmEmailUsername,
			Password: s.config.AlarmEmailPassword,
			From:     s.config.AlarmEmailFrom,
			To:       s.config.AlarmEmailTo,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize alarm notifier: %w", err)
		}
		notifier = smtpNotifier
		s.logger.Info("alarm email notifications enabled",
			"host", s.config.AlarmEmailHost,
			"recipients", len(s.config.AlarmEmailTo),
		)
	}

	ingestor, err := NewIngestor(&IngestorConfig{
		Logger:         logger.WithComponent(s.logger, "ingestor"),
		Store:          store,
		Metrics:        pipelineMetrics,
		Notifier:       notifier,
		PersistRetries: s.config.PersistRetries,
		RetryDelay:     s.config.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ingestor: %w", err)
	}

	manager, err := broker.NewManager(&broker.ManagerConfig{
		Logger:         logger.WithComponent(s.logger, "broker"),
		Handler:        ingestor,
		Metrics:        brokerMetrics,
		QueueSize:      s.config.QueueSize,
		ConnectTimeout: s.config.ConnectTimeout,
		InitialBackoff: s.config.InitialBackoff,
		MaxBackoff:     s.config.MaxBackoff,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize connection manager: %w", err)
	}
	s.manager = manager

	watcher, err := NewWatcher(&WatcherConfig{
		Logger:   logger.WithComponent(s.logger, "watcher"),
		Store:    store,
		Manager:  manager,
		Interval: s.config.ReconcileInterval,
		Fallback: FallbackBroker{
			Host:   s.config.FallbackHost,
			Port:   s.config.FallbackPort,
			Prefix: s.config.FallbackPrefix,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize watcher: %w", err)
	}

	httpErr := make(chan error, 1)
	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.httpSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.logger.Info("starting metrics listener", "address", s.httpSrv.Addr)
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- fmt.Errorf("metrics listener error: %w", err)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	s.logger.Info("telemetry pipeline started")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		s.logger.Error("metrics listener failed", "error", err)
		cancel()
	}

	// The watcher must stop scheduling reconciliations before connections
	// are torn down.
	wg.Wait()
	return s.Shutdown()
}

// Shutdown closes connections, the metrics listener, and the database.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down telemetry pipeline")

	var shutdownErr error

	if s.manager != nil {
		s.manager.Close()
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to stop metrics listener", "error", err)
			shutdownErr = fmt.Errorf("metrics listener shutdown error: %w", err)
		}
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
	}

	if shutdownErr != nil {
		s.logger.Error("pipeline shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("pipeline shutdown completed successfully")
	return nil
}
