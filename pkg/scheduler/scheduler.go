// Package scheduler provides a reusable CI scheduling core that can be
// embedded into other Go applications.
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lei/pipeline-core/internal/api"
	"github.com/lei/pipeline-core/internal/config"
	"github.com/lei/pipeline-core/internal/deps"
	"github.com/lei/pipeline-core/internal/hierarchy"
	"github.com/lei/pipeline-core/internal/pipeline"
	"github.com/lei/pipeline-core/internal/resource"
	"github.com/lei/pipeline-core/internal/runnerack"
	"github.com/lei/pipeline-core/internal/service"
	"github.com/lei/pipeline-core/internal/store"
	"github.com/lei/pipeline-core/pkg/logger"
)

// Scheduler represents a scheduling core instance that can be embedded
// in applications
type Scheduler struct {
	config  *Config
	service *service.Service
	router  http.Handler
	server  *http.Server
	logger  *logger.Logger
}

// Config holds the configuration for the Scheduler
type Config struct {
	// Server configuration
	Server ServerConfig

	// Authentication configuration
	Auth AuthConfig

	// Redis configuration for runner-ack claims. An empty Addr selects
	// the in-process store, which only dedups within one process.
	Redis RedisConfig

	// Pipelines are the configured pipeline definitions, by name
	Pipelines map[string]*pipeline.Definition

	// Logger configuration
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// APIKeys is a list of API keys for authentication
	APIKeys []APIKey
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string
	Key  string
}

// RedisConfig holds the ephemeral store connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// New creates a new Scheduler instance with the provided configuration
func New(cfg *Config) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(cfg.Pipelines) == 0 {
		return nil, fmt.Errorf("at least one pipeline definition is required")
	}

	// Initialize logger
	appLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	// Initialize persistence and the ephemeral claim store
	st := store.NewMemory()

	var kv runnerack.KV
	if cfg.Redis.Addr != "" {
		kv = runnerack.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		appLogger.Info("initialized redis ack store", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	} else {
		kv = runnerack.NewMemoryKV()
		appLogger.Warn("using in-process ack store; runner claims are not shared across instances")
	}

	// Initialize the scheduling core
	engine := pipeline.NewEngine(st, appLogger)
	index := hierarchy.NewIndex(st)
	local := deps.NewLocalResolver(st)
	cross := deps.NewCrossResolver(st, st, index, deps.JobVariables{})
	buildDeps := deps.NewBuildDependencies(local, cross)
	lock := resource.NewLock(st, appLogger)
	acks := runnerack.NewQueue(kv)

	// Initialize service layer
	svc := service.NewService(cfg.Pipelines, st, engine, buildDeps, lock, acks, appLogger)

	// Initialize API layer
	handlers := api.NewHandlers(svc)

	// Convert APIKeys to internal config format
	configAPIKeys := make([]config.APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		configAPIKeys[i] = config.APIKey{
			Name: key.Name,
			Key:  key.Key,
		}
	}
	authMiddleware := api.NewAuthMiddleware(configAPIKeys)
	loggingMiddleware := api.NewLoggingMiddleware(appLogger)
	router := api.NewRouter(handlers, authMiddleware, loggingMiddleware)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Scheduler{
		config:  cfg,
		service: svc,
		router:  router,
		server:  srv,
		logger:  appLogger,
	}, nil
}

// Start starts the HTTP server
// This is a blocking call that will run until the context is canceled or an error occurs
func (s *Scheduler) Start(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting http server", "port", s.config.Server.Port)
		serverErrors <- s.server.ListenAndServe()
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		// Graceful shutdown with 30s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.server.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		s.logger.Info("server stopped gracefully")
		return nil
	}
}

// Handler returns the http.Handler for the scheduler
// Use this if you want to integrate the scheduler into an existing HTTP server
func (s *Scheduler) Handler() http.Handler {
	return s.router
}

// Service returns the underlying service layer
// Use this for direct programmatic access to scheduler functionality
func (s *Scheduler) Service() *service.Service {
	return s.service
}

// NewFromEnv creates a Scheduler instance from config files, with
// environment variables expanded inside them
func NewFromEnv(configFile, pipelinesFile string) (*Scheduler, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	defs, err := config.LoadPipelines(pipelinesFile)
	if err != nil {
		return nil, fmt.Errorf("load pipelines: %w", err)
	}

	// Convert APIKeys from internal config format
	apiKeys := make([]APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		apiKeys[i] = APIKey{
			Name: key.Name,
			Key:  key.Key,
		}
	}

	return New(&Config{
		Server: ServerConfig{
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		Auth: AuthConfig{
			APIKeys: apiKeys,
		},
		Redis: RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		Pipelines: defs,
		Logging: LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		},
	})
}
