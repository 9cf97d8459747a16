package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"classhub/internal/answers"
	"classhub/internal/api"
	"classhub/internal/bus"
	"classhub/internal/config"
	"classhub/internal/database"
	"classhub/internal/hub"
	"classhub/internal/presence"
	"classhub/internal/registry"
	"classhub/internal/websocket"
	dbschema "classhub/pkg/database"
)

// Application owns the dependency graph and the HTTP server lifecycle.
type Application struct {
	config  *config.Config
	logger  *slog.Logger
	db      *database.Manager
	bus     bus.Bus
	server  *http.Server
}

// New builds the full application: database, migrations, bus, registry,
// presence, answer store, hub and HTTP surface, in dependency order.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.NewManager(&dbschema.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := dbschema.NewMigrationManager(db.GetDB()).ApplyMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	validator := dbschema.NewSchemaValidator(db.GetDB())
	if err := validator.ValidateTablesExist(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if err := validator.ValidateIndexes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	messageBus, err := buildBus(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	rooms := registry.NewRegistry(db, logger)
	tracker := presence.NewTracker(messageBus, logger)
	store := answers.NewStore(db, logger)
	sessions := hub.NewHub(rooms, tracker, store, messageBus, logger)
	wsHandler := websocket.NewHandler(websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		SendBuffer:   cfg.WebSocket.SendBuffer,
	}, rooms, sessions, logger)
	server := api.NewServer(rooms, store, db, wsHandler, logger)

	app := &Application{
		config: cfg,
		logger: logger,
		db:     db,
		bus:    messageBus,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
			Handler:      server,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
	}

	if err := rooms.LoadRooms(context.Background()); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func buildBus(cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	if cfg.Redis.URL == "" {
		logger.Info("using in-process message bus")
		return bus.NewMemory(), nil
	}

	redisBus, err := bus.NewRedis(cfg.Redis.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("using redis message bus")
	return redisBus, nil
}

// Run serves HTTP until ctx is canceled, then drains gracefully.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("forced shutdown", "error", err)
	}
	return a.Close()
}

// Close releases the bus and the database. Safe to call after Run.
func (a *Application) Close() error {
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("failed to close bus", "error", err)
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
