package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/db"
	"github.com/headspace/headspace/internal/store"
)

// provideStorage opens the configured database backend and builds the
// repository over it. The returned cleanups close the connections in order.
func provideStorage(cfg *config.Config, log *logger.Logger) (*store.Repository, []func() error, error) {
	cleanups := make([]func() error, 0, 2)

	var writer, reader *sqlx.DB
	switch cfg.Database.Driver {
	case "pgx", "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		cleanups = append(cleanups, conn.Close)
		// One pool serves both roles; postgres handles concurrent writers.
		writer, reader = conn, conn
		log.Info("postgres storage ready",
			zap.String("host", cfg.Database.Host),
			zap.String("db_name", cfg.Database.DBName))
	default:
		w, err := db.OpenSQLite(cfg.Database.Path, cfg.Database.BusyTimeout())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite writer: %w", err)
		}
		cleanups = append(cleanups, w.Close)
		r, err := db.OpenSQLiteReader(cfg.Database.Path, cfg.Database.BusyTimeout())
		if err != nil {
			_ = w.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		cleanups = append(cleanups, r.Close)
		writer, reader = w, r
		log.Info("sqlite storage ready", zap.String("path", cfg.Database.Path))
	}

	repo, err := store.NewWithDB(writer, reader)
	if err != nil {
		for _, cleanup := range cleanups {
			_ = cleanup()
		}
		return nil, nil, err
	}
	return repo, cleanups, nil
}
