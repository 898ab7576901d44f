package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens the embedded database file, creating its directory.
// A single connection serializes writers, which SQLite requires anyway.
func OpenSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		path = "climax.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("[DATABASE] failed to create sqlite directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to open sqlite database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return sqlDB, nil
}

// NewSQLite opens the embedded database and ties it to the fx lifecycle
func NewSQLite(lc fx.Lifecycle, logger *zap.Logger, path string) (*sql.DB, error) {
	logger.Info("initializing sqlite database", zap.String("path", path))

	sqlDB, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sqlDB.PingContext(ctx); err != nil {
				logger.Error("sqlite ping failed", zap.Error(err), zap.String("path", path))
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot open sqlite database %s: %w", path, err)
			}
			logger.Info("sqlite database ready")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := sqlDB.Close(); err != nil {
				logger.Error("failed to close sqlite database", zap.Error(err))
				return err
			}
			logger.Info("sqlite database closed")
			return nil
		},
	})

	return sqlDB, nil
}
