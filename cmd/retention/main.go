// Command retention runs one cleanup pass over the ledger and exits. It is
// meant to be started by an external scheduler such as cron or a systemd timer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/septivank/climax-ledger/internal/config"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/logging"
	"github.com/septivank/climax-ledger/internal/repository"
	"github.com/septivank/climax-ledger/internal/retention"
	"go.uber.org/zap"
)

const runTimeout = 10 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return 2
	}

	logger, err := logging.NewLogger(logging.Options{
		ServiceName: cfg.ServiceName + "-retention",
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		return 2
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, runTimeout)
	defer cancelTimeout()

	repo, closeDB, err := openRepository(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return 1
	}
	defer closeDB()

	if err := repo.Init(ctx, cfg.Liveness()); err != nil {
		logger.Error("failed to initialize schema", zap.Error(err))
		return 1
	}

	engine := retention.NewEngine(repo, retention.Horizons{
		DataDays:     cfg.Retention.DataDays,
		SecurityDays: cfg.Retention.SecurityDays,
		AuditDays:    cfg.Retention.AuditDays,
	}, logger)
	report := engine.Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("failed to write report", zap.Error(err))
	}

	if report.Failed() {
		return 1
	}
	return 0
}

func openRepository(ctx context.Context, cfg *config.Config) (*repository.Repository, func(), error) {
	if cfg.Database.Driver == "sqlite" {
		sqlDB, err := db.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewSQLite(sqlDB), func() { sqlDB.Close() }, nil
	}

	pool, err := db.Connect(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL(),
		Schema:   cfg.Database.Schema,
		MaxConns: 2,
	})
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPostgres(pool, cfg.Database.Schema), pool.Close, nil
}
