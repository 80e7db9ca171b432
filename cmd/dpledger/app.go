package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"dpledger/internal/audit"
	"dpledger/internal/config"
	"dpledger/internal/data"
	"dpledger/internal/ledger"
	"dpledger/internal/logger"
	"dpledger/internal/policy"
	"dpledger/internal/service"
)

const closeTimeout = 10 * time.Second

// app holds the state shared by serve and the administrative commands.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	logFile  io.Closer
	db       *sql.DB
	auditLog *audit.Logger
	ledger   *ledger.Ledger
	policies *policy.Store
	auth     *service.AuthService
	budgets  *service.BudgetService
	sources  *service.SourceService
}

// openApp loads config, opens the metadata store and builds the services.
// console receives log output alongside the log file.
func openApp(ctx context.Context, console io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config (check .env or %s): %w", config.KeyEnv, err)
	}

	log, logFile, err := logger.InitWith(console, cfg.LogDir, cfg.SlogLevel())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if cfg.KeyGenerated {
		log.Warn("generated a new master key and saved it to .env", "env", config.KeyEnv)
	}

	db, err := data.InitDB(cfg.DBPath)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}

	a := &app{cfg: cfg, log: log, logFile: logFile, db: db}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	accountRepo := data.NewAccountRepo(a.db)
	apiKeyRepo := data.NewApiKeyRepo(a.db)

	auditLog, err := audit.New(ctx, data.NewAuditRepo(a.db), audit.Options{
		RetryInterval: a.cfg.AuditRetryInterval,
		Logger:        a.log,
	})
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	a.auditLog = auditLog

	a.ledger = ledger.New(data.NewBudgetRepo(a.db), ledger.Options{
		LockTimeout:  a.cfg.LedgerLockTimeout,
		DefaultTotal: a.cfg.DefaultTotalEpsilon,
		History:      auditLog.GrantedSince,
		Logger:       a.log,
	})

	a.policies, err = policy.NewStore(ctx, data.NewPolicyRepo(a.db), a.log)
	if err != nil {
		return fmt.Errorf("init policy store: %w", err)
	}

	cryptoSvc, err := service.NewEncryptionService(a.cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("init crypto service: %w", err)
	}

	a.auth = service.NewAuthService(accountRepo, apiKeyRepo, a.ledger, a.log)
	a.budgets = service.NewBudgetService(a.ledger, auditLog, accountRepo, a.log)
	a.sources = service.NewSourceService(data.NewSourceRepo(a.db), cryptoSvc)
	return nil
}

// Close drains the audit queue before the database goes away.
func (a *app) Close() {
	if a.auditLog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.auditLog.Close(ctx); err != nil {
			a.log.Error("audit log close", "error", err)
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("database close", "error", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
