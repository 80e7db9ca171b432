package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dpledger/internal/api"
	"dpledger/internal/core"
	"dpledger/internal/dataset"
	"dpledger/internal/mechanism"
	"dpledger/internal/policy"
	"dpledger/internal/service"

	// Drivers
	_ "github.com/alexbrainman/odbc"
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if isRunningAsService() {
		runAsService()
		return
	}
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dpledger",
		Short: "dpledger - differential privacy query engine",
		Long: "Answers aggregate queries over a sensitive dataset with calibrated noise\n" +
			"and charges every answer against the caller's epsilon budget.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newAccountCommand())
	cmd.AddCommand(newBudgetCommand())
	cmd.AddCommand(newPlatformCommand())
	cmd.AddCommand(newPolicyCommand())
	cmd.AddCommand(newSourceCommand())
	addServiceCommands(cmd)
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

// serve runs the server until SIGINT/SIGTERM or ctx is done.
func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runServer(ctx)
}

func runServer(ctx context.Context) error {
	a, err := openApp(ctx, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log
	log.Info("starting dpledger", "policy_version", a.policies.Current().Version)

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.PolicyFile != "" {
		w := policy.NewWatcher(a.cfg.PolicyFile, a.policies, log)
		if err := w.Sync(ctx); err != nil {
			return fmt.Errorf("apply policy file: %w", err)
		}
		if a.cfg.PolicyWatch {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	var accessor core.DataAccessor
	src, err := a.sources.Open(ctx, a.cfg.DatasetSource)
	if err != nil {
		log.Warn("dataset source unavailable, queries will fail", "source", a.cfg.DatasetSource, "error", err)
		accessor = dataset.Unavailable{Err: err}
	} else {
		defer src.Close()
		log.Info("dataset source opened", "source", a.cfg.DatasetSource, "columns", src.NumericColumns())
		accessor = src
	}

	executor := service.NewQueryExecutor(a.ledger, a.policies, a.auditLog, accessor, mechanism.NewEngine(nil), service.ExecutorOptions{
		DatasetTimeout: a.cfg.DatasetTimeout,
		Logger:         log,
	})

	limiter := api.NewRateLimiter(a.cfg.RateLimitRPM, a.cfg.RateLimitBurst)
	handler := api.NewHandler(executor, a.budgets, a.auth, a.policies, limiter, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		limiter.Run(gctx.Done())
		return nil
	})

	g.Go(func() error {
		log.Info("server listening", "port", a.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server startup failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}
