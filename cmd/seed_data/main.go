// Command seed_data writes a synthetic patients table into a SQLite file and
// registers it as a dataset source. Test data only.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"dpledger/internal/config"
	"dpledger/internal/core"
	"dpledger/internal/data"
	"dpledger/internal/dataset"
	"dpledger/internal/service"
)

type options struct {
	out      string
	count    int
	seed     uint64
	table    string
	source   string
	register bool
	force    bool
}

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "seed_data",
		Short:        "Write synthetic patient records and register them as a dataset source",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.out, "out", "patients.db", "SQLite file to create")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 1000, "number of patients")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 42, "generator seed")
	cmd.Flags().StringVar(&opts.table, "table", "patients", "table name")
	cmd.Flags().StringVar(&opts.source, "source", "patients", "dataset source name to register")
	cmd.Flags().BoolVar(&opts.register, "register", true, "register the file in the dpledger database")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing file")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()
	if opts.count < 1 {
		return errors.New("--count must be at least 1")
	}
	out, err := filepath.Abs(opts.out)
	if err != nil {
		return err
	}
	if _, err := os.Stat(out); err == nil {
		if !opts.force {
			return fmt.Errorf("%s exists, pass --force to overwrite", out)
		}
		if err := os.Remove(out); err != nil {
			return err
		}
	}

	db, err := sql.Open("sqlite", out)
	if err != nil {
		return err
	}
	patients := dataset.SyntheticPatients(opts.count, opts.seed)
	err = dataset.WritePatients(ctx, db, "sqlite", opts.table, patients)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write patients: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d patients to %s (table %s).\n", len(patients), out, opts.table)

	if !opts.register {
		return nil
	}
	return register(ctx, cmd, opts, out)
}

func register(ctx context.Context, cmd *cobra.Command, opts *options, dsn string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := data.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	cryptoSvc, err := service.NewEncryptionService(cfg.MasterKey)
	if err != nil {
		return err
	}
	sources := service.NewSourceService(data.NewSourceRepo(db), cryptoSvc)
	if _, err := sources.Register(ctx, opts.source, "sqlite", dsn, opts.table); err != nil {
		if core.Kind(err) == core.KindConflict {
			fmt.Fprintf(cmd.OutOrStdout(), "Source '%s' already registered; left unchanged.\n", opts.source)
			return nil
		}
		return fmt.Errorf("register source: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered source '%s' in %s.\n", opts.source, cfg.DBPath)
	return nil
}
