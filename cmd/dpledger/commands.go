package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dpledger/internal/core"
	"dpledger/internal/policy"
	"dpledger/internal/service"
)

// cliMeta identifies administrative actions taken from the command line
// in the audit log.
var cliMeta = service.RequestMeta{AccountID: "cli", SourceAddr: "local"}

// withApp opens the app with logs on stderr, keeping stdout for results.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newAccountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts and their API keys",
	}
	cmd.AddCommand(newAccountCreateCommand())
	cmd.AddCommand(newAccountRoleCommand())
	cmd.AddCommand(newAccountListCommand())
	return cmd
}

func newAccountCreateCommand() *cobra.Command {
	var req service.NewAccount
	var role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with a privacy budget and print its API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Role = core.Role(role)
			return withApp(cmd, func(ctx context.Context, a *app) error {
				account, key, err := a.auth.CreateAccount(ctx, req)
				if err != nil {
					return err
				}
				status, err := a.budgets.GetBudgetStatus(ctx, account.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Account:  %s (%s)\n", account.ID, account.Role)
				fmt.Fprintf(out, "Budget:   %.4g epsilon\n", status.TotalEpsilon)
				fmt.Fprintf(out, "API key:  %s\n", key)
				fmt.Fprintln(out, "Store the key now; it cannot be shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.DisplayName, "name", "", "display name (required)")
	cmd.Flags().StringVar(&req.Organization, "org", "", "organization")
	cmd.Flags().StringVar(&role, "role", string(core.RoleAnalyst), "role (analyst|admin)")
	cmd.Flags().Float64Var(&req.TotalEpsilon, "epsilon", 0, "total epsilon budget (default from DEFAULT_TOTAL_EPSILON)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAccountRoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "role <account-id> <analyst|admin>",
		Short: "Change an account's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.auth.UpdateRole(ctx, args[0], core.Role(args[1])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account '%s' is now %s.\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newAccountListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				accounts, err := a.auth.ListAccounts(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tROLE\tORGANIZATION\tCREATED")
				for _, acc := range accounts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", acc.ID, acc.DisplayName, acc.Role, acc.Organization, acc.CreatedAt.Format("2006-01-02"))
				}
				return tw.Flush()
			})
		},
	}
}

func newBudgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and reset privacy budgets",
		Long: "Inspect and reset privacy budgets.\n\n" +
			"A running server caches budgets; reset through POST /api/epsilon/reset\n" +
			"while it is up and use these commands only when it is stopped.",
	}
	cmd.AddCommand(newBudgetStatusCommand())
	cmd.AddCommand(newBudgetResetCommand())
	return cmd
}

func newBudgetStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [account-id]",
		Short: "Show one budget as JSON, or a table of all budgets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					status, err := a.budgets.GetBudgetStatus(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), status)
				}

				accounts, err := a.auth.ListAccounts(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ACCOUNT\tTOTAL\tREMAINING\tWARNING\tRESETS\tLAST RESET")
				for _, acc := range accounts {
					s, err := a.budgets.GetBudgetStatus(ctx, acc.ID)
					if err != nil {
						return fmt.Errorf("account %s: %w", acc.ID, err)
					}
					fmt.Fprintf(tw, "%s\t%.4g\t%.4g\t%t\t%d\t%s\n", s.AccountID, s.TotalEpsilon, s.RemainingEpsilon, s.IsWarning, s.ResetCount, s.LastReset.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
}

func newBudgetResetCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset <account-id>",
		Short: "Restore an account's remaining budget to its total",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				status, err := a.budgets.ResetBudget(ctx, cliMeta, args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newPlatformCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Platform-wide administration",
	}

	var reason string
	var yes bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset every budget and clear the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if err := confirm(cmd, "RESET"); err != nil {
					return err
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.budgets.ResetPlatform(ctx, cliMeta, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d budgets and cleared the audit log.\n", n)
				return nil
			})
		},
	}
	reset.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	reset.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.AddCommand(reset)
	return cmd
}

// confirm asks the user to type word. Without a terminal it refuses.
func confirm(cmd *cobra.Command, word string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("refusing to continue without a terminal; pass --yes")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "This cannot be undone. Type %s to continue: ", word)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if strings.TrimSpace(line) != word {
		return errors.New("aborted")
	}
	return nil
}

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or apply the privacy policy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current policy as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p := a.policies.Current()
				out, err := policy.Marshal(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# version %d\n%s", p.Version, out)
				return nil
			})
		},
	})

	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Store a YAML policy file as a new version",
		Long: "Store a YAML policy file as a new version. Nothing is written when the\n" +
			"rules equal the current version. A running server sees the new version\n" +
			"after a restart; set POLICY_FILE to have it reload the file itself.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.LoadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				next, changed, err := a.policies.Apply(ctx, p, cliMeta.AccountID)
				if err != nil {
					return err
				}
				if !changed {
					fmt.Fprintf(cmd.OutOrStdout(), "Policy unchanged (version %d).\n", next.Version)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Policy version %d stored.\n", next.Version)
				return nil
			})
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "policy YAML file (required)")
	_ = apply.MarkFlagRequired("file")
	cmd.AddCommand(apply)
	return cmd
}

func newSourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Register dataset sources",
	}

	var name, driver, dsn, table string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a dataset source; the DSN is stored encrypted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				var err error
				if dsn, err = readSecret(cmd, "DSN: "); err != nil {
					return err
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				src, err := a.sources.Register(ctx, name, driver, dsn, table)
				if err != nil {
					return err
				}
				acc, err := a.sources.Open(ctx, src.Name)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: source registered but not reachable: %v\n", err)
					return nil
				}
				defer acc.Close()
				fmt.Fprintf(cmd.OutOrStdout(), "Source '%s' registered. Numeric columns: %s\n", src.Name, strings.Join(acc.NumericColumns(), ", "))
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "source name (required)")
	add.Flags().StringVar(&driver, "driver", "sqlite", "driver ("+strings.Join(service.SupportedDrivers, "|")+")")
	add.Flags().StringVar(&dsn, "dsn", "", "connection string (prompted without echo when omitted)")
	add.Flags().StringVar(&table, "table", "patients", "table holding one record per row")
	_ = add.MarkFlagRequired("name")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sources, err := a.sources.List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tDRIVER\tTABLE\tACTIVE")
				for _, s := range sources {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", s.Name, s.Driver, s.Table, s.IsActive)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

// readSecret prompts on stderr and reads a line without echo.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--dsn is required when stdin is not a terminal")
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr()) // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "", errors.New("DSN cannot be empty")
	}
	return s, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
