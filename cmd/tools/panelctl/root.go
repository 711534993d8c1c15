package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"creditpanel/internal/app"
	"creditpanel/internal/billing"
	"creditpanel/internal/config"
	"creditpanel/internal/db"
	"creditpanel/internal/lifecycle"
	"creditpanel/internal/types"
)

// backend is the slice of the wired application the commands use.
type backend struct {
	Ledger interface {
		CreditBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
		DebitAccount(ctx context.Context, accountID string, amount decimal.Decimal) (types.DebitOutcome, error)
		CreditAccount(ctx context.Context, accountID string, amount decimal.Decimal, promote bool) (decimal.Decimal, error)
	}
	Billing interface {
		ChargeCycle(ctx context.Context, now time.Time) (*types.CycleResult, error)
	}
	Reconciler interface {
		ReconcileSuspensions(ctx context.Context, now time.Time) (*types.ReconcileResult, error)
	}
	Transfers interface {
		TransferServer(ctx context.Context, serverID, targetNodeID int64) (*lifecycle.TransferResult, error)
	}
	// Locks is the job lock table shared with the reconciler Lambda.
	Locks interface {
		Claim(ctx context.Context, lockID, workerID string) (bool, error)
	}
	Migrate func(ctx context.Context) error
	Close   func(ctx context.Context) error
}

// opener builds the backend on first use, so commands that need no database
// (plans, hash-key, version) run without configuration.
type opener func(ctx context.Context) (*backend, error)

func openBackend(ctx context.Context) (*backend, error) {
	var provider config.SecretProvider = config.EnvVarProvider{}
	if os.Getenv("AWS_REGION") != "" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.Load(provider)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	a, err := app.New(ctx, cfg, app.NewLogger(cfg.LogLevel), app.Options{})
	if err != nil {
		return nil, err
	}
	return &backend{
		Ledger:     a.Ledger,
		Billing:    a.Billing,
		Reconciler: a.Reconciler,
		Transfers:  a.Transfers,
		Locks:      a.JobLocks,
		Migrate:    func(ctx context.Context) error { return db.Migrate(ctx, a.Pool) },
		Close: func(ctx context.Context) error {
			_ = a.Flush(ctx)
			return a.Close(ctx)
		},
	}, nil
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "panelctl",
		Short:         "Operate the credit billing and server lifecycle passes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// withBackend opens the backend for one command and closes it after.
	withBackend := func(fn func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if b.Close != nil {
					_ = b.Close(context.WithoutCancel(cmd.Context()))
				}
			}()
			return fn(cmd, b, args)
		}
	}

	root.AddCommand(
		newVersionCmd(),
		newPlansCmd(),
		newHashKeyCmd(),
		newMigrateCmd(withBackend),
		newChargeCmd(withBackend),
		newReconcileCmd(withBackend),
		newBalanceCmd(withBackend),
		newCreditCmd(withBackend),
		newDebitCmd(withBackend),
		newTransferCmd(withBackend),
	)
	return root
}

type runWithBackend func(fn func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := config.NewBuildInfo()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, built %s)\n", info.Version, info.Commit, info.BuildTime)
			return err
		},
	}
}

func loadCatalog() (*billing.Catalog, error) {
	return billing.LoadCatalog(os.Getenv("PLAN_CATALOG_JSON"))
}
