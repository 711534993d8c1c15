package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"creditpanel/internal/billing"
	"creditpanel/internal/scheduler"
	"creditpanel/internal/types"
)

func newPlansCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List the plan catalog with hourly costs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), catalog.Plans())
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMEMORY_MB\tMONTHLY\tHOURLY\tFREE\tENABLED")
			for _, p := range catalog.Plans() {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\t%t\n",
					p.ID, p.MemoryMB, p.MonthlyPrice.StringFixed(2), billing.HourlyCost(p).StringFixed(4), p.Free, p.Enabled)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// newHashKeyCmd prints the bcrypt hash to put in SERVICE_KEY_HASH. The key
// is read from stdin so it never lands in shell history.
func newHashKeyCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Hash a service key read from stdin for SERVICE_KEY_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("reading key: %w", err)
			}
			key := strings.TrimRight(line, "\r\n")
			if key == "" {
				return fmt.Errorf("empty key on stdin")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
			if err != nil {
				return fmt.Errorf("hashing key: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func newMigrateCmd(with runWithBackend) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, b *backend, _ []string) error {
			if err := b.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return err
		}),
	}
}

// referenceTime parses --reference-time, defaulting to now.
func referenceTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --reference-time %q (expected RFC3339, e.g. 2026-01-15T02:00:00Z): %w", raw, err)
	}
	return t.UTC(), nil
}

// newChargeCmd claims the hour bucket the scheduled cycle uses, so a manual
// run never charges an hour the Lambda already charged. --force skips the
// claim.
func newChargeCmd(with runWithBackend) *cobra.Command {
	var (
		refTime string
		asJSON  bool
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "charge",
		Short: "Run one charge cycle now",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, b *backend, _ []string) error {
			now, err := referenceTime(refTime)
			if err != nil {
				return err
			}
			if !force {
				lock := scheduler.ChargeLockID(now)
				ok, err := b.Locks.Claim(cmd.Context(), lock, "panelctl-"+uuid.NewString())
				if err != nil {
					return fmt.Errorf("claiming %s: %w", lock, err)
				}
				if !ok {
					return fmt.Errorf("hour already charged (lock %s held); pass --force to charge it again", lock)
				}
			}
			res, passErr := b.Billing.ChargeCycle(cmd.Context(), now)
			if res != nil {
				if err := printCycle(cmd.OutOrStdout(), res, asJSON); err != nil {
					return err
				}
			}
			return passErr
		}),
	}
	cmd.Flags().StringVar(&refTime, "reference-time", "", "override now (RFC3339)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&force, "force", false, "charge even if the hour was already charged")
	return cmd
}

func newReconcileCmd(with runWithBackend) *cobra.Command {
	var (
		refTime string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one suspension reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, b *backend, _ []string) error {
			now, err := referenceTime(refTime)
			if err != nil {
				return err
			}
			res, passErr := b.Reconciler.ReconcileSuspensions(cmd.Context(), now)
			if res != nil {
				if err := printReconcile(cmd.OutOrStdout(), res, asJSON); err != nil {
					return err
				}
			}
			return passErr
		}),
	}
	cmd.Flags().StringVar(&refTime, "reference-time", "", "override now (RFC3339)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newBalanceCmd(with runWithBackend) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Show an account's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, b *backend, args []string) error {
			bal, err := b.Ledger.CreditBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], bal.StringFixed(4))
			return err
		}),
	}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if !amt.Equal(amt.Round(4)) {
		return decimal.Zero, fmt.Errorf("amount %s has more than 4 decimal places", raw)
	}
	return amt, nil
}

func newCreditCmd(with runWithBackend) *cobra.Command {
	var promote bool
	cmd := &cobra.Command{
		Use:   "credit <account-id> <amount>",
		Short: "Add credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, b *backend, args []string) error {
			amt, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			bal, err := b.Ledger.CreditAccount(cmd.Context(), args[0], amt, promote)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\tbalance %s\n", args[0], bal.StringFixed(4))
			return err
		}),
	}
	cmd.Flags().BoolVar(&promote, "promote", false, "promote a plain user to client")
	return cmd
}

func newDebitCmd(with runWithBackend) *cobra.Command {
	return &cobra.Command{
		Use:   "debit <account-id> <amount>",
		Short: "Debit an account; suspends it when funds are insufficient",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, b *backend, args []string) error {
			amt, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			outcome, err := b.Ledger.DebitAccount(cmd.Context(), args[0], amt)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], outcome)
			return err
		}),
	}
}

func newTransferCmd(with runWithBackend) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <server-id> <node-id>",
		Short: "Move a server to another node",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, b *backend, args []string) error {
			serverID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid server id %q", args[0])
			}
			nodeID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid node id %q", args[1])
			}
			res, err := b.Transfers.TransferServer(cmd.Context(), serverID, nodeID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "server %d: node %d -> %d (allocation %d)\n",
				res.ServerID, res.FromNodeID, res.ToNodeID, res.AllocationID)
			return err
		}),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func printCycle(w io.Writer, res *types.CycleResult, asJSON bool) error {
	if asJSON {
		type entry struct {
			ServerID  int64        `json:"server_id"`
			AccountID string       `json:"account_id,omitempty"`
			Action    types.Action `json:"action"`
			Amount    string       `json:"amount,omitempty"`
			Error     string       `json:"error,omitempty"`
		}
		out := struct {
			Charged   int     `json:"charged"`
			Suspended int     `json:"suspended"`
			Anomalies int     `json:"anomalies"`
			Skipped   int     `json:"skipped"`
			Failures  int     `json:"failures"`
			Total     string  `json:"total"`
			Entries   []entry `json:"entries"`
		}{res.Charged, res.Suspended, res.Anomalies, res.Skipped, res.Failures, res.Total.StringFixed(4), nil}
		for _, e := range res.Entries {
			amt := ""
			if e.Action == types.ActionCharged {
				amt = e.Amount.StringFixed(4)
			}
			out.Entries = append(out.Entries, entry{e.ServerID, e.AccountID, e.Action, amt, errString(e.Err)})
		}
		return writeJSON(w, out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tACCOUNT\tACTION\tAMOUNT\tERROR")
	for _, e := range res.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ServerID, e.AccountID, e.Action, e.Amount.StringFixed(4), errString(e.Err))
	}
	fmt.Fprintf(tw, "\ncharged %d, suspended %d, anomalies %d, skipped %d, failures %d, total %s\n",
		res.Charged, res.Suspended, res.Anomalies, res.Skipped, res.Failures, res.Total.StringFixed(4))
	return tw.Flush()
}

func printReconcile(w io.Writer, res *types.ReconcileResult, asJSON bool) error {
	if asJSON {
		type entry struct {
			ServerID  int64             `json:"server_id"`
			AccountID string            `json:"account_id,omitempty"`
			State     types.ServerState `json:"state"`
			Action    types.Action      `json:"action"`
			Reason    string            `json:"reason,omitempty"`
			Error     string            `json:"error,omitempty"`
		}
		out := struct {
			Deleted     int     `json:"deleted"`
			Unsuspended int     `json:"unsuspended"`
			Suspended   int     `json:"suspended"`
			Patched     int     `json:"patched"`
			Refreshed   int     `json:"refreshed"`
			Failures    int     `json:"failures"`
			Entries     []entry `json:"entries"`
		}{res.Deleted, res.Unsuspended, res.Suspended, res.Patched, res.Refreshed, res.Failures, nil}
		for _, e := range res.Entries {
			out.Entries = append(out.Entries, entry{e.ServerID, e.AccountID, e.State, e.Action, e.Reason, errString(e.Err)})
		}
		return writeJSON(w, out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tACCOUNT\tSTATE\tACTION\tREASON\tERROR")
	for _, e := range res.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.ServerID, e.AccountID, e.State, e.Action, e.Reason, errString(e.Err))
	}
	fmt.Fprintf(tw, "\ndeleted %d, unsuspended %d, suspended %d, patched %d, refreshed %d, failures %d\n",
		res.Deleted, res.Unsuspended, res.Suspended, res.Patched, res.Refreshed, res.Failures)
	return tw.Flush()
}
