package scheduler

// This file implements the hourly charge cycle.
//
// Flow:
//  1. List every provisioned server. Failure aborts the pass.
//  2. Load the owning accounts in one ledger call. Failure aborts the pass.
//  3. For each server (bounded by BillingConfig.Concurrency): match the plan
//     by memory fingerprint, debit the hourly cost, and suspend the server
//     when the debit is refused.
//  4. Publish pass metrics and a summary log line.
//
// Per-server failures are recorded on the entry and the pass continues. A
// ledger store failure stops new work; operations already in flight are run
// to completion on a context that ignores cancellation.

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"creditpanel/internal/billing"
	"creditpanel/internal/types"
)

// BillingConfig tunes the charge cycle.
type BillingConfig struct {
	// ChargeSuspended keeps billing servers that are already suspended
	// remotely. Their debits keep the owner's balance draining until the
	// reconciler deletes them.
	ChargeSuspended bool
	Concurrency     int
}

// BillingEngine runs charge cycles.
type BillingEngine struct {
	panel    ServerLister
	suspend  Suspender
	ledger   BillingLedger
	catalog  *billing.Catalog
	notifier Notifier
	metrics  CycleMetrics
	cfg      BillingConfig
	logger   *slog.Logger
	clock    func() time.Time
}

// BillingPanel is the provisioning surface the engine needs.
type BillingPanel interface {
	ServerLister
	Suspender
}

// NewBillingEngine creates a BillingEngine. Nil notifier or metrics fall back to
// no-ops and a nil logger falls back to slog.Default().
func NewBillingEngine(
	panel BillingPanel,
	ledger BillingLedger,
	catalog *billing.Catalog,
	notifier Notifier,
	metrics CycleMetrics,
	cfg BillingConfig,
	logger *slog.Logger,
) *BillingEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingEngine{
		panel:    panel,
		suspend:  panel,
		ledger:   ledger,
		catalog:  catalog,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
	}
}

// ChargeCycle debits every billable server's owner for one hour of usage.
// The returned result is non-nil once servers and accounts are loaded, even
// when the pass was aborted part way.
func (e *BillingEngine) ChargeCycle(ctx context.Context, now time.Time) (*types.CycleResult, error) {
	if types.GetPassID(ctx) == "" {
		ctx = types.WithPassID(ctx, uuid.NewString())
	}
	logger := types.LoggerFromContext(ctx, e.logger.With("task", string(TaskChargeCycle), "pass_id", types.GetPassID(ctx)))

	wallStart := e.clock()
	res := &types.CycleResult{StartedAt: now, Total: decimal.Zero}

	servers, err := e.panel.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("charge cycle: listing servers: %w", err)
	}
	accounts, err := e.ledger.AccountsByExternalIDs(ctx, ownerIDs(servers))
	if err != nil {
		return nil, fmt.Errorf("charge cycle: loading accounts: %w", err)
	}

	work := context.WithoutCancel(ctx)
	var (
		mu       sync.Mutex
		aborted  atomic.Bool
		abortErr error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)

	for _, srv := range servers {
		if aborted.Load() || ctx.Err() != nil {
			break
		}
		acct := accounts[srv.OwnerExternalID]
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			entry, storeErr := e.charge(work, logger, now, srv, acct)
			mu.Lock()
			defer mu.Unlock()
			res.Entries = append(res.Entries, entry)
			if storeErr != nil && abortErr == nil {
				abortErr = storeErr
				aborted.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.tally(res)
	res.FinishedAt = now.Add(e.clock().Sub(wallStart))

	if abortErr == nil && ctx.Err() != nil {
		abortErr = ctx.Err()
	}

	e.metrics.RecordCycle(ctx, res)
	attrs := []any{
		"servers", len(servers),
		"processed", len(res.Entries),
		"charged", res.Charged,
		"suspended", res.Suspended,
		"anomalies", res.Anomalies,
		"skipped", res.Skipped,
		"failures", res.Failures,
		"total", res.Total.String(),
	}
	if abortErr != nil {
		logger.ErrorContext(ctx, "charge cycle aborted", append(attrs, "error", abortErr)...)
		return res, fmt.Errorf("charge cycle aborted: %w", abortErr)
	}
	logger.InfoContext(ctx, "charge cycle complete", attrs...)
	return res, nil
}

// charge bills one server. The second return is non-nil only for ledger
// store failures, which abort the pass.
func (e *BillingEngine) charge(ctx context.Context, logger *slog.Logger, now time.Time, srv types.ProvisionedServer, acct *types.Account) (types.CycleEntry, error) {
	entry := types.CycleEntry{ServerID: srv.ID, Action: types.ActionNone}

	plan, ok := e.catalog.Match(srv.Limits.MemoryMB)
	if !ok {
		entry.Action = types.ActionAnomaly
		entry.Err = types.NewAppError(types.ErrCodeAnomalyUnmatchedPlan,
			fmt.Sprintf("no plan matches %d MB", srv.Limits.MemoryMB), nil)
		logger.WarnContext(ctx, "server matches no plan, not charged",
			"server_id", srv.ID,
			"memory_mb", srv.Limits.MemoryMB,
		)
		return entry, nil
	}
	if acct == nil {
		entry.Action = types.ActionSkippedNoAccount
		logger.WarnContext(ctx, "server owner not in ledger, not charged",
			"server_id", srv.ID,
			"owner_external_id", srv.OwnerExternalID,
		)
		return entry, nil
	}
	entry.AccountID = acct.ID

	if srv.Suspended && !e.cfg.ChargeSuspended {
		entry.Action = types.ActionSkipped
		return entry, nil
	}

	cost := billing.HourlyCost(plan)
	outcome, err := e.ledger.DebitAccount(ctx, acct.ID, cost)
	switch {
	case types.IsStoreFailure(err):
		entry.Err = err
		return entry, err
	case types.IsCode(err, types.ErrCodeNotFoundAccount):
		entry.Action = types.ActionSkippedNoAccount
		return entry, nil
	case err != nil:
		entry.Err = err
		logger.ErrorContext(ctx, "debit failed", "server_id", srv.ID, "account_id", acct.ID, "error", err)
		return entry, nil
	}

	if outcome == types.DebitApplied {
		if cost.IsPositive() {
			entry.Action = types.ActionCharged
			entry.Amount = cost
		}
		return entry, nil
	}

	// Insufficient funds. The ledger is already marked suspended.
	if srv.Suspended {
		return entry, nil
	}
	entry.Action = types.ActionSuspend
	if err := e.suspend.Suspend(ctx, srv.ID); err != nil {
		entry.Err = err
		logger.ErrorContext(ctx, "suspend after refused debit failed",
			"server_id", srv.ID,
			"account_id", acct.ID,
			"error", err,
		)
		return entry, nil
	}
	e.notifier.Notify(ctx, types.NotificationMessage{
		Type:       types.NotifyServerSuspended,
		AccountID:  acct.ID,
		ExternalID: acct.ExternalID,
		ServerID:   srv.ID,
		ServerName: srv.Name,
		Reason:     "insufficient_funds",
		OccurredAt: now,
	})
	return entry, nil
}

func (e *BillingEngine) tally(res *types.CycleResult) {
	sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].ServerID < res.Entries[j].ServerID })
	for _, en := range res.Entries {
		switch en.Action {
		case types.ActionCharged:
			res.Charged++
			res.Total = res.Total.Add(en.Amount)
		case types.ActionSuspend:
			if en.Err == nil {
				res.Suspended++
			}
		case types.ActionAnomaly:
			res.Anomalies++
			continue
		case types.ActionSkipped, types.ActionSkippedNoAccount:
			res.Skipped++
		}
		if en.Err != nil {
			res.Failures++
		}
	}
}
