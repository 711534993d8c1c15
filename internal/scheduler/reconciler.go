package scheduler

// This file implements the suspension reconciler. Decide is a pure function
// of one server, its owner and the clock; ReconcileSuspensions gathers the
// inputs for every server, applies the decided mutations and tallies them.
//
// Rule priority (first match wins):
//  1. Owner banned: delete.
//  2. Build matches no plan: patch onto the cheapest enabled paid plan.
//  3. Paid plan: unsuspend when funds returned, delete after the grace
//     period, warn once when grace is nearly over, resuspend when the
//     ledger says the owner is still short, and clear a stale ledger
//     billing flag once the owner is funded again.
//  4. Free plan: delete after the inactivity limit (duplicates included),
//     suspend duplicate free servers, request an activity refresh when
//     activity is unknown, otherwise unsuspend.

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

// Decision reasons, recorded on each ReconcileEntry.
const (
	ReasonAccountBanned   = "account_banned"
	ReasonUnmatchedPlan   = "unmatched_plan"
	ReasonFundsRestored   = "funds_restored"
	ReasonGraceExpired    = "grace_expired"
	ReasonGraceWarning    = "grace_warning"
	ReasonAwaitingFunds   = "awaiting_funds"
	ReasonResuspend       = "resuspend_insufficient_funds"
	ReasonDuplicateFree   = "duplicate_free_server"
	ReasonActivityUnknown = "activity_unknown"
	ReasonInactive        = "inactive"
	ReasonFreeResume      = "free_tier_resume"
	ReasonLedgerCleared   = "ledger_suspension_cleared"
)

// ReconcileConfig tunes the reconcile pass. GraceWarning is how long before
// grace expiry the one-time warning goes out.
type ReconcileConfig struct {
	Concurrency     int
	GracePeriod     time.Duration
	GraceWarning    time.Duration
	InactivityLimit time.Duration
}

// DecisionInput is everything Decide looks at for one server.
type DecisionInput struct {
	Server  types.ProvisionedServer
	Account types.Account
	// Plan is the catalog match for Server; PlanMatched is false when the
	// build matches no plan.
	Plan        types.Plan
	PlanMatched bool
	LowestPaid  types.Plan
	// DuplicateFree marks a free server that is not its owner's lowest-id
	// free server.
	DuplicateFree bool
	Now           time.Time
	Config        ReconcileConfig
}

// Decision is the outcome of Decide.
type Decision struct {
	State  types.ServerState
	Action types.Action
	Reason string
	// PatchTo is set for ActionPatchLimits.
	PatchTo *types.Plan
	// ClearLedgerSuspension clears the owner's billing suspension after the
	// action succeeds. It is set on unsuspend for funds restored and on a
	// no-op when the ledger flag is stale.
	ClearLedgerSuspension bool
	// Notify is the owner notification to send once the action succeeds.
	Notify         types.NotificationType
	GraceRemaining time.Duration
}

// Decide applies the reconciliation rules to one server.
func Decide(in DecisionInput) Decision {
	srv, acct := in.Server, in.Account

	if acct.Banned() {
		return Decision{
			State:  types.StateDeleted,
			Action: types.ActionDelete,
			Reason: ReasonAccountBanned,
			Notify: types.NotifyServerDeleted,
		}
	}

	if !in.PlanMatched {
		target := in.LowestPaid
		return Decision{
			State:   currentState(srv),
			Action:  types.ActionPatchLimits,
			Reason:  ReasonUnmatchedPlan,
			PatchTo: &target,
		}
	}

	if !in.Plan.Free {
		return decidePaid(in)
	}
	return decideFree(in)
}

func decidePaid(in DecisionInput) Decision {
	srv, acct := in.Server, in.Account
	covered := balanceCovers(acct.Balance, in.Plan)

	if srv.Suspended {
		if covered {
			return Decision{
				State:                 types.StateActive,
				Action:                types.ActionUnsuspend,
				Reason:                ReasonFundsRestored,
				ClearLedgerSuspension: true,
				Notify:                types.NotifyServerResumed,
			}
		}

		// Without a suspension timestamp the grace clock cannot run.
		if srv.UpdatedAt.IsZero() {
			return Decision{State: types.StateSuspendedInsufficientFunds, Action: types.ActionNone, Reason: ReasonAwaitingFunds}
		}
		age := in.Now.Sub(srv.UpdatedAt)
		if age > in.Config.GracePeriod {
			return Decision{
				State:  types.StateDeleted,
				Action: types.ActionDelete,
				Reason: ReasonGraceExpired,
				Notify: types.NotifyServerDeleted,
			}
		}

		d := Decision{
			State:          types.StateSuspendedInsufficientFunds,
			Action:         types.ActionNone,
			Reason:         ReasonAwaitingFunds,
			GraceRemaining: in.Config.GracePeriod - age,
		}
		if d.GraceRemaining < in.Config.GraceWarning {
			d.Reason = ReasonGraceWarning
			d.Notify = types.NotifyGraceWarning
		}
		return d
	}

	if acct.BillingSuspended() {
		if !covered {
			return Decision{
				State:  types.StateSuspendedInsufficientFunds,
				Action: types.ActionSuspend,
				Reason: ReasonResuspend,
				Notify: types.NotifyServerSuspended,
			}
		}
		// Topped up after a failed remote suspend: the server kept running,
		// so only the ledger flag is out of date.
		return Decision{
			State:                 types.StateActive,
			Action:                types.ActionNone,
			Reason:                ReasonLedgerCleared,
			ClearLedgerSuspension: true,
		}
	}
	return Decision{State: types.StateActive, Action: types.ActionNone}
}

func decideFree(in DecisionInput) Decision {
	srv, acct := in.Server, in.Account
	known := acct.LastActivityAt != nil

	if known && in.Now.Sub(*acct.LastActivityAt) > in.Config.InactivityLimit {
		return Decision{
			State:  types.StateDeleted,
			Action: types.ActionDelete,
			Reason: ReasonInactive,
			Notify: types.NotifyServerDeleted,
		}
	}

	if in.DuplicateFree && !srv.Suspended {
		return Decision{
			State:  types.StateSuspendedInsufficientFunds,
			Action: types.ActionSuspend,
			Reason: ReasonDuplicateFree,
			Notify: types.NotifyServerSuspended,
		}
	}

	// Unknown activity is never grounds for deletion.
	if !known {
		return Decision{
			State:  currentState(srv),
			Action: types.ActionRefreshActivity,
			Reason: ReasonActivityUnknown,
		}
	}

	if in.DuplicateFree {
		return Decision{State: currentState(srv), Action: types.ActionNone, Reason: ReasonDuplicateFree}
	}
	if srv.Suspended {
		return Decision{
			State:  types.StateActive,
			Action: types.ActionUnsuspend,
			Reason: ReasonFreeResume,
		}
	}
	return Decision{State: types.StateActive, Action: types.ActionNone}
}

func currentState(srv types.ProvisionedServer) types.ServerState {
	if srv.Suspended {
		return types.StateSuspendedInsufficientFunds
	}
	return types.StateActive
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	panel    ReconcilePanel
	ledger   ReconcileLedger
	catalog  *billing.Catalog
	notifier Notifier
	metrics  ReconcileMetrics
	cfg      ReconcileConfig
	logger   *slog.Logger
	clock    func() time.Time

	// warned remembers grace warnings already sent, keyed by server id and
	// valued by the suspension timestamp they were sent for.
	warnMu sync.Mutex
	warned map[int64]time.Time
}

// ReconcilePanel is the provisioning surface the reconciler needs.
type ReconcilePanel interface {
	ServerLister
	ServerMutator
}

// NewReconciler builds a Reconciler. Nil notifier and metrics become no-ops;
// a concurrency below one is raised to one.
func NewReconciler(
	panel ReconcilePanel,
	ledger ReconcileLedger,
	catalog *billing.Catalog,
	notifier Notifier,
	metrics ReconcileMetrics,
	cfg ReconcileConfig,
	logger *slog.Logger,
) *Reconciler {
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
	return &Reconciler{
		panel:    panel,
		ledger:   ledger,
		catalog:  catalog,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
		warned:   make(map[int64]time.Time),
	}
}

// ReconcileSuspensions brings every server in line with its owner's ledger
// state. Running it twice yields the same end state as running it once.
func (r *Reconciler) ReconcileSuspensions(ctx context.Context, now time.Time) (*types.ReconcileResult, error) {
	if types.GetPassID(ctx) == "" {
		ctx = types.WithPassID(ctx, uuid.NewString())
	}
	logger := types.LoggerFromContext(ctx, r.logger.With("task", string(TaskReconcileSuspensions), "pass_id", types.GetPassID(ctx)))

	wallStart := r.clock()
	res := &types.ReconcileResult{StartedAt: now}

	servers, err := r.panel.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing servers: %w", err)
	}
	accounts, err := r.ledger.AccountsByExternalIDs(ctx, ownerIDs(servers))
	if err != nil {
		return nil, fmt.Errorf("reconcile: loading accounts: %w", err)
	}
	dups := r.duplicateFree(servers)
	lowest := r.catalog.LowestPaid()

	work := context.WithoutCancel(ctx)
	var (
		mu       sync.Mutex
		aborted  atomic.Bool
		abortErr error
	)
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)

	for _, srv := range servers {
		if aborted.Load() || ctx.Err() != nil {
			break
		}
		acct := accounts[srv.OwnerExternalID]
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			entry, storeErr := r.reconcileOne(work, logger, now, srv, acct, dups[srv.ID], lowest)
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

	r.pruneWarnings(servers)
	tallyReconcile(res)
	res.FinishedAt = now.Add(r.clock().Sub(wallStart))

	if abortErr == nil && ctx.Err() != nil {
		abortErr = ctx.Err()
	}

	r.metrics.RecordReconcile(ctx, res)
	attrs := []any{
		"servers", len(servers),
		"processed", len(res.Entries),
		"deleted", res.Deleted,
		"unsuspended", res.Unsuspended,
		"suspended", res.Suspended,
		"patched", res.Patched,
		"refreshed", res.Refreshed,
		"skipped", res.Skipped,
		"failures", res.Failures,
	}
	if abortErr != nil {
		logger.ErrorContext(ctx, "reconcile pass aborted", append(attrs, "error", abortErr)...)
		return res, fmt.Errorf("reconcile aborted: %w", abortErr)
	}
	logger.InfoContext(ctx, "reconcile pass complete", attrs...)
	return res, nil
}

// duplicateFree returns the ids of free-plan servers that are not their
// owner's lowest-id free server.
func (r *Reconciler) duplicateFree(servers []types.ProvisionedServer) map[int64]bool {
	byOwner := make(map[int64][]int64)
	for _, s := range servers {
		if p, ok := r.catalog.Match(s.Limits.MemoryMB); ok && p.Free {
			byOwner[s.OwnerExternalID] = append(byOwner[s.OwnerExternalID], s.ID)
		}
	}
	dups := make(map[int64]bool)
	for _, ids := range byOwner {
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids[1:] {
			dups[id] = true
		}
	}
	return dups
}

// reconcileOne decides and applies the action for one server. The second
// return is non-nil only for ledger store failures.
func (r *Reconciler) reconcileOne(
	ctx context.Context,
	logger *slog.Logger,
	now time.Time,
	srv types.ProvisionedServer,
	acct *types.Account,
	duplicate bool,
	lowest types.Plan,
) (types.ReconcileEntry, error) {
	entry := types.ReconcileEntry{ServerID: srv.ID, State: currentState(srv)}
	if acct == nil {
		entry.Action = types.ActionSkippedNoAccount
		logger.WarnContext(ctx, "server owner not in ledger, skipped",
			"server_id", srv.ID,
			"owner_external_id", srv.OwnerExternalID,
		)
		return entry, nil
	}
	entry.AccountID = acct.ID

	plan, matched := r.catalog.Match(srv.Limits.MemoryMB)
	d := Decide(DecisionInput{
		Server:        srv,
		Account:       *acct,
		Plan:          plan,
		PlanMatched:   matched,
		LowestPaid:    lowest,
		DuplicateFree: duplicate,
		Now:           now,
		Config:        r.cfg,
	})
	entry.State, entry.Action, entry.Reason = d.State, d.Action, d.Reason

	var err error
	switch d.Action {
	case types.ActionDelete:
		_, err = r.panel.Delete(ctx, srv.ID)
	case types.ActionPatchLimits:
		err = r.panel.PatchLimits(ctx, srv, *d.PatchTo)
	case types.ActionSuspend:
		err = r.panel.Suspend(ctx, srv.ID)
	case types.ActionUnsuspend:
		err = r.panel.Unsuspend(ctx, srv.ID)
	case types.ActionRefreshActivity:
		err = r.ledger.RequestActivityRefresh(ctx, acct.ID, now)
	}
	if err == nil && d.ClearLedgerSuspension {
		if _, cerr := r.ledger.ClearBillingSuspension(ctx, acct.ID); cerr != nil {
			err = fmt.Errorf("clearing billing suspension: %w", cerr)
		}
	}

	if err != nil {
		entry.Err = err
		entry.State = currentState(srv)
		logger.ErrorContext(ctx, "reconcile action failed",
			"server_id", srv.ID,
			"account_id", acct.ID,
			"action", string(d.Action),
			"reason", d.Reason,
			"error", err,
		)
		if types.IsStoreFailure(err) {
			return entry, err
		}
		return entry, nil
	}

	if d.Action == types.ActionUnsuspend && matched && !plan.Free &&
		acct.Balance.Equal(billing.HourlyCost(plan)) {
		logger.WarnContext(ctx, "unsuspended with exactly one hour of credit, next charge cycle will suspend again",
			"server_id", srv.ID,
			"account_id", acct.ID,
			"balance", acct.Balance.String(),
		)
	}
	if d.Action != types.ActionNone || d.ClearLedgerSuspension {
		logger.InfoContext(ctx, "reconcile action applied",
			"server_id", srv.ID,
			"account_id", acct.ID,
			"action", string(d.Action),
			"reason", d.Reason,
		)
	}
	if d.Notify != "" && r.shouldNotify(srv, d) {
		msg := types.NotificationMessage{
			Type:       d.Notify,
			AccountID:  acct.ID,
			ExternalID: acct.ExternalID,
			ServerID:   srv.ID,
			ServerName: srv.Name,
			Reason:     d.Reason,
			OccurredAt: now,
		}
		if d.Notify == types.NotifyGraceWarning {
			msg.GraceRemaining = d.GraceRemaining.Round(time.Minute).String()
		}
		r.notifier.Notify(ctx, msg)
	}
	return entry, nil
}

// shouldNotify suppresses repeated grace warnings for the same suspension.
func (r *Reconciler) shouldNotify(srv types.ProvisionedServer, d Decision) bool {
	if d.Notify != types.NotifyGraceWarning {
		return true
	}
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	if at, ok := r.warned[srv.ID]; ok && at.Equal(srv.UpdatedAt) {
		return false
	}
	r.warned[srv.ID] = srv.UpdatedAt
	return true
}

// pruneWarnings forgets servers that are no longer suspended or no longer
// exist.
func (r *Reconciler) pruneWarnings(servers []types.ProvisionedServer) {
	live := make(map[int64]bool, len(servers))
	for _, s := range servers {
		if s.Suspended {
			live[s.ID] = true
		}
	}
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	for id := range r.warned {
		if !live[id] {
			delete(r.warned, id)
		}
	}
}

func tallyReconcile(res *types.ReconcileResult) {
	sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].ServerID < res.Entries[j].ServerID })
	for _, en := range res.Entries {
		if en.Err != nil {
			res.Failures++
			continue
		}
		switch en.Action {
		case types.ActionDelete:
			res.Deleted++
		case types.ActionUnsuspend:
			res.Unsuspended++
		case types.ActionSuspend:
			res.Suspended++
		case types.ActionPatchLimits:
			res.Patched++
		case types.ActionRefreshActivity:
			res.Refreshed++
		case types.ActionSkipped, types.ActionSkippedNoAccount:
			res.Skipped++
		}
	}
}

// balanceCovers reports whether balance pays for one hour of plan. A balance
// of exactly one hour unsuspends here but fails the next debit, which needs
// the result to stay above zero; such a server is suspended again by the
// following charge cycle and its grace clock restarts.
func balanceCovers(balance decimal.Decimal, plan types.Plan) bool {
	return balance.GreaterThanOrEqual(billing.HourlyCost(plan))
}
