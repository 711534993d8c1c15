// Package scheduler implements the scheduled passes of the billing system:
// the hourly charge cycle and the suspension reconciler.
//
// This file defines the task payload shared by the pass services and the
// cmd/reconciler Lambda handler, plus the narrow collaborator interfaces the
// passes depend on. Production implementations live in internal/external,
// internal/ledger, internal/notify and internal/metrics.
package scheduler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"creditpanel/internal/types"
)

// TaskType identifies which pass an EventBridge event triggers.
type TaskType string

const (
	TaskChargeCycle          TaskType = "charge_cycle"
	TaskReconcileSuspensions TaskType = "reconcile_suspensions"
	TaskRefreshNodeCache     TaskType = "refresh_node_cache"
)

// ChargeLockID is the job lock key of the charge cycle for the hour
// containing now. Every entry point that charges claims it first.
func ChargeLockID(now time.Time) string {
	return string(TaskChargeCycle) + ":" + now.UTC().Truncate(time.Hour).Format("2006-01-02T15")
}

// Payload is the JSON body EventBridge sends to the reconciler Lambda.
//
//	{
//	  "task": "charge_cycle",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type Payload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs. Nil means time.Now().UTC().
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// ServerLister lists every provisioned server.
type ServerLister interface {
	ListServers(ctx context.Context) ([]types.ProvisionedServer, error)
}

// Suspender is the part of the provisioning client the charge cycle needs.
type Suspender interface {
	Suspend(ctx context.Context, id int64) error
}

// ServerMutator is the part of the provisioning client the reconciler needs.
type ServerMutator interface {
	Suspend(ctx context.Context, id int64) error
	Unsuspend(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) (int, error)
	PatchLimits(ctx context.Context, server types.ProvisionedServer, plan types.Plan) error
}

// AccountLoader joins servers to their owners in one ledger call.
type AccountLoader interface {
	AccountsByExternalIDs(ctx context.Context, externalIDs []int64) (map[int64]*types.Account, error)
}

// BillingLedger is satisfied by *ledger.Service.
type BillingLedger interface {
	AccountLoader
	DebitAccount(ctx context.Context, accountID string, amount decimal.Decimal) (types.DebitOutcome, error)
}

// ReconcileLedger is satisfied by *ledger.Service.
type ReconcileLedger interface {
	AccountLoader
	ClearBillingSuspension(ctx context.Context, accountID string) (bool, error)
	RequestActivityRefresh(ctx context.Context, accountID string, at time.Time) error
}

// Notifier enqueues owner notifications without blocking. It reports false
// when the message was dropped.
type Notifier interface {
	Notify(ctx context.Context, msg types.NotificationMessage) bool
}

// CycleMetrics receives the charge cycle summary.
type CycleMetrics interface {
	RecordCycle(ctx context.Context, res *types.CycleResult)
}

// ReconcileMetrics receives the reconcile pass summary.
type ReconcileMetrics interface {
	RecordReconcile(ctx context.Context, res *types.ReconcileResult)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, types.NotificationMessage) bool { return true }

type nopMetrics struct{}

func (nopMetrics) RecordCycle(context.Context, *types.CycleResult)         {}
func (nopMetrics) RecordReconcile(context.Context, *types.ReconcileResult) {}

// ownerIDs returns the distinct owner external ids of servers.
func ownerIDs(servers []types.ProvisionedServer) []int64 {
	seen := make(map[int64]bool, len(servers))
	ids := make([]int64, 0, len(servers))
	for _, s := range servers {
		if !seen[s.OwnerExternalID] {
			seen[s.OwnerExternalID] = true
			ids = append(ids, s.OwnerExternalID)
		}
	}
	return ids
}
