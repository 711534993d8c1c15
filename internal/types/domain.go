package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountRole is the ledger role of an account holder. Crediting an account
// can promote a plain user to a paying client.
type AccountRole string

const (
	RoleUser   AccountRole = "user"
	RoleClient AccountRole = "client"
)

// SuspensionReason records why the ledger suspended flag is set. Billing
// suspensions are cleared automatically once funds return; policy suspensions
// are bans and are never cleared by this module.
type SuspensionReason string

const (
	SuspensionNone    SuspensionReason = ""
	SuspensionBilling SuspensionReason = "billing"
	SuspensionPolicy  SuspensionReason = "policy"
)

// Account is a row of the ledger store.
type Account struct {
	ID                         string
	ExternalID                 int64 // panel user id that owns provisioned servers
	Balance                    decimal.Decimal
	Role                       AccountRole
	Suspended                  bool
	SuspensionReason           SuspensionReason
	LastActivityAt             *time.Time
	ActivityRefreshRequestedAt *time.Time
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// Banned reports whether the account is suspended for reasons outside
// billing. Servers of banned accounts are deleted on the next pass.
func (a Account) Banned() bool {
	return a.Suspended && a.SuspensionReason == SuspensionPolicy
}

// BillingSuspended reports whether the last debit failed for lack of funds.
func (a Account) BillingSuspended() bool {
	return a.Suspended && a.SuspensionReason == SuspensionBilling
}

// DebitOutcome is the business result of a debit attempt. Insufficient funds
// is an expected outcome, not an error.
type DebitOutcome string

const (
	DebitApplied           DebitOutcome = "applied"
	DebitInsufficientFunds DebitOutcome = "insufficient_funds"
)

// Entitlements are the per-tier feature quotas applied to a server build.
type Entitlements struct {
	Databases   int `json:"databases" validate:"gte=0"`
	Backups     int `json:"backups" validate:"gte=0"`
	Allocations int `json:"allocations" validate:"gte=0"`
}

// Plan is a priced resource bundle. MemoryMB is the fingerprint used to match
// a provisioned server back to its plan.
type Plan struct {
	ID           string          `json:"id" validate:"required"`
	Name         string          `json:"name" validate:"required"`
	MemoryMB     int64           `json:"memory_mb" validate:"gt=0"`
	DiskMB       int64           `json:"disk_mb" validate:"gte=0"`
	CPUPercent   int64           `json:"cpu_percent" validate:"gte=0"`
	MonthlyPrice decimal.Decimal `json:"monthly_price"`
	Entitlements Entitlements    `json:"entitlements"`
	Enabled      bool            `json:"enabled"`
	Free         bool            `json:"free"`
}

// ServerLimits is the observed resource build of a provisioned server.
type ServerLimits struct {
	MemoryMB   int64 `json:"memory"`
	SwapMB     int64 `json:"swap"`
	DiskMB     int64 `json:"disk"`
	IO         int64 `json:"io"`
	CPUPercent int64 `json:"cpu"`
}

// ProvisionedServer is a server as reported by the provisioning API. It is
// never persisted locally; the panel is authoritative for its existence.
type ProvisionedServer struct {
	ID              int64
	Identifier      string
	Name            string
	OwnerExternalID int64
	NodeID          int64
	AllocationID    int64
	Limits          ServerLimits
	FeatureLimits   Entitlements
	Suspended       bool
	UpdatedAt       time.Time
}

// Node is a panel node that can host servers.
type Node struct {
	ID          int64
	Name        string
	FQDN        string
	Maintenance bool
}

// ServerState is the lifecycle state the reconciler assigns to a server.
type ServerState string

const (
	StateActive                     ServerState = "active"
	StateSuspendedInsufficientFunds ServerState = "suspended_insufficient_funds"
	StateSuspendedAccountBanned     ServerState = "suspended_account_banned"
	StatePendingDeletion            ServerState = "pending_deletion"
	StateDeleted                    ServerState = "deleted"
)

// Action is a mutation decided by a billing or reconciliation pass.
type Action string

const (
	ActionNone             Action = "none"
	ActionCharged          Action = "charged"
	ActionSuspend          Action = "suspend"
	ActionUnsuspend        Action = "unsuspend"
	ActionDelete           Action = "delete"
	ActionPatchLimits      Action = "patch_limits"
	ActionRefreshActivity  Action = "refresh_activity"
	ActionSkipped          Action = "skipped"
	ActionAnomaly          Action = "anomaly"
	ActionSkippedNoAccount Action = "skipped_unknown_owner"
)

// CycleEntry records a single billing decision for audit logging.
type CycleEntry struct {
	AccountID string
	ServerID  int64
	Amount    decimal.Decimal
	Action    Action
	Err       error
}

// CycleResult is the ephemeral outcome of one billing cycle.
type CycleResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Entries    []CycleEntry
	Charged    int
	Suspended  int
	Anomalies  int
	Skipped    int
	Failures   int
	Total      decimal.Decimal
}

// ReconcileEntry records a single reconciliation decision for audit logging.
type ReconcileEntry struct {
	ServerID  int64
	AccountID string
	State     ServerState
	Action    Action
	Reason    string
	Err       error
}

// ReconcileResult is the ephemeral outcome of one reconciliation pass.
type ReconcileResult struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	Entries     []ReconcileEntry
	Deleted     int
	Unsuspended int
	Suspended   int
	Patched     int
	Refreshed   int
	Skipped     int
	Failures    int
}
