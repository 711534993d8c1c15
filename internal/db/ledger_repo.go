package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"creditpanel/internal/types"
)

// LedgerRepository is the Postgres implementation of the credit ledger.
// Every balance mutation is a single statement that locks the row it reads,
// so concurrent debits from separate processes never lose updates.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a LedgerRepository on a pool or transaction.
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const accountColumns = `id, external_id, balance, role, suspended, suspension_reason,
	last_activity_at, activity_refresh_requested_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*types.Account, error) {
	var (
		a      types.Account
		role   string
		reason string
	)
	err := row.Scan(&a.ID, &a.ExternalID, &a.Balance, &role, &a.Suspended, &reason,
		&a.LastActivityAt, &a.ActivityRefreshRequestedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Role = types.AccountRole(role)
	a.SuspensionReason = types.SuspensionReason(reason)
	return &a, nil
}

func accountNotFound(id string) error {
	return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil).
		WithDetails(map[string]any{"account_id": id})
}

// GetAccount returns the full ledger row.
func (r *LedgerRepository) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, accountNotFound(id)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load account", err)
	}
	return a, nil
}

// GetBalance returns the current balance of an account.
// A missing account maps to ErrCodeNotFoundAccount.
func (r *LedgerRepository) GetBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, accountNotFound(id)
	}
	if err != nil {
		return decimal.Zero, types.NewAppError(types.ErrCodeInternalDB, "failed to read balance", err)
	}
	return balance, nil
}

// debitSQL subtracts $2 only when the result stays above zero. Otherwise the
// balance is left untouched and the account is flagged suspended for billing,
// keeping an existing policy suspension as is.
const debitSQL = `
WITH prev AS (
	SELECT id, balance, suspension_reason FROM accounts WHERE id = $1 FOR UPDATE
)
UPDATE accounts a SET
	balance = CASE WHEN prev.balance - $2::numeric > 0
		THEN prev.balance - $2::numeric ELSE prev.balance END,
	suspended = CASE WHEN prev.balance - $2::numeric > 0
		THEN a.suspended ELSE TRUE END,
	suspension_reason = CASE
		WHEN prev.balance - $2::numeric > 0 OR prev.suspension_reason = 'policy'
		THEN a.suspension_reason ELSE 'billing' END,
	updated_at = NOW()
FROM prev
WHERE a.id = prev.id
RETURNING a.balance, prev.balance - $2::numeric > 0`

// Debit applies debit-or-suspend. A zero amount is an applied no-op so
// free-tier servers never trip the suspension branch.
func (r *LedgerRepository) Debit(ctx context.Context, id string, amount decimal.Decimal) (types.DebitOutcome, decimal.Decimal, error) {
	if amount.IsNegative() {
		return "", decimal.Zero, types.NewAppError(types.ErrCodeValidationAmount, "debit amount must not be negative", nil)
	}
	if amount.IsZero() {
		balance, err := r.GetBalance(ctx, id)
		if err != nil {
			return "", decimal.Zero, err
		}
		return types.DebitApplied, balance, nil
	}

	var (
		balance decimal.Decimal
		applied bool
	)
	err := r.db.QueryRow(ctx, debitSQL, id, amount.String()).Scan(&balance, &applied)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", decimal.Zero, accountNotFound(id)
	}
	if err != nil {
		return "", decimal.Zero, types.NewAppError(types.ErrCodeInternalDB, "failed to debit account", err)
	}
	if !applied {
		return types.DebitInsufficientFunds, balance, nil
	}
	return types.DebitApplied, balance, nil
}

// Credit adds amount and, when promote is set, upgrades the account to the
// client role. The new balance is returned.
func (r *LedgerRepository) Credit(ctx context.Context, id string, amount decimal.Decimal, promote bool) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, types.NewAppError(types.ErrCodeValidationAmount, "credit amount must not be negative", nil)
	}
	var balance decimal.Decimal
	err := r.db.QueryRow(ctx,
		`UPDATE accounts SET
			balance = balance + $2::numeric,
			role = CASE WHEN $3::boolean THEN 'client' ELSE role END,
			updated_at = NOW()
		 WHERE id = $1
		 RETURNING balance`,
		id, amount.String(), promote,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, accountNotFound(id)
	}
	if err != nil {
		return decimal.Zero, types.NewAppError(types.ErrCodeInternalDB, "failed to credit account", err)
	}
	return balance, nil
}

// IsSuspended fails closed: an account that does not exist is reported as
// suspended so nothing is ever unsuspended on its behalf.
func (r *LedgerRepository) IsSuspended(ctx context.Context, id string) (bool, error) {
	var suspended bool
	err := r.db.QueryRow(ctx, `SELECT suspended FROM accounts WHERE id = $1`, id).Scan(&suspended)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, types.NewAppError(types.ErrCodeInternalDB, "failed to read suspension flag", err)
	}
	return suspended, nil
}

// AccountsByExternalIDs loads the ledger rows owning the given panel users,
// keyed by external id. Unknown ids are simply absent from the map.
func (r *LedgerRepository) AccountsByExternalIDs(ctx context.Context, externalIDs []int64) (map[int64]*types.Account, error) {
	out := make(map[int64]*types.Account, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_id = ANY($1)`, externalIDs)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load accounts", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account", err)
		}
		out[a.ExternalID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate accounts", err)
	}
	return out, nil
}

// ClearBillingSuspension lifts a billing suspension. Policy suspensions are
// left alone. Reports whether a row changed.
func (r *LedgerRepository) ClearBillingSuspension(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET suspended = FALSE, suspension_reason = '', updated_at = NOW()
		 WHERE id = $1 AND suspended AND suspension_reason = 'billing'`, id)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to clear suspension", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RequestActivityRefresh flags the account for the external user sync, which
// fills last_activity_at. Requests are not repeated within the same day.
func (r *LedgerRepository) RequestActivityRefresh(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET activity_refresh_requested_at = $2
		 WHERE id = $1
		   AND (activity_refresh_requested_at IS NULL
		        OR activity_refresh_requested_at < $2::timestamptz - INTERVAL '24 hours')`,
		id, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to request activity refresh", err)
	}
	return nil
}
