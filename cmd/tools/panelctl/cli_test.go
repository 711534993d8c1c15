package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"creditpanel/internal/lifecycle"
	"creditpanel/internal/types"
)

type fakeLedger struct {
	credited  decimal.Decimal
	promoted  bool
	debitOut  types.DebitOutcome
	balance   decimal.Decimal
	lookupErr error
}

func (f *fakeLedger) CreditBalance(context.Context, string) (decimal.Decimal, error) {
	return f.balance, f.lookupErr
}

func (f *fakeLedger) DebitAccount(context.Context, string, decimal.Decimal) (types.DebitOutcome, error) {
	return f.debitOut, nil
}

func (f *fakeLedger) CreditAccount(_ context.Context, _ string, amt decimal.Decimal, promote bool) (decimal.Decimal, error) {
	f.credited, f.promoted = amt, promote
	return f.balance.Add(amt), nil
}

type fakePasses struct {
	chargeNow time.Time
	cycle     *types.CycleResult
	cycleErr  error
	reconcile *types.ReconcileResult
}

func (f *fakePasses) ChargeCycle(_ context.Context, now time.Time) (*types.CycleResult, error) {
	f.chargeNow = now
	return f.cycle, f.cycleErr
}

func (f *fakePasses) ReconcileSuspensions(context.Context, time.Time) (*types.ReconcileResult, error) {
	return f.reconcile, nil
}

func (f *fakePasses) TransferServer(_ context.Context, id, node int64) (*lifecycle.TransferResult, error) {
	return &lifecycle.TransferResult{ServerID: id, FromNodeID: 1, ToNodeID: node, AllocationID: 55}, nil
}

// fakeLocks models the never-expiring claim rows.
type fakeLocks struct {
	claimed map[string]bool
	err     error
}

func (f *fakeLocks) Claim(_ context.Context, lockID, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.claimed[lockID] {
		return false, nil
	}
	f.claimed[lockID] = true
	return true, nil
}

type harness struct {
	locks    *fakeLocks
	ledger   *fakeLedger
	passes   *fakePasses
	opened   int
	closed   int
	migrated bool
	openErr  error
}

func (h *harness) open(context.Context) (*backend, error) {
	h.opened++
	if h.openErr != nil {
		return nil, h.openErr
	}
	return &backend{
		Ledger:     h.ledger,
		Billing:    h.passes,
		Reconciler: h.passes,
		Transfers:  h.passes,
		Locks:      h.locks,
		Migrate:    func(context.Context) error { h.migrated = true; return nil },
		Close:      func(context.Context) error { h.closed++; return nil },
	}, nil
}

func newHarness() *harness {
	return &harness{
		locks:  &fakeLocks{claimed: map[string]bool{}},
		ledger: &fakeLedger{balance: decimal.NewFromInt(10), debitOut: types.DebitApplied},
		passes: &fakePasses{
			cycle: &types.CycleResult{
				Charged: 1,
				Total:   decimal.RequireFromString("0.2083"),
				Entries: []types.CycleEntry{{ServerID: 4, AccountID: "acct-1", Action: types.ActionCharged, Amount: decimal.RequireFromString("0.2083")}},
			},
			reconcile: &types.ReconcileResult{
				Deleted: 1,
				Entries: []types.ReconcileEntry{{ServerID: 9, State: types.StateDeleted, Action: types.ActionDelete, Reason: "grace_expired"}},
			},
		},
	}
}

func executeCLI(t *testing.T, h *harness, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(h.open)
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCharge_PrintsTableAndClosesBackend(t *testing.T) {
	h := newHarness()
	out, err := executeCLI(t, h, "", "charge", "--reference-time", "2026-01-15T02:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "acct-1")
	assert.Contains(t, out, "charged 1")
	assert.Contains(t, out, "total 0.2083")
	assert.Equal(t, time.Date(2026, 1, 15, 2, 0, 0, 0, time.UTC), h.passes.chargeNow)
	assert.Equal(t, 1, h.closed)
}

func TestCharge_SameHourRefusedUnlessForced(t *testing.T) {
	h := newHarness()
	_, err := executeCLI(t, h, "", "charge", "--reference-time", "2026-01-15T02:05:00Z")
	require.NoError(t, err)
	assert.True(t, h.locks.claimed["charge_cycle:2026-01-15T02"])

	h.passes.chargeNow = time.Time{}
	_, err = executeCLI(t, h, "", "charge", "--reference-time", "2026-01-15T02:50:00Z")
	assert.ErrorContains(t, err, "hour already charged")
	assert.True(t, h.passes.chargeNow.IsZero(), "cycle must not run")

	_, err = executeCLI(t, h, "", "charge", "--reference-time", "2026-01-15T02:50:00Z", "--force")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 2, 50, 0, 0, time.UTC), h.passes.chargeNow)
}

func TestCharge_LockErrorStopsCycle(t *testing.T) {
	h := newHarness()
	h.locks.err = errors.New("connection refused")
	_, err := executeCLI(t, h, "", "charge")
	assert.ErrorContains(t, err, "claiming charge_cycle:")
	assert.True(t, h.passes.chargeNow.IsZero())
}

func TestCharge_JSONAndPartialFailure(t *testing.T) {
	h := newHarness()
	h.passes.cycleErr = errors.New("charge cycle aborted: ledger down")

	out, err := executeCLI(t, h, "", "charge", "--json")
	require.Error(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "0.2083", decoded["total"])
	assert.Equal(t, 1, h.closed)
}

func TestCharge_BadReferenceTime(t *testing.T) {
	h := newHarness()
	_, err := executeCLI(t, h, "", "charge", "--reference-time", "yesterday")
	assert.ErrorContains(t, err, "RFC3339")
}

func TestReconcile(t *testing.T) {
	h := newHarness()
	out, err := executeCLI(t, h, "", "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "grace_expired")
	assert.Contains(t, out, "deleted 1")
}

func TestCredit(t *testing.T) {
	h := newHarness()
	out, err := executeCLI(t, h, "", "credit", "acct-1", "2.5", "--promote")
	require.NoError(t, err)
	assert.Equal(t, "acct-1\tbalance 12.5000\n", out)
	assert.True(t, h.ledger.promoted)

	_, err = executeCLI(t, h, "", "credit", "acct-1", "0.00001")
	assert.ErrorContains(t, err, "4 decimal places")

	_, err = executeCLI(t, h, "", "credit", "acct-1")
	assert.Error(t, err)
}

func TestDebitAndBalance(t *testing.T) {
	h := newHarness()
	h.ledger.debitOut = types.DebitInsufficientFunds
	out, err := executeCLI(t, h, "", "debit", "acct-1", "50")
	require.NoError(t, err)
	assert.Contains(t, out, "insufficient_funds")

	out, err = executeCLI(t, h, "", "balance", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1\t10.0000\n", out)

	h.ledger.lookupErr = types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	_, err = executeCLI(t, h, "", "balance", "ghost")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundAccount))
}

func TestTransfer(t *testing.T) {
	h := newHarness()
	out, err := executeCLI(t, h, "", "transfer", "7", "3")
	require.NoError(t, err)
	assert.Equal(t, "server 7: node 1 -> 3 (allocation 55)\n", out)

	_, err = executeCLI(t, h, "", "transfer", "seven", "3")
	assert.ErrorContains(t, err, "invalid server id")
}

func TestMigrate(t *testing.T) {
	h := newHarness()
	_, err := executeCLI(t, h, "", "migrate")
	require.NoError(t, err)
	assert.True(t, h.migrated)
}

func TestOpenFailure(t *testing.T) {
	h := newHarness()
	h.openErr = errors.New("loading configuration: DATABASE_URL missing")
	_, err := executeCLI(t, h, "", "balance", "acct-1")
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestPlans_NeedsNoBackend(t *testing.T) {
	t.Setenv("PLAN_CATALOG_JSON", "")
	h := newHarness()
	out, err := executeCLI(t, h, "", "plans")
	require.NoError(t, err)
	assert.Contains(t, out, "starter")
	assert.Contains(t, out, "0.2083")
	assert.Equal(t, 0, h.opened)
}

func TestHashKey(t *testing.T) {
	h := newHarness()
	out, err := executeCLI(t, h, "s3cret\n", "hash-key", "--cost", "4")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	_, err = executeCLI(t, h, "", "hash-key")
	assert.ErrorContains(t, err, "empty key")
}

func TestVersion(t *testing.T) {
	out, err := executeCLI(t, newHarness(), "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dev")
}
