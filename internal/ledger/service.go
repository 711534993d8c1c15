// Package ledger is the application-facing credit ledger. It serializes
// balance mutations per account within the process and delegates the
// atomic read-modify-write to the store.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"creditpanel/internal/types"
)

// Store is the persistence contract, satisfied by db.LedgerRepository.
type Store interface {
	GetBalance(ctx context.Context, id string) (decimal.Decimal, error)
	Debit(ctx context.Context, id string, amount decimal.Decimal) (types.DebitOutcome, decimal.Decimal, error)
	Credit(ctx context.Context, id string, amount decimal.Decimal, promote bool) (decimal.Decimal, error)
	IsSuspended(ctx context.Context, id string) (bool, error)
	AccountsByExternalIDs(ctx context.Context, externalIDs []int64) (map[int64]*types.Account, error)
	ClearBillingSuspension(ctx context.Context, id string) (bool, error)
	RequestActivityRefresh(ctx context.Context, id string, at time.Time) error
}

// Service wraps a Store with per-account locking and logging.
type Service struct {
	store  Store
	locks  *keyedMutex
	logger *slog.Logger
}

// NewService creates a ledger Service. A nil logger falls back to slog.Default().
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, locks: newKeyedMutex(), logger: logger}
}

// CreditBalance returns the current balance of an account.
func (s *Service) CreditBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if accountID == "" {
		return decimal.Zero, types.NewAppError(types.ErrCodeValidationMissingField, "account id is required", nil)
	}
	return s.store.GetBalance(ctx, accountID)
}

// DebitAccount charges amount with debit-or-suspend semantics.
// InsufficientFunds is returned as an outcome, never as an error.
func (s *Service) DebitAccount(ctx context.Context, accountID string, amount decimal.Decimal) (types.DebitOutcome, error) {
	if accountID == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "account id is required", nil)
	}
	unlock := s.locks.Lock(accountID)
	defer unlock()

	outcome, balance, err := s.store.Debit(ctx, accountID, amount)
	if err != nil {
		return "", fmt.Errorf("debit %s: %w", accountID, err)
	}
	if outcome == types.DebitInsufficientFunds {
		s.logger.WarnContext(ctx, "debit refused, account suspended for billing",
			"account_id", accountID,
			"amount", amount.String(),
			"balance", balance.String(),
		)
	}
	return outcome, nil
}

// CreditAccount adds funds; promote upgrades the holder to the client role.
func (s *Service) CreditAccount(ctx context.Context, accountID string, amount decimal.Decimal, promote bool) (decimal.Decimal, error) {
	if accountID == "" {
		return decimal.Zero, types.NewAppError(types.ErrCodeValidationMissingField, "account id is required", nil)
	}
	unlock := s.locks.Lock(accountID)
	defer unlock()

	balance, err := s.store.Credit(ctx, accountID, amount, promote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit %s: %w", accountID, err)
	}
	s.logger.InfoContext(ctx, "account credited",
		"account_id", accountID,
		"amount", amount.String(),
		"balance", balance.String(),
		"promoted", promote,
	)
	return balance, nil
}

// IsSuspended reports the ledger suspension flag; unknown accounts read as
// suspended.
func (s *Service) IsSuspended(ctx context.Context, accountID string) (bool, error) {
	return s.store.IsSuspended(ctx, accountID)
}

// AccountsByExternalIDs loads the accounts owning the given panel user ids.
func (s *Service) AccountsByExternalIDs(ctx context.Context, externalIDs []int64) (map[int64]*types.Account, error) {
	return s.store.AccountsByExternalIDs(ctx, externalIDs)
}

// ClearBillingSuspension resets the ledger billing flag. It reports whether
// the flag was set.
func (s *Service) ClearBillingSuspension(ctx context.Context, accountID string) (bool, error) {
	unlock := s.locks.Lock(accountID)
	defer unlock()
	return s.store.ClearBillingSuspension(ctx, accountID)
}

// RequestActivityRefresh flags the account for the external user sync.
func (s *Service) RequestActivityRefresh(ctx context.Context, accountID string, at time.Time) error {
	return s.store.RequestActivityRefresh(ctx, accountID, at)
}

// keyedMutex hands out one mutex per key and frees it once nobody holds or
// waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock serializes callers on key and returns the matching unlock.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
