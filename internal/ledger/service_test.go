package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditpanel/internal/types"
)

// memStore is an in-memory Store that applies the same debit-or-suspend rule
// as the SQL statement, and records the peak number of concurrent mutations
// per account.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*types.Account
	inFlight map[string]*int32
	overlap  atomic.Bool
	err      error
}

func newMemStore(accounts ...types.Account) *memStore {
	s := &memStore{accounts: map[string]*types.Account{}, inFlight: map[string]*int32{}}
	for i := range accounts {
		a := accounts[i]
		s.accounts[a.ID] = &a
		s.inFlight[a.ID] = new(int32)
	}
	return s
}

func (s *memStore) enter(id string) func() {
	c := s.inFlight[id]
	if c != nil && atomic.AddInt32(c, 1) > 1 {
		s.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	return func() {
		if c != nil {
			atomic.AddInt32(c, -1)
		}
	}
}

func (s *memStore) GetBalance(_ context.Context, id string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return decimal.Zero, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return a.Balance, nil
}

func (s *memStore) Debit(_ context.Context, id string, amount decimal.Decimal) (types.DebitOutcome, decimal.Decimal, error) {
	defer s.enter(id)()
	if s.err != nil {
		return "", decimal.Zero, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return "", decimal.Zero, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	if amount.IsZero() {
		return types.DebitApplied, a.Balance, nil
	}
	next := a.Balance.Sub(amount)
	if !next.IsPositive() {
		a.Suspended = true
		if a.SuspensionReason != types.SuspensionPolicy {
			a.SuspensionReason = types.SuspensionBilling
		}
		return types.DebitInsufficientFunds, a.Balance, nil
	}
	a.Balance = next
	return types.DebitApplied, next, nil
}

func (s *memStore) Credit(_ context.Context, id string, amount decimal.Decimal, promote bool) (decimal.Decimal, error) {
	defer s.enter(id)()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return decimal.Zero, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	a.Balance = a.Balance.Add(amount)
	if promote {
		a.Role = types.RoleClient
	}
	return a.Balance, nil
}

func (s *memStore) IsSuspended(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return true, nil
	}
	return a.Suspended, nil
}

func (s *memStore) AccountsByExternalIDs(context.Context, []int64) (map[int64]*types.Account, error) {
	return nil, nil
}

func (s *memStore) ClearBillingSuspension(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	if a == nil || a.SuspensionReason != types.SuspensionBilling {
		return false, nil
	}
	a.Suspended, a.SuspensionReason = false, types.SuspensionNone
	return true, nil
}

func (s *memStore) RequestActivityRefresh(context.Context, string, time.Time) error { return nil }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestService_DebitAccount_Applied(t *testing.T) {
	store := newMemStore(types.Account{ID: "a", Balance: d("10")})
	svc := NewService(store, nil)

	outcome, err := svc.DebitAccount(context.Background(), "a", d("0.4167"))
	require.NoError(t, err)
	assert.Equal(t, types.DebitApplied, outcome)
	assert.True(t, d("9.5833").Equal(store.accounts["a"].Balance))
}

func TestService_DebitAccount_ExactBalanceSuspends(t *testing.T) {
	store := newMemStore(types.Account{ID: "a", Balance: d("0.4167")})
	svc := NewService(store, nil)

	outcome, err := svc.DebitAccount(context.Background(), "a", d("0.4167"))
	require.NoError(t, err)
	assert.Equal(t, types.DebitInsufficientFunds, outcome)
	assert.True(t, d("0.4167").Equal(store.accounts["a"].Balance), "balance must be untouched")
	assert.True(t, store.accounts["a"].BillingSuspended())
}

func TestService_DebitAccount_KeepsPolicyReason(t *testing.T) {
	store := newMemStore(types.Account{ID: "a", Balance: d("0"), Suspended: true, SuspensionReason: types.SuspensionPolicy})
	svc := NewService(store, nil)

	_, err := svc.DebitAccount(context.Background(), "a", d("1"))
	require.NoError(t, err)
	assert.True(t, store.accounts["a"].Banned())
}

func TestService_DebitAccount_StoreError(t *testing.T) {
	store := newMemStore(types.Account{ID: "a", Balance: d("10")})
	store.err = types.NewAppError(types.ErrCodeInternalDB, "down", errors.New("refused"))
	svc := NewService(store, nil)

	_, err := svc.DebitAccount(context.Background(), "a", d("1"))
	assert.True(t, types.IsStoreFailure(err))
}

func TestService_MissingAccountID(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	_, err := svc.DebitAccount(context.Background(), "", d("1"))
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
	_, err = svc.CreditBalance(context.Background(), "")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}

func TestService_CreditAccount_Promotes(t *testing.T) {
	store := newMemStore(types.Account{ID: "a", Balance: d("1"), Role: types.RoleUser})
	svc := NewService(store, nil)

	balance, err := svc.CreditAccount(context.Background(), "a", d("50"), true)
	require.NoError(t, err)
	assert.True(t, d("51").Equal(balance))
	assert.Equal(t, types.RoleClient, store.accounts["a"].Role)
}

func TestService_IsSuspended_UnknownFailsClosed(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	suspended, err := svc.IsSuspended(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, suspended)
}

func TestService_ConcurrentDebitsDoNotLoseUpdates(t *testing.T) {
	store := newMemStore(types.Account{ID: "a", Balance: d("100")})
	svc := NewService(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.DebitAccount(context.Background(), "a", d("1.5"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, d("25").Equal(store.accounts["a"].Balance), "got %s", store.accounts["a"].Balance)
	assert.False(t, store.overlap.Load(), "mutations for one account overlapped")
	assert.Equal(t, 0, svc.locks.size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
	assert.Equal(t, 0, k.size())
}
