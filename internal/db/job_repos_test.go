package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"creditpanel/internal/types"
)

func TestJobLockRepository_Acquire(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"new lock", "INSERT 0 1", true},
		{"expired lease taken over", "INSERT 0 1", true},
		{"held by another worker", "INSERT 0 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewJobLockRepository(db)
			repo.now = func() time.Time { return fixed }

			db.On("Exec", ctx, mock.AnythingOfType("string"),
				[]any{"charge_cycle:2026-03-01T10", "worker-1", fixed, fixed.Add(55 * time.Minute)}).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			got, err := repo.Acquire(ctx, "charge_cycle:2026-03-01T10", "worker-1", 55*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			db.AssertExpectations(t)
		})
	}
}

func TestJobLockRepository_Acquire_DBError(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	ok, err := NewJobLockRepository(db).Acquire(context.Background(), "k", "w", time.Minute)
	assert.False(t, ok)
	assert.True(t, types.IsStoreFailure(err))
}

func TestJobLockRepository_Claim(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"first claim of the hour", "INSERT 0 1", true},
		{"later retry in the same hour", "INSERT 0 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewJobLockRepository(db)
			repo.now = func() time.Time { return fixed }

			sqlNeverExpires := mock.MatchedBy(func(sql string) bool {
				return strings.Contains(sql, "'infinity'") &&
					strings.Contains(sql, "DO NOTHING") &&
					!strings.Contains(sql, "expires_at <")
			})
			db.On("Exec", ctx, sqlNeverExpires, []any{"charge_cycle:2026-03-01T10", "worker-2", fixed}).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			got, err := repo.Claim(ctx, "charge_cycle:2026-03-01T10", "worker-2")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			db.AssertExpectations(t)
		})
	}
}

func TestJobLockRepository_Claim_DBError(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	ok, err := NewJobLockRepository(db).Claim(context.Background(), "k", "w")
	assert.False(t, ok)
	assert.True(t, types.IsStoreFailure(err))
}

func TestJobLockRepository_Release(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"reconcile_suspensions", "worker-1"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, NewJobLockRepository(db).Release(ctx, "reconcile_suspensions", "worker-1"))
	db.AssertExpectations(t)
}

func TestJobHistoryRepository_Start(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"charge_cycle"}).
		Return(rowOf(int64(42)))

	id, err := NewJobHistoryRepository(db).Start(ctx, "charge_cycle")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestJobHistoryRepository_Finish(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		db := new(mockDBTX)
		var nilMsg *string
		db.On("Exec", ctx, mock.Anything, []any{int64(42), "success", 17, nilMsg}).
			Return(pgconn.NewCommandTag("UPDATE 1"), nil)
		require.NoError(t, NewJobHistoryRepository(db).Finish(ctx, 42, JobSuccess, 17, nil))
		db.AssertExpectations(t)
	})

	t.Run("records error text", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, mock.Anything, mock.MatchedBy(func(args []any) bool {
			msg, ok := args[3].(*string)
			return ok && msg != nil && *msg == "ledger unreachable"
		})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)
		require.NoError(t, NewJobHistoryRepository(db).Finish(ctx, 42, JobFailed, 0, errors.New("ledger unreachable")))
	})

	t.Run("missing row", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)
		err := NewJobHistoryRepository(db).Finish(ctx, 99, JobSuccess, 0, nil)
		assert.True(t, types.IsCode(err, types.ErrCodeInternalUnexpected))
	})
}

func TestMigrate(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()
	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 0 && sql == schema
	}), mock.Anything).Return(pgconn.NewCommandTag("CREATE TABLE"), nil)

	require.NoError(t, Migrate(ctx, db))
	db.AssertExpectations(t)
}
