package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

func TestUserRepository_EnsureAndVolume(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Ensure(ctx, &model.User{ID: "alice", PayoutAddress: "0xa11ce", ReferrerID: "rick"}))
	// 再次 Ensure 不覆盖
	require.NoError(t, repo.Ensure(ctx, &model.User{ID: "alice", PayoutAddress: "0xother"}))

	u, err := repo.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "0xa11ce", u.PayoutAddress)
	assert.Equal(t, "rick", u.ReferrerID)
	assert.Equal(t, model.VolumeTierStarter, u.Tier)
	assert.Equal(t, model.TokenTierNormie, u.TokenTier)

	u, err = repo.AddVolume(ctx, "alice", decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.Equal(t, model.VolumeTierStarter, u.Tier)

	u, err = repo.AddVolume(ctx, "alice", decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, u.TotalVolume.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, model.VolumeTierSilver, u.Tier)

	_, err = repo.AddVolume(ctx, "ghost", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, repo.SetPayoutAddress(ctx, "alice", "0xnew"))
	assert.ErrorIs(t, repo.SetPayoutAddress(ctx, "ghost", "0x"), ErrUserNotFound)
}

func TestUserRepository_AddVolumeRetriesSerializationFailure(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "escrow_users" SET .*total_volume`).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "escrow_users" SET .*total_volume`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "escrow_users" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tier", "token_tier", "total_volume", "total_referral_earnings"}).
			AddRow("alice", "starter", "normie", "5", "0"))
	mock.ExpectCommit()

	u, err := repo.AddVolume(context.Background(), "alice", decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.True(t, u.TotalVolume.Equal(decimal.NewFromInt(5)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_ReferralEscrow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Ensure(ctx, &model.User{ID: "rick"}))

	ok, err := repo.SetReferralEscrow(ctx, "rick", "0xref1", "enc1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 只生成一次
	ok, err = repo.SetReferralEscrow(ctx, "rick", "0xref2", "enc2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.AddReferralEarnings(ctx, "rick", decimal.RequireFromString("0.25")))
	require.NoError(t, repo.AddReferralEarnings(ctx, "rick", decimal.RequireFromString("0.5")))

	u, err := repo.GetByID(ctx, "rick")
	require.NoError(t, err)
	assert.Equal(t, "0xref1", u.ReferralEscrowAddress)
	assert.True(t, u.TotalReferralEarnings.Equal(decimal.RequireFromString("0.75")), u.TotalReferralEarnings.String())
}

func TestGameRepository_CreateOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGameRepository(db)
	ctx := context.Background()

	game := &model.Game{
		ID:              "g1",
		WagerID:         "w1",
		BlockHash:       "0xhash",
		Result:          model.SideB,
		WinnerID:        "bob",
		LoserID:         "alice",
		FeeRate:         decimal.RequireFromString("0.02"),
		PayoutPerEscrow: decimal.RequireFromString("0.98"),
	}
	require.NoError(t, repo.Create(ctx, game))

	dup := *game
	dup.ID = "g2"
	assert.ErrorIs(t, repo.Create(ctx, &dup), ErrGameExists)

	got, err := repo.GetByWagerID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "g1", got.ID)
	assert.Equal(t, model.SideB, got.Result)
	assert.True(t, got.TotalPayout().Equal(decimal.RequireFromString("1.96")))

	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestAuditRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditRepository(db)
	ctx := context.Background()

	log := &model.AuditLog{EventType: model.AuditWagerCreated, UserID: "alice", WagerID: "w1", Severity: model.AuditSeverityInfo}
	require.NoError(t, repo.Create(ctx, log))
	require.NoError(t, repo.Create(ctx, &model.AuditLog{EventType: model.AuditForceRefund, WagerID: "w1", Severity: model.AuditSeverityCritical}))

	logs, err := repo.ListByWager(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "{}", logs[0].Details)

	page := &Pagination{Page: 1, PageSize: 10}
	refunds, err := repo.ListByEvent(ctx, model.AuditForceRefund, page)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
	assert.Equal(t, int64(1), page.Total)
}
