package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

func newUsedSignature(sig string) *model.UsedSignature {
	return &model.UsedSignature{
		Signature:   sig,
		OwnerWallet: "0x00000000000000000000000000000000000000c1",
		ConsumedFor: model.SignaturePurposeCreatorDeposit,
		WagerID:     "w1",
	}
}

func TestSignatureRepository_RecordIfUnused_Success(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	rdb, rdbMock := redismock.NewClientMock()
	repo := NewSignatureRepository(db, rdb)

	rdbMock.ExpectExists(signatureKey("SIG1")).SetVal(0)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "escrow_used_signatures" .* ON CONFLICT \("signature"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()
	rdbMock.ExpectSet(signatureKey("SIG1"), "1", signatureCacheTTL).SetVal("OK")

	ok, err := repo.RecordIfUnused(context.Background(), newUsedSignature("SIG1"))

	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, rdbMock.ExpectationsWereMet())
}

func TestSignatureRepository_RecordIfUnused_Conflict(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	rdb, rdbMock := redismock.NewClientMock()
	repo := NewSignatureRepository(db, rdb)

	rdbMock.ExpectExists(signatureKey("SIG1")).SetVal(0)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "escrow_used_signatures"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"})) // 无返回行即冲突
	mock.ExpectCommit()
	rdbMock.ExpectSet(signatureKey("SIG1"), "1", signatureCacheTTL).SetVal("OK")

	ok, err := repo.RecordIfUnused(context.Background(), newUsedSignature("SIG1"))

	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignatureRepository_RecordIfUnused_CachedReplay(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	rdb, rdbMock := redismock.NewClientMock()
	repo := NewSignatureRepository(db, rdb)

	rdbMock.ExpectExists(signatureKey("SIG1")).SetVal(1)

	ok, err := repo.RecordIfUnused(context.Background(), newUsedSignature("SIG1"))

	assert.NoError(t, err)
	assert.False(t, ok)
	// 命中缓存不访问数据库
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, rdbMock.ExpectationsWereMet())
}

func TestSignatureRepository_RecordIfUnused_DBError(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	rdb, rdbMock := redismock.NewClientMock()
	repo := NewSignatureRepository(db, rdb)

	rdbMock.ExpectExists(signatureKey("SIG1")).SetErr(errors.New("redis down"))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "escrow_used_signatures"`).
		WillReturnError(errors.New("database error"))
	mock.ExpectRollback()

	ok, err := repo.RecordIfUnused(context.Background(), newUsedSignature("SIG1"))

	assert.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "record signature failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignatureRepository_IsUsed_RedisFallback(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	rdb, rdbMock := redismock.NewClientMock()
	repo := NewSignatureRepository(db, rdb)

	rdbMock.ExpectExists(signatureKey("SIG9")).SetErr(errors.New("redis down"))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "escrow_used_signatures" WHERE signature = \$1`).
		WithArgs("SIG9").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	used, err := repo.IsUsed(context.Background(), "SIG9")

	assert.NoError(t, err)
	assert.True(t, used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignatureRepository_SQLite_ReplayAcrossWagers(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSignatureRepository(db, nil)
	ctx := context.Background()

	ok, err := repo.RecordIfUnused(ctx, newUsedSignature("SIG1"))
	require.NoError(t, err)
	assert.True(t, ok)

	// 不同对赌使用同一签名也会被拒绝
	other := newUsedSignature("SIG1")
	other.WagerID = "w2"
	other.ConsumedFor = model.SignaturePurposeAcceptorDeposit
	ok, err = repo.RecordIfUnused(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)

	used, err := repo.IsUsed(ctx, "SIG1")
	require.NoError(t, err)
	assert.True(t, used)

	stored, err := repo.GetBySignature(ctx, "SIG1")
	require.NoError(t, err)
	assert.Equal(t, "w1", stored.WagerID)

	_, err = repo.GetBySignature(ctx, "SIG404")
	assert.ErrorIs(t, err, ErrSignatureNotFound)
}
