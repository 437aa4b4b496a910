package repository

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

var testDBSeq int64

// setupTestDB 每个测试独立的内存 sqlite
func setupTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:escrowtest%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	err = db.AutoMigrate(
		&model.Wager{},
		&model.UsedSignature{},
		&model.Game{},
		&model.User{},
		&model.AuditLog{},
	)
	require.NoError(t, err)
	return db
}

// setupMockDB postgres 方言 + sqlmock，用于校验 SQL 形态
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}

	return gormDB, mock, func() { db.Close() }
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"disk full", &pgconn.PgError{Code: "53100"}, false},
		{"wrapped", fmt.Errorf("tx: %w", &pgconn.PgError{Code: "40001"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryableError(tt.err))
		})
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.False(t, isDuplicateKeyError(nil))
	assert.True(t, isDuplicateKeyError(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isDuplicateKeyError(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKeyError(errors.New("UNIQUE constraint failed: escrow_games.wager_id")))
	assert.False(t, isDuplicateKeyError(errors.New("connection refused")))
}

func TestPagination(t *testing.T) {
	p := &Pagination{}
	assert.Equal(t, 0, p.Offset())
	assert.Equal(t, 20, p.Limit())

	p = &Pagination{Page: 3, PageSize: 500}
	assert.Equal(t, 100, p.Limit())
	assert.Equal(t, 200, p.Offset())
}

func TestTransaction_RollbackAndNested(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	users := NewUserRepository(db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.Transaction(ctx, func(ctx context.Context) error {
		require.NoError(t, users.Ensure(ctx, &model.User{ID: "u1"}))
		// 嵌套调用复用外层事务
		return repo.Transaction(ctx, func(ctx context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	_, err = users.GetByID(ctx, "u1")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestTransactionWithRetry_NonRetryable(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)

	calls := 0
	err := repo.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return errors.New("fatal")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
