package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func newTestPool(t *testing.T) (*PoolManager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, gormDB := setupTestDB(t)
	t.Cleanup(func() { _ = mockDB.Close() })

	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)
	pm.retryBase = time.Millisecond
	return pm, mock
}

func TestNewPoolManager_NilDB(t *testing.T) {
	pm, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Nil(t, pm)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	sqlmockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlmockDB.Close()

	// gorm.Open 会先 Ping 一次
	mock.ExpectPing()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlmockDB}), &gorm.Config{})
	require.NoError(t, err)

	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, pm.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, pm.Ping(context.Background()))
}

func TestPoolManager_WithTransaction(t *testing.T) {
	pm, mock := newTestPool(t)

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, pm.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	t.Run("retries deadlock then succeeds", func(t *testing.T) {
		pm, mock := newTestPool(t)
		mock.ExpectBegin()
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectCommit()

		calls := 0
		err := pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
			calls++
			if calls == 1 {
				return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("business error is not retried", func(t *testing.T) {
		pm, mock := newTestPool(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		calls := 0
		err := pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
			calls++
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		pm, mock := newTestPool(t)
		for i := 0; i < 2; i++ {
			mock.ExpectBegin()
			mock.ExpectRollback()
		}
		err := pm.WithTransactionRetry(context.Background(), 2, func(tx *gorm.DB) error {
			return errors.New("database is locked")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 attempts")
	})
}

func TestPoolManager_Close(t *testing.T) {
	pm, mock := newTestPool(t)
	mock.ExpectClose()

	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())
	assert.ErrorIs(t, pm.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, pm.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil }), ErrPoolClosed)
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{"valid config", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, false},
		{"invalid max open conns", PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, true},
		{"invalid max idle conns", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, true},
		{"idle > open", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, true},
		{"defaults", DefaultPoolConfig(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite", "SQLite3"} {
		d, err := Dialector(driver, "x")
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}
	_, err := Dialector("oracle", "x")
	assert.Error(t, err)
}

func TestOpen_SQLiteMemory(t *testing.T) {
	pm, err := Open("sqlite", "file::memory:", PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	assert.NoError(t, pm.Ping(context.Background()))
	assert.Equal(t, "sqlite", pm.DB().Dialector.Name())
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(errors.New("unique constraint violated")))
	assert.True(t, IsRetryableError(errors.New("pq: could not serialize access: 40001")))
	assert.True(t, IsRetryableError(errors.New("Lock wait timeout exceeded")))
	assert.True(t, IsRetryableError(errors.New("driver: bad connection")))
}
