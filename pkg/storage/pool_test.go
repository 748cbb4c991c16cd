package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jdziat/durable-broadcast/pkg/core"
)

func TestDialectorFor_Dispatch(t *testing.T) {
	tests := []struct {
		dsn    string
		driver string
		target string
	}{
		{dsn: "postgres://bot:secret@db:5432/broadcast?sslmode=disable", driver: "postgres"},
		{dsn: "postgresql://bot@db/broadcast", driver: "postgres"},
		{dsn: "host=db user=bot dbname=broadcast sslmode=disable", driver: "postgres"},
		{dsn: "sqlite:///var/lib/broadcast/jobs.db", driver: "sqlite", target: "/var/lib/broadcast/jobs.db"},
		{dsn: "broadcast.db", driver: "sqlite", target: "broadcast.db"},
		{dsn: "file::memory:?cache=shared", driver: "sqlite", target: "file::memory:?cache=shared"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			d, isSQLite, err := dialectorFor(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.driver, d.Name())
			assert.Equal(t, tt.driver == "sqlite", isSQLite)

			switch dd := d.(type) {
			case *sqlite.Dialector:
				assert.Equal(t, tt.target, dd.DSN, "sqlite:// prefix is stripped")
			case *postgres.Dialector:
				assert.Equal(t, tt.dsn, dd.DSN, "postgres DSNs pass through untouched")
			default:
				t.Fatalf("unexpected dialector %T", d)
			}
		})
	}
}

func TestOpen_RejectsEmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		_, err := Open(dsn)
		assert.Error(t, err, "dsn %q", dsn)
	}
}

func TestOpen_SQLiteClampsToOneConnection(t *testing.T) {
	db, err := Open("sqlite://"+filepath.Join(t.TempDir(), "broadcast.db"), MaxOpenConns(40), MaxIdleConns(20))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	assert.Equal(t, "sqlite", db.Dialector.Name())
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections, "caller options cannot widen a sqlite pool")

	s := NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	assert.True(t, s.IsSQLite())
}

func TestOpen_SQLiteFileKeepsJobsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "broadcast.db")

	first, err := Open(path)
	require.NoError(t, err)
	s := NewGormStorage(first)
	require.NoError(t, s.Migrate(ctx))

	job := newTestJob("all")
	require.NoError(t, s.Create(ctx, job))
	claimed, err := s.Claim(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.IncrementProgress(ctx, claimed.ID, "worker-1", core.Progress{Scanned: 2, Sent: 2}, 9))

	sqlDB, err := first.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	second, err := Open("sqlite://" + path)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := second.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	got, err := NewGormStorage(second).Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status)
	assert.Equal(t, int64(9), got.LastRecipientCursor)
	assert.Equal(t, int64(2), got.Sent)
}

func TestConfigurePool_DefaultsAndOverrides(t *testing.T) {
	open := func(t *testing.T) *gorm.DB {
		t.Helper()
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)
		return db
	}

	db := open(t)
	require.NoError(t, ConfigurePool(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, DefaultPoolConfig().MaxOpenConns, sqlDB.Stats().MaxOpenConnections)

	db = open(t)
	s, err := NewGormStorageWithPool(db, MaxOpenConns(8), ConnMaxIdleTime(time.Second))
	require.NoError(t, err)
	require.NotNil(t, s)
	sqlDB, err = db.DB()
	require.NoError(t, err)
	assert.Equal(t, 8, sqlDB.Stats().MaxOpenConnections)
}
