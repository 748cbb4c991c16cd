package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jdziat/durable-broadcast/pkg/core"
)

// openTestDB opens the test database through Open, so every storage test
// also runs the DSN dispatch. TEST_DATABASE_URL selects PostgreSQL; without
// it each test gets its own in-memory SQLite database.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	opts := []PoolOption{MaxOpenConns(4), MaxIdleConns(1)}
	if dsn == "" {
		// The in-memory database lives only as long as its one connection.
		dsn = ":memory:"
		opts = []PoolOption{ConnMaxLifetime(0), ConnMaxIdleTime(0)}
	}

	db, err := Open(dsn, opts...)
	require.NoError(t, err, "open test database")
	sqlDB, err := db.DB()
	require.NoError(t, err)

	if db.Dialector.Name() == "postgres" {
		truncateJobs(db)
		t.Cleanup(func() { truncateJobs(db) })
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// truncateJobs isolates tests sharing one PostgreSQL database.
func truncateJobs(db *gorm.DB) {
	db.Exec("DELETE FROM broadcast_jobs")
}

func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

func newTestJob(segment string) *core.Job {
	return core.NewJob(core.Definition{
		CreatedBy: 1,
		Segment:   segment,
		Text:      "hello",
	})
}
