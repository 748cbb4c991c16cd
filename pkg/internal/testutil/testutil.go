// Package testutil provides shared test helpers for the broadcast packages.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/durable-broadcast/pkg/audience"
	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/delivery"
	"github.com/jdziat/durable-broadcast/pkg/storage"
)

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// OpenDB opens a fresh in-memory SQLite database limited to one connection,
// since every connection to ":memory:" is its own database.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Stores returns a migrated job store and recipient directory sharing one
// database.
func Stores(t *testing.T) (*storage.GormStorage, *audience.Directory) {
	t.Helper()
	db := OpenDB(t)
	store := storage.NewGormStorage(db)
	dir := audience.NewDirectory(db)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, dir.Migrate(context.Background()))
	return store, dir
}

// Seed adds n recipients with chat ids 101..100+n from source channel -1.
func Seed(t *testing.T, dir *audience.Directory, n int) {
	t.Helper()
	for i := range n {
		_, err := dir.AddRecipient(context.Background(), int64(101+i), -1)
		require.NoError(t, err)
	}
}

// NoWaitPolicy returns a delivery policy that never sleeps.
func NoWaitPolicy() delivery.Policy {
	return delivery.Policy{
		MaxRetries: 2,
		Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

// Sender is a scripted runner.Sender. Errors queued per chat id are
// returned in order; after that sends succeed.
type Sender struct {
	mu     sync.Mutex
	calls  int
	script map[int64][]error
	sent   []int64

	// Gate, when set, blocks every send until it is closed or ctx ends.
	Gate chan struct{}

	// Hook, when set, runs before each send with its 1-based call number.
	// A non-nil error is returned as the send result.
	Hook func(ctx context.Context, call int, r core.Recipient) error
}

// NewSender creates a Sender with no scripted failures.
func NewSender() *Sender {
	return &Sender{script: map[int64][]error{}}
}

// Fail queues errs for chatID.
func (s *Sender) Fail(chatID int64, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[chatID] = append(s.script[chatID], errs...)
}

// Send implements runner.Sender.
func (s *Sender) Send(ctx context.Context, _ *core.Job, r core.Recipient) error {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls++
	call := s.calls
	hook := s.Hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call, r); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.script[r.ChatID]; len(errs) > 0 {
		s.script[r.ChatID] = errs[1:]
		return errs[0]
	}
	s.sent = append(s.sent, r.ChatID)
	return nil
}

// SetHook replaces Hook while sends may be in flight.
func (s *Sender) SetHook(fn func(ctx context.Context, call int, r core.Recipient) error) {
	s.mu.Lock()
	s.Hook = fn
	s.mu.Unlock()
}

// Calls returns how many sends were attempted.
func (s *Sender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Sent returns the chat ids delivered so far.
func (s *Sender) Sent() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.sent...)
}

// SentCounts returns how many times each chat id was delivered.
func (s *Sender) SentCounts() map[int64]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int, len(s.sent))
	for _, id := range s.sent {
		out[id]++
	}
	return out
}
