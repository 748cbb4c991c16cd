package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/security"
)

// claimAttempts bounds how often ClaimNext retries after losing a race for
// the oldest queued job before reporting that nothing was claimed.
const claimAttempts = 3

var (
	claimableFrom  = []core.JobStatus{core.StatusQueued}
	cancelableFrom = []core.JobStatus{core.StatusDraft, core.StatusQueued, core.StatusRunning}
)

// GormStorage implements core.Store using GORM.
type GormStorage struct {
	db *gorm.DB
}

var _ core.Store = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage is backed by SQLite, which has no
// row-level locking.
func (s *GormStorage) IsSQLite() bool {
	if s.db == nil || s.db.Dialector == nil {
		return false
	}
	return s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{})
}

// Create validates and stores a new job. The ID is generated when empty and
// the status defaults to queued.
func (s *GormStorage) Create(ctx context.Context, job *core.Job) error {
	if job.Kind == "" {
		job.Kind = core.PayloadText
	}
	if err := security.ValidateDefinition(job.Definition()); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusQueued
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// Get retrieves a job by ID.
func (s *GormStorage) Get(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first.
func (s *GormStorage) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	var jobList []*core.Job
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	err := q.Limit(security.ClampListLimit(filter.Limit)).Find(&jobList).Error
	return jobList, err
}

// SetStatus unconditionally sets the job status along with any extra fields.
func (s *GormStorage) SetStatus(ctx context.Context, jobID string, status core.JobStatus, fields map[string]any) error {
	updates := withStatus(fields, status)
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", jobID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// Transition moves a job to status "to" only if it is currently in one of
// "from". On mismatch it returns *core.InvalidStateError and changes nothing.
func (s *GormStorage) Transition(ctx context.Context, jobID string, from []core.JobStatus, to core.JobStatus, fields map[string]any) error {
	return s.transition(ctx, jobID, from, to, fields, "move to "+string(to))
}

func (s *GormStorage) transition(ctx context.Context, jobID string, from []core.JobStatus, to core.JobStatus, fields map[string]any, op string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, from).
		Updates(withStatus(fields, to))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return &core.InvalidStateError{JobID: jobID, Status: job.Status, Op: op}
}

// ClaimNext atomically moves the oldest queued job to running for workerID.
// Returns nil, nil when nothing is queued.
func (s *GormStorage) ClaimNext(ctx context.Context, workerID string) (*core.Job, error) {
	for range claimAttempts {
		var claimed string
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var candidate core.Job
			q := tx.Select("id").
				Where("status = ?", core.StatusQueued).
				Order("created_at ASC, id ASC")
			if !s.IsSQLite() {
				q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
			}
			if err := q.Take(&candidate).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}

			ok, err := claimRow(tx, candidate.ID, workerID)
			if err != nil {
				return err
			}
			if ok {
				claimed = candidate.ID
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("claim next job: %w", err)
		}
		if claimed != "" {
			return s.Get(ctx, claimed)
		}

		// Either nothing is queued or another worker won the row.
		var queued int64
		if err := s.db.WithContext(ctx).Model(&core.Job{}).Where("status = ?", core.StatusQueued).Count(&queued).Error; err != nil {
			return nil, err
		}
		if queued == 0 {
			return nil, nil
		}
	}
	return nil, nil
}

// Claim atomically moves one specific queued job to running for owner.
// Returns core.ErrNoJobQueued when the job exists but is not queued.
func (s *GormStorage) Claim(ctx context.Context, jobID string, owner string) (*core.Job, error) {
	ok, err := claimRow(s.db.WithContext(ctx), jobID, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %s is %s", core.ErrNoJobQueued, jobID, job.Status)
	}
	return s.Get(ctx, jobID)
}

// claimRow is the conditional update shared by both claim paths. Only one
// caller can observe RowsAffected == 1 for a given queued row.
func claimRow(tx *gorm.DB, jobID, owner string) (bool, error) {
	now := time.Now()
	result := tx.Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, claimableFrom).
		Updates(map[string]any{
			"status":      core.StatusRunning,
			"worker_id":   owner,
			"locked_at":   now,
			"started_at":  gorm.Expr("COALESCE(started_at, ?)", now),
			"finished_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// IncrementProgress atomically adds delta to the counters and records cursor
// as the last processed recipient key. The write only lands while owner holds
// the claim, so a runner that lost the job cannot move the cursor.
func (s *GormStorage) IncrementProgress(ctx context.Context, jobID string, owner string, delta core.Progress, cursor int64) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND worker_id = ?", jobID, owner).
		Updates(map[string]any{
			"scanned":               gorm.Expr("scanned + ?", delta.Scanned),
			"sent":                  gorm.Expr("sent + ?", delta.Sent),
			"failed":                gorm.Expr("failed + ?", delta.Failed),
			"last_recipient_cursor": cursor,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		return core.ErrJobNotOwned
	}
	return nil
}

// MarkDone finishes a running job owned by owner.
func (s *GormStorage) MarkDone(ctx context.Context, jobID string, owner string) error {
	return s.settle(ctx, jobID, owner, core.StatusDone, map[string]any{
		"finished_at": time.Now(),
		"locked_at":   nil,
	}, "mark done")
}

// MarkFailed aborts a running job owned by owner and records the error.
// Error messages are sanitized before storage.
func (s *GormStorage) MarkFailed(ctx context.Context, jobID string, owner string, errMsg string) error {
	return s.settle(ctx, jobID, owner, core.StatusFailed, map[string]any{
		"last_error":  security.SanitizeErrorMessage(errMsg),
		"finished_at": time.Now(),
		"locked_at":   nil,
	}, "mark failed")
}

// ReleaseClaim hands a running job owned by owner back to the queue. The
// cursor and counters are kept so the next claim resumes.
func (s *GormStorage) ReleaseClaim(ctx context.Context, jobID string, owner string) error {
	return s.settle(ctx, jobID, owner, core.StatusQueued, map[string]any{
		"worker_id": "",
		"locked_at": nil,
	}, "release")
}

// settle moves a running job to "to" only while owner holds it. A running job
// held by someone else yields core.ErrJobNotOwned; any other status yields
// *core.InvalidStateError.
func (s *GormStorage) settle(ctx context.Context, jobID, owner string, to core.JobStatus, fields map[string]any, op string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ? AND worker_id = ?", jobID, core.StatusRunning, owner).
		Updates(withStatus(fields, to))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == core.StatusRunning {
		return fmt.Errorf("%w: job %s is held by %q", core.ErrJobNotOwned, jobID, job.WorkerID)
	}
	return &core.InvalidStateError{JobID: jobID, Status: job.Status, Op: op}
}

// MarkCanceled records a cancel request. A running job stops at its next
// cancel check.
func (s *GormStorage) MarkCanceled(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, cancelableFrom, core.StatusCanceled, map[string]any{
		"finished_at": time.Now(),
		"locked_at":   nil,
	}, "cancel")
}

// Heartbeat refreshes the lock on a running job.
// Validates that the worker still owns the job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID string, workerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND worker_id = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Update("locked_at", time.Now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseStaleLocks requeues running jobs that haven't had a heartbeat within
// staleDuration. The cursor and counters are kept so the next claim resumes.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleDuration)
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusRunning).
		Where("locked_at < ?", cutoff).
		Updates(map[string]any{
			"status":    core.StatusQueued,
			"worker_id": "",
			"locked_at": nil,
		})
	return result.RowsAffected, result.Error
}

func withStatus(fields map[string]any, status core.JobStatus) map[string]any {
	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = status
	return updates
}
