package core

import (
	"time"
)

// JobStatus represents the current state of a broadcast job.
type JobStatus string

const (
	StatusDraft    JobStatus = "draft"    // Prepared, waiting for confirmation
	StatusQueued   JobStatus = "queued"   // Waiting to be claimed
	StatusRunning  JobStatus = "running"  // Owned by one worker
	StatusDone     JobStatus = "done"     // Audience exhausted
	StatusFailed   JobStatus = "failed"   // Run aborted by a store or setup error
	StatusCanceled JobStatus = "canceled" // Stopped on request
)

// IsTerminal reports whether the status ends a run.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// PayloadKind selects how the message is delivered.
type PayloadKind string

const (
	// PayloadText sends the literal job text.
	PayloadText PayloadKind = "text"
	// PayloadCopy copies an existing message, optionally overriding its caption.
	PayloadCopy PayloadKind = "copy"
)

// Job is one broadcast send operation targeting an audience segment.
//
// The definition fields (CreatedBy through CaptionOverride) never change after
// creation. Progress fields are only mutated through Store operations.
type Job struct {
	ID        string      `gorm:"primaryKey;size:36"`
	CreatedBy int64       `gorm:"index"`
	Segment   string      `gorm:"size:255;not null"`
	Kind      PayloadKind `gorm:"size:10;not null;default:'text'"`
	Text      string      `gorm:"type:text"`

	// Copy-mode source
	SourceChatID    int64
	SourceMessageID int
	CaptionOverride string `gorm:"type:text"`

	Status  JobStatus `gorm:"index;size:20;default:'queued'"`
	Total   int64     `gorm:"default:0"`
	Scanned int64     `gorm:"default:0"`
	Sent    int64     `gorm:"default:0"`
	Failed  int64     `gorm:"default:0"`

	// LastRecipientCursor is the key of the last recipient whose attempt was
	// persisted. Zero means nothing has been processed yet.
	LastRecipientCursor int64 `gorm:"default:0"`

	StartedAt  *time.Time
	FinishedAt *time.Time

	WorkerID string     `gorm:"size:255"`
	LockedAt *time.Time `gorm:"index"`

	LastError string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index;autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName keeps broadcast jobs out of any generic "jobs" table.
func (Job) TableName() string { return "broadcast_jobs" }

// Progress returns the job's counters.
func (j *Job) Progress() Progress {
	return Progress{Scanned: j.Scanned, Sent: j.Sent, Failed: j.Failed}
}

// Definition returns the immutable definition the job was created from.
func (j *Job) Definition() Definition {
	return Definition{
		CreatedBy:       j.CreatedBy,
		Segment:         j.Segment,
		Kind:            j.Kind,
		Text:            j.Text,
		SourceChatID:    j.SourceChatID,
		SourceMessageID: j.SourceMessageID,
		CaptionOverride: j.CaptionOverride,
	}
}

// Definition is the immutable part of a job supplied by its creator.
type Definition struct {
	CreatedBy       int64       `json:"created_by"`
	Segment         string      `json:"segment"`
	Kind            PayloadKind `json:"kind"`
	Text            string      `json:"text,omitempty"`
	SourceChatID    int64       `json:"source_chat_id,omitempty"`
	SourceMessageID int         `json:"source_message_id,omitempty"`
	CaptionOverride string      `json:"caption_override,omitempty"`
}

// NewJob builds an unsaved job from a definition.
func NewJob(def Definition) *Job {
	kind := def.Kind
	if kind == "" {
		kind = PayloadText
	}
	return &Job{
		CreatedBy:       def.CreatedBy,
		Segment:         def.Segment,
		Kind:            kind,
		Text:            def.Text,
		SourceChatID:    def.SourceChatID,
		SourceMessageID: def.SourceMessageID,
		CaptionOverride: def.CaptionOverride,
	}
}

// Progress is a set of counter deltas or totals.
type Progress struct {
	Scanned int64 `json:"scanned"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

// Add returns the sum of two progress values.
func (p Progress) Add(o Progress) Progress {
	return Progress{
		Scanned: p.Scanned + o.Scanned,
		Sent:    p.Sent + o.Sent,
		Failed:  p.Failed + o.Failed,
	}
}

// Recipient is a delivery target. Key is strictly increasing across the
// directory and is what the resume cursor records.
type Recipient struct {
	Key    int64
	ChatID int64
}

// JobFilter narrows List results.
type JobFilter struct {
	Status JobStatus
	Limit  int
}
