package api

import (
	"time"

	"github.com/jdziat/durable-broadcast/pkg/core"
)

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	core.Definition
	Draft bool `json:"draft,omitempty"`
}

// JobResponse is the JSON view of a job.
type JobResponse struct {
	ID                  string           `json:"id"`
	CreatedBy           int64            `json:"created_by"`
	Segment             string           `json:"segment"`
	Kind                core.PayloadKind `json:"kind"`
	Text                string           `json:"text,omitempty"`
	SourceChatID        int64            `json:"source_chat_id,omitempty"`
	SourceMessageID     int              `json:"source_message_id,omitempty"`
	CaptionOverride     string           `json:"caption_override,omitempty"`
	Status              core.JobStatus   `json:"status"`
	Total               int64            `json:"total"`
	Scanned             int64            `json:"scanned"`
	Sent                int64            `json:"sent"`
	Failed              int64            `json:"failed"`
	LastRecipientCursor int64            `json:"last_recipient_cursor"`
	WorkerID            string           `json:"worker_id,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
	StartedAt           string           `json:"started_at,omitempty"`
	FinishedAt          string           `json:"finished_at,omitempty"`
	CreatedAt           string           `json:"created_at"`
	UpdatedAt           string           `json:"updated_at"`
}

// ListJobsResponse is the body of GET /jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components,omitempty"`
}

// ErrorResponse carries an error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

func toJobResponse(j *core.Job) JobResponse {
	return JobResponse{
		ID:                  j.ID,
		CreatedBy:           j.CreatedBy,
		Segment:             j.Segment,
		Kind:                j.Kind,
		Text:                j.Text,
		SourceChatID:        j.SourceChatID,
		SourceMessageID:     j.SourceMessageID,
		CaptionOverride:     j.CaptionOverride,
		Status:              j.Status,
		Total:               j.Total,
		Scanned:             j.Scanned,
		Sent:                j.Sent,
		Failed:              j.Failed,
		LastRecipientCursor: j.LastRecipientCursor,
		WorkerID:            j.WorkerID,
		LastError:           j.LastError,
		StartedAt:           formatTimePtr(j.StartedAt),
		FinishedAt:          formatTimePtr(j.FinishedAt),
		CreatedAt:           formatTime(j.CreatedAt),
		UpdatedAt:           formatTime(j.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
