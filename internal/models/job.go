package models

import (
	"encoding/json"
	"time"
)

// JobKind is the typed sum over job payload kinds the Job Runtime dispatches
// on. Replaces a dynamic any-typed job payload with an explicit tag.
type JobKind string

const (
	JobKindSendIntent    JobKind = "send_intent"
	JobKindFireRecurrence JobKind = "fire_recurrence"
	JobKindCleanup       JobKind = "cleanup"
)

// JobStatus is the lifecycle state of a persisted job row.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// SendIntentPayload is the payload carried by a JobKindSendIntent job:
// only the id, per the Design Notes' "payloads carry only ids" rule.
type SendIntentPayload struct {
	IntentID int64 `json:"intentId"`
}

// FireRecurrencePayload is the payload carried by a JobKindFireRecurrence job.
type FireRecurrencePayload struct {
	RuleID int64 `json:"ruleId"`
}

// Job is a persisted delayed-job row. Payload is the raw JSON for the kind's
// payload struct; callers decode it based on Kind.
type Job struct {
	ID         string     `json:"id" db:"id"`
	Kind       JobKind    `json:"kind" db:"kind"`
	Payload    []byte     `json:"payload" db:"payload"`
	RunAt      time.Time  `json:"runAt" db:"run_at"`
	Status     JobStatus  `json:"status" db:"status"`
	Attempts   int        `json:"attempts" db:"attempts"`
	LastError  *string    `json:"lastError,omitempty" db:"last_error"`
	ScheduleID *string    `json:"scheduleId,omitempty" db:"schedule_id"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
}

// DecodeSendIntent decodes Payload as a SendIntentPayload.
func (j *Job) DecodeSendIntent() (SendIntentPayload, error) {
	var p SendIntentPayload
	err := json.Unmarshal(j.Payload, &p)
	return p, err
}

// DecodeFireRecurrence decodes Payload as a FireRecurrencePayload.
func (j *Job) DecodeFireRecurrence() (FireRecurrencePayload, error) {
	var p FireRecurrencePayload
	err := json.Unmarshal(j.Payload, &p)
	return p, err
}

// Schedule is a persisted recurring emitter installed by UpsertSchedule.
type Schedule struct {
	ID             string    `json:"id" db:"id"`
	CronExpression *string   `json:"cronExpression,omitempty" db:"cron_expression"`
	EveryMS        *int64    `json:"everyMs,omitempty" db:"every_ms"`
	EndDate        *time.Time `json:"endDate,omitempty" db:"end_date"`
	MaxOccurrences *int      `json:"maxOccurrences,omitempty" db:"max_occurrences"`
	FireCount      int       `json:"fireCount" db:"fire_count"`
	TemplateKind   JobKind   `json:"templateKind" db:"template_kind"`
	TemplatePayload []byte   `json:"templatePayload" db:"template_payload"`
	NextRunAt      time.Time `json:"nextRunAt" db:"next_run_at"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}
