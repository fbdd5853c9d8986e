package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type JobStatus string

// Job status values. A job starts Initializing and ends Finished or Failed.
const (
	JobStatusInitializing JobStatus = "Initializing"
	JobStatusRunning      JobStatus = "Running"
	JobStatusFinished     JobStatus = "Finished"
	JobStatusFailed       JobStatus = "Failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusInitializing, JobStatusRunning, JobStatusFinished, JobStatusFailed:
		return true
	}
	return false
}

// CanMoveTo reports whether the lifecycle allows going from s to next.
// Writing the current status again is allowed while not terminal.
func (s JobStatus) CanMoveTo(next JobStatus) bool {
	switch s {
	case JobStatusInitializing:
		return next == JobStatusInitializing || next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusRunning || next == JobStatusFinished || next == JobStatusFailed
	default:
		return false
	}
}

type MessageType string

const (
	MessageTypeLog     MessageType = "log"
	MessageTypeSuccess MessageType = "success"
	MessageTypeWarning MessageType = "warning"
	MessageTypeInfo    MessageType = "info"
	MessageTypeError   MessageType = "error"
)

func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeLog, MessageTypeSuccess, MessageTypeWarning, MessageTypeInfo, MessageTypeError:
		return true
	}
	return false
}

var (
	// ErrTerminal is returned by Apply when the record already reached Finished or Failed.
	ErrTerminal = errors.New("record is terminal")
	// ErrInvalid is returned by Apply when the update breaks a record invariant.
	ErrInvalid = errors.New("invalid progress update")
)

// ProgressRecord is the live state of one job.
type ProgressRecord struct {
	JobID       string      `gorm:"primaryKey;column:job_id;type:VARCHAR(16)" json:"job_id"`
	Variant     string      `gorm:"column:bot_variant;type:VARCHAR(64);not null" json:"bot_variant"`
	Message     string      `gorm:"column:message;type:TEXT" json:"message"`
	MessageType MessageType `gorm:"column:message_type;type:VARCHAR(16);not null" json:"message_type"`
	Status      JobStatus   `gorm:"column:status;type:VARCHAR(16);not null;index" json:"status"`
	StartTime   time.Time   `gorm:"column:start_time;not null" json:"start_time"`
	Row         int         `gorm:"column:row;not null;default:0" json:"row"`
	Total       *int        `gorm:"column:total" json:"total,omitempty"`
	Errors      int         `gorm:"column:errors;not null;default:0" json:"errors"`
	Success     int         `gorm:"column:success;not null;default:0" json:"success"`
	UpdatedAt   time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (ProgressRecord) TableName() string {
	return "progress_records"
}

// NewProgressRecord returns the initial record of a freshly submitted job.
func NewProgressRecord(jobID, variant string, total *int, now time.Time) ProgressRecord {
	return ProgressRecord{
		JobID:       jobID,
		Variant:     variant,
		Message:     "job submitted",
		MessageType: MessageTypeInfo,
		Status:      JobStatusInitializing,
		StartTime:   now,
		Total:       total,
		UpdatedAt:   now,
	}
}

// Remaining is always derived from Total and Row. It is zero while the total is unknown.
func (p ProgressRecord) Remaining() int {
	if p.Total == nil {
		return 0
	}
	if r := *p.Total - p.Row; r > 0 {
		return r
	}
	return 0
}

func (p ProgressRecord) String() string {
	val, _ := json.Marshal(p)
	return string(val)
}

// Validate checks the counter invariants of a record.
func (p ProgressRecord) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalid)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, p.Status)
	}
	if !p.MessageType.IsValid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalid, p.MessageType)
	}
	if p.Row < 0 || p.Errors < 0 || p.Success < 0 {
		return fmt.Errorf("%w: negative counter", ErrInvalid)
	}
	if p.Errors+p.Success > p.Row {
		return fmt.Errorf("%w: errors (%d) + success (%d) exceed row (%d)", ErrInvalid, p.Errors, p.Success, p.Row)
	}
	if p.Total != nil && (*p.Total < 0 || p.Row > *p.Total) {
		return fmt.Errorf("%w: row %d outside total %d", ErrInvalid, p.Row, *p.Total)
	}
	return nil
}

// ProgressUpdate is a partial update. Nil fields are left untouched.
// Counters are absolute values, not increments, so a retried write is idempotent.
type ProgressUpdate struct {
	Message     *string
	MessageType *MessageType
	Status      *JobStatus
	Row         *int
	Total       *int
	Errors      *int
	Success     *int
}

func (u ProgressUpdate) IsEmpty() bool {
	return u.Message == nil && u.MessageType == nil && u.Status == nil &&
		u.Row == nil && u.Total == nil && u.Errors == nil && u.Success == nil
}

// Apply returns a copy of p with u applied, or an error when the result would
// break the record lifecycle. p itself is never modified.
func (p ProgressRecord) Apply(u ProgressUpdate, now time.Time) (ProgressRecord, error) {
	if p.Status.IsTerminal() {
		return p, fmt.Errorf("%w: job %s is %s", ErrTerminal, p.JobID, p.Status)
	}

	next := p
	if u.Status != nil {
		if !p.Status.CanMoveTo(*u.Status) {
			return p, fmt.Errorf("%w: status %s cannot move to %s", ErrInvalid, p.Status, *u.Status)
		}
		next.Status = *u.Status
	}
	if u.Row != nil {
		if *u.Row < p.Row {
			return p, fmt.Errorf("%w: row cannot decrease from %d to %d", ErrInvalid, p.Row, *u.Row)
		}
		next.Row = *u.Row
	}
	if u.Total != nil {
		if p.Total != nil && *p.Total != *u.Total {
			return p, fmt.Errorf("%w: total already set to %d", ErrInvalid, *p.Total)
		}
		total := *u.Total
		next.Total = &total
	}
	if u.Errors != nil {
		next.Errors = *u.Errors
	}
	if u.Success != nil {
		next.Success = *u.Success
	}
	if u.Message != nil {
		next.Message = *u.Message
	}
	if u.MessageType != nil {
		next.MessageType = *u.MessageType
	}
	if next.Errors < p.Errors || next.Success < p.Success {
		return p, fmt.Errorf("%w: outcome counters cannot decrease", ErrInvalid)
	}
	if err := next.Validate(); err != nil {
		return p, err
	}

	next.UpdatedAt = now
	return next, nil
}
