package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/kubev2v/bot-runner/internal/bot"
	"github.com/kubev2v/bot-runner/internal/progress"
	"github.com/kubev2v/bot-runner/internal/reaper"
	"github.com/kubev2v/bot-runner/internal/store/model"
)

var submitValidator = newRequestValidator()

type SubmitRequest struct {
	Variant   string        `json:"variant" validate:"required,variant_name"`
	Arguments bot.Arguments `json:"arguments"`
}

func (s *SubmitRequest) Bind(r *http.Request) error {
	if s.Variant == "" {
		return errors.New("variant is required")
	}
	return submitValidator.Struct(s)
}

type SubmitReply struct {
	JobID string `json:"job_id"`
}

func (s SubmitReply) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusCreated)
	return nil
}

type JobReply struct {
	JobID       string            `json:"job_id"`
	Variant     string            `json:"variant"`
	Status      model.JobStatus   `json:"status"`
	Message     string            `json:"message"`
	MessageType model.MessageType `json:"message_type"`
	StartTime   time.Time         `json:"start_time"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Row         int               `json:"row"`
	Total       *int              `json:"total,omitempty"`
	Errors      int               `json:"errors"`
	Success     int               `json:"success"`
	Remaining   int               `json:"remaining"`
	Line        string            `json:"line"`
}

func newJobReply(rec model.ProgressRecord) JobReply {
	return JobReply{
		JobID:       rec.JobID,
		Variant:     rec.Variant,
		Status:      rec.Status,
		Message:     rec.Message,
		MessageType: rec.MessageType,
		StartTime:   rec.StartTime,
		UpdatedAt:   rec.UpdatedAt,
		Row:         rec.Row,
		Total:       rec.Total,
		Errors:      rec.Errors,
		Success:     rec.Success,
		Remaining:   rec.Remaining(),
		Line:        progress.Encode(progress.EntryFromRecord(rec, rec.UpdatedAt)),
	}
}

func (j JobReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type RevokeReply struct {
	JobID string `json:"job_id"`
}

func (v RevokeReply) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusAccepted)
	return nil
}

type VariantsReply struct {
	Variants []string `json:"variants"`
}

func (v VariantsReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type SweepReply struct {
	reaper.Report
	JobID string `json:"job_id,omitempty"`
	Mode  string `json:"mode"`
}

func (s SweepReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type ErrReply struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

func (e *ErrReply) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errReply(code int, err error) *ErrReply {
	return &ErrReply{
		HTTPStatusCode: code,
		StatusText:     http.StatusText(code),
		ErrorText:      err.Error(),
	}
}
