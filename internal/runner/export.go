package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kubev2v/bot-runner/internal/artifact"
	"github.com/kubev2v/bot-runner/internal/bot"
	"github.com/kubev2v/bot-runner/internal/notify"
	"github.com/kubev2v/bot-runner/internal/progress"
	"github.com/kubev2v/bot-runner/internal/store/model"
	"go.uber.org/zap"
)

// Document is the exported result of a finished job.
type Document struct {
	JobID       string       `json:"job_id"`
	Variant     string       `json:"variant"`
	GeneratedAt time.Time    `json:"generated_at"`
	Total       *int         `json:"total,omitempty"`
	Row         int          `json:"row"`
	Success     int          `json:"success"`
	Errors      int          `json:"errors"`
	Results     []bot.Result `json:"results"`
}

// Exporter publishes the outcome of a finished job: the signed result
// document goes to artifact storage and a notification mail is sent. Every
// step is optional and a failing step only produces a warning line.
type Exporter struct {
	uploader artifact.Uploader
	signer   notify.Signer
	mailer   notify.Mailer
	now      func() time.Time
}

func NewExporter(uploader artifact.Uploader, signer notify.Signer, mailer notify.Mailer) *Exporter {
	return &Exporter{uploader: uploader, signer: signer, mailer: mailer, now: time.Now}
}

func (e *Exporter) Deliver(ctx context.Context, rep *progress.Reporter, sub Submission, results []bot.Result) {
	rec, err := rep.Record(ctx)
	if err != nil {
		zap.S().Named("exporter").Warnw("failed to read record before export", "job_id", sub.JobID, "error", err)
		return
	}

	var location string
	if sub.Arguments.Export {
		location = e.export(ctx, rep, sub, rec, results)
	}
	if sub.Arguments.NotifyEmail != "" {
		e.mail(ctx, rep, sub, rec, location)
	}
}

func (e *Exporter) export(ctx context.Context, rep *progress.Reporter, sub Submission, rec model.ProgressRecord, results []bot.Result) string {
	if e.uploader == nil {
		e.warn(ctx, rep, "export requested but no artifact storage is configured")
		return ""
	}

	doc, err := json.MarshalIndent(Document{
		JobID:       sub.JobID,
		Variant:     sub.Variant,
		GeneratedAt: e.now().UTC(),
		Total:       rec.Total,
		Row:         rec.Row,
		Success:     rec.Success,
		Errors:      rec.Errors,
		Results:     results,
	}, "", "  ")
	if err != nil {
		e.warn(ctx, rep, fmt.Sprintf("export failed: %s", err))
		return ""
	}

	key := fmt.Sprintf("jobs/%s/%s.json", sub.JobID, uuid.NewString())
	if e.signer != nil {
		sig, err := e.signer.Sign(ctx, doc)
		if err != nil {
			e.warn(ctx, rep, err.Error())
			return ""
		}
		if _, err := e.uploader.Upload(ctx, key+".sig", sig, "application/octet-stream"); err != nil {
			e.warn(ctx, rep, fmt.Sprintf("upload failed: %s", err))
			return ""
		}
	}

	location, err := e.uploader.Upload(ctx, key, doc, "application/json")
	if err != nil {
		e.warn(ctx, rep, fmt.Sprintf("upload failed: %s", err))
		return ""
	}
	e.note(ctx, rep, model.MessageTypeInfo, MessageUploaded)
	return location
}

func (e *Exporter) mail(ctx context.Context, rep *progress.Reporter, sub Submission, rec model.ProgressRecord, location string) {
	if e.mailer == nil {
		e.warn(ctx, rep, "notification requested but no mail provider is configured")
		return
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Job %s (%s) processed %d units: %d succeeded, %d failed.\n", sub.JobID, sub.Variant, rec.Row, rec.Success, rec.Errors)
	if location != "" {
		fmt.Fprintf(&text, "Results: %s\n", location)
	}

	err := e.mailer.Send(ctx, sub.Arguments.NotifyEmail, notify.Message{
		Subject: fmt.Sprintf("bot-runner job %s finished", sub.JobID),
		Text:    text.String(),
	})
	if err != nil {
		e.warn(ctx, rep, err.Error())
		return
	}
	e.note(ctx, rep, model.MessageTypeInfo, MessageEmailSent)
}

func (e *Exporter) warn(ctx context.Context, rep *progress.Reporter, message string) {
	e.note(ctx, rep, model.MessageTypeWarning, message)
}

func (e *Exporter) note(ctx context.Context, rep *progress.Reporter, t model.MessageType, message string) {
	if err := rep.Note(ctx, t, message); err != nil {
		zap.S().Named("exporter").Warnw("failed to record export outcome", "job_id", rep.JobID(), "error", err)
	}
}
