package progress

import (
	"context"
	"time"

	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/kubev2v/bot-runner/pkg/metrics"
	"go.uber.org/zap"
)

// LineSink receives every encoded progress line.
type LineSink interface {
	WriteLine(ctx context.Context, jobID, line string) error
}

// Reporter is the single writer of one job's progress record. Each call
// updates the record in the store and then publishes the encoded line.
// A Reporter is not safe for concurrent use.
type Reporter struct {
	jobID    string
	progress store.Progress
	sink     LineSink
	now      func() time.Time
	log      *zap.SugaredLogger

	last   model.ProgressRecord
	loaded bool
}

type ReporterOption func(r *Reporter)

func WithClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		r.now = now
	}
}

func NewReporter(jobID string, progress store.Progress, sink LineSink, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		jobID:    jobID,
		progress: progress,
		sink:     sink,
		now:      time.Now,
		log:      zap.S().Named("progress").With("job_id", jobID),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Reporter) JobID() string {
	return r.jobID
}

// Record returns the last record written or read by this reporter.
func (r *Reporter) Record(ctx context.Context) (model.ProgressRecord, error) {
	if r.loaded {
		return r.last, nil
	}
	rec, err := r.progress.Get(ctx, r.jobID)
	if err != nil {
		return model.ProgressRecord{}, err
	}
	r.last = *rec
	r.loaded = true
	return r.last, nil
}

// Start moves the job to Running.
func (r *Reporter) Start(ctx context.Context, message string) error {
	return r.write(ctx, model.ProgressUpdate{
		Status:      statusPtr(model.JobStatusRunning),
		Message:     &message,
		MessageType: typePtr(model.MessageTypeInfo),
	})
}

// SetTotal records a total discovered after submission. It is a no-op when
// the total is already known.
func (r *Reporter) SetTotal(ctx context.Context, total int) error {
	rec, err := r.Record(ctx)
	if err != nil {
		return err
	}
	if rec.Total != nil {
		return nil
	}
	return r.write(ctx, model.ProgressUpdate{Total: &total})
}

// Unit counts one processed work unit.
func (r *Reporter) Unit(ctx context.Context, ok bool, message string) error {
	rec, err := r.Record(ctx)
	if err != nil {
		return err
	}

	row := rec.Row + 1
	errs, success := rec.Errors, rec.Success
	msgType := model.MessageTypeLog
	if ok {
		success++
	} else {
		errs++
		msgType = model.MessageTypeWarning
	}

	return r.write(ctx, model.ProgressUpdate{
		Row:         &row,
		Errors:      &errs,
		Success:     &success,
		Message:     &message,
		MessageType: &msgType,
	})
}

// Note replaces the message without touching the counters.
func (r *Reporter) Note(ctx context.Context, msgType model.MessageType, message string) error {
	return r.write(ctx, model.ProgressUpdate{
		Message:     &message,
		MessageType: &msgType,
	})
}

func (r *Reporter) Finish(ctx context.Context, message string) error {
	return r.write(ctx, model.ProgressUpdate{
		Status:      statusPtr(model.JobStatusFinished),
		Message:     &message,
		MessageType: typePtr(model.MessageTypeSuccess),
	})
}

// Fail moves the job to Failed. The counters are left as they are.
func (r *Reporter) Fail(ctx context.Context, message string) error {
	return r.write(ctx, model.ProgressUpdate{
		Status:      statusPtr(model.JobStatusFailed),
		Message:     &message,
		MessageType: typePtr(model.MessageTypeError),
	})
}

func (r *Reporter) write(ctx context.Context, u model.ProgressUpdate) error {
	rec, err := r.progress.Update(ctx, r.jobID, u)
	if err != nil {
		return err
	}
	r.last = *rec
	r.loaded = true
	metrics.IncreaseProgressUpdatesMetric(string(rec.MessageType))

	line := Encode(EntryFromRecord(*rec, r.now()))
	if r.sink != nil {
		if err := r.sink.WriteLine(ctx, r.jobID, line); err != nil {
			r.log.Debugw("failed to publish progress line", "error", err)
		}
	}
	return nil
}

func statusPtr(s model.JobStatus) *model.JobStatus {
	return &s
}

func typePtr(t model.MessageType) *model.MessageType {
	return &t
}
