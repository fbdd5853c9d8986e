package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/kubev2v/bot-runner/internal/bot"
	"github.com/kubev2v/bot-runner/internal/progress"
	"github.com/kubev2v/bot-runner/internal/reaper"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/kubev2v/bot-runner/pkg/metrics"
	"go.uber.org/zap"
)

// Fixed progress messages.
const (
	MessageFinished       = "job finished successfully"
	MessageEmailSent      = "email sent"
	MessageUploaded       = "file uploaded successfully"
	MessageSessionTimeout = "session validation timed out"
	MessageAuthenticated  = "authenticated"
	MessageRevoked        = "job revoked"
	MessageInterrupted    = "job interrupted"
)

var (
	// ErrRevoked is the cancellation cause of a revoked job.
	ErrRevoked = errors.New("job revoked")
	// ErrBotPanicked wraps the value a bot panicked with.
	ErrBotPanicked = errors.New("bot panicked")
)

// Submission is a job accepted by the dispatcher.
type Submission struct {
	JobID       string
	Variant     string
	Arguments   bot.Arguments
	SubmittedAt time.Time
}

// JobSweeper terminates the helper processes of one job.
type JobSweeper interface {
	SweepJob(ctx context.Context, jobID string) reaper.Report
}

// Runtime drives one bot through a job and keeps its progress record.
type Runtime struct {
	registry       *bot.Registry
	progress       store.Progress
	sink           progress.LineSink
	sweeper        JobSweeper
	exporter       *Exporter
	sessionTimeout time.Duration
	now            func() time.Time
	log            *zap.SugaredLogger
}

type Option func(rt *Runtime)

// WithSessionTimeout fails a job when no work unit completes within d.
// Zero disables the watchdog.
func WithSessionTimeout(d time.Duration) Option {
	return func(rt *Runtime) {
		rt.sessionTimeout = d
	}
}

func WithSweeper(s JobSweeper) Option {
	return func(rt *Runtime) {
		rt.sweeper = s
	}
}

func WithExporter(e *Exporter) Option {
	return func(rt *Runtime) {
		rt.exporter = e
	}
}

func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) {
		rt.now = now
	}
}

func New(registry *bot.Registry, progress store.Progress, sink progress.LineSink, opts ...Option) *Runtime {
	rt := &Runtime{
		registry:       registry,
		progress:       progress,
		sink:           sink,
		sessionTimeout: 5 * time.Minute,
		now:            time.Now,
		log:            zap.S().Named("runner"),
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// Run executes sub until its record is Finished or Failed. The returned
// error is the reason of a failure, the record already reflects it.
func (rt *Runtime) Run(ctx context.Context, sub Submission) error {
	log := rt.log.With("job_id", sub.JobID, "variant", sub.Variant)
	rep := progress.NewReporter(sub.JobID, rt.progress, rt.sink, progress.WithClock(rt.now))

	// terminal writes and cleanup must happen even when ctx is cancelled
	final := context.WithoutCancel(ctx)
	defer rt.sweep(final, sub.JobID)

	results, err := rt.guardedDrive(ctx, rep, sub)
	if err != nil {
		err = causeOf(ctx, err)
		log.Infow("job failed", "error", err)
		if ferr := rep.Fail(final, failureMessage(err)); ferr != nil {
			log.Warnw("failed to record job failure", "error", ferr)
		}
		metrics.IncreaseJobsCompletedMetric(sub.Variant, string(model.JobStatusFailed))
		return err
	}

	if rt.exporter != nil {
		rt.exporter.Deliver(final, rep, sub, results)
	}

	if err := rep.Finish(final, MessageFinished); err != nil {
		log.Warnw("failed to record job completion", "error", err)
		return err
	}
	metrics.IncreaseJobsCompletedMetric(sub.Variant, string(model.JobStatusFinished))
	log.Infow("job finished")
	return nil
}

// guardedDrive turns a panic in the bot into a job failure.
func (rt *Runtime) guardedDrive(ctx context.Context, rep *progress.Reporter, sub Submission) (results []bot.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Errorw("bot panicked", "job_id", sub.JobID, "variant", sub.Variant, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrBotPanicked, r)
		}
	}()
	return rt.drive(ctx, rep, sub)
}

func (rt *Runtime) drive(ctx context.Context, rep *progress.Reporter, sub Submission) ([]bot.Result, error) {
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	b, err := rt.registry.New(bot.Job{ID: sub.JobID, Variant: sub.Variant, Arguments: sub.Arguments})
	if err != nil {
		return nil, err
	}
	if c, ok := b.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				rt.log.Debugw("failed to close bot", "job_id", sub.JobID, "error", err)
			}
		}()
	}

	botCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wd := startWatchdog(rt.sessionTimeout, func() { cancel(bot.ErrSessionTimeout) })
	defer wd.Stop()

	ok, err := b.Authenticate(botCtx, sub.Arguments.Credentials)
	if err != nil {
		return nil, causeOf(botCtx, err)
	}
	if !ok {
		return nil, bot.ErrAuthentication
	}
	wd.Reset()
	if err := rep.Start(ctx, MessageAuthenticated); err != nil {
		return nil, err
	}

	sizer, _ := b.(bot.Sizer)
	var results []bot.Result
	for res, err := range b.LocateTarget(botCtx, sub.Arguments.Query) {
		if err != nil {
			return results, causeOf(botCtx, err)
		}
		if botCtx.Err() != nil {
			return results, context.Cause(botCtx)
		}
		wd.Reset()

		if err := rt.learnTotal(ctx, rep, sizer); err != nil {
			return results, err
		}
		if err := rep.Unit(ctx, res.OK, res.Message); err != nil {
			return results, err
		}
		results = append(results, res)
	}
	if botCtx.Err() != nil {
		return results, context.Cause(botCtx)
	}
	return results, rt.learnTotal(ctx, rep, sizer)
}

func (rt *Runtime) learnTotal(ctx context.Context, rep *progress.Reporter, sizer bot.Sizer) error {
	if sizer == nil {
		return nil
	}
	total, known := sizer.Total()
	if !known {
		return nil
	}
	return rep.SetTotal(ctx, total)
}

func (rt *Runtime) sweep(ctx context.Context, jobID string) {
	if rt.sweeper == nil {
		return
	}
	if report := rt.sweeper.SweepJob(ctx, jobID); report.Matched > 0 {
		rt.log.Infow("terminated leftover helpers", "job_id", jobID, "matched", report.Matched, "terminated", report.Terminated)
	}
}

// causeOf prefers the cancellation cause over the error the bot returned
// after noticing the cancellation.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, bot.ErrSessionTimeout):
		return MessageSessionTimeout
	case errors.Is(err, ErrRevoked):
		return MessageRevoked
	default:
		return err.Error()
	}
}
