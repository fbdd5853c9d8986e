package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubev2v/bot-runner/internal/bot"
	"github.com/kubev2v/bot-runner/internal/runner"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/kubev2v/bot-runner/internal/worker"
	"github.com/kubev2v/bot-runner/pkg/metrics"
	"go.uber.org/zap"
)

var ErrIdentifierExhausted = errors.New("could not allocate a unique job id")

type Submission = runner.Submission

type Runner interface {
	Run(ctx context.Context, sub Submission) error
}

type Pool interface {
	Submit(t worker.Task) error
	Cancel(key string, cause error) bool
}

type Dispatcher struct {
	registry    *bot.Registry
	progress    store.Progress
	pool        Pool
	runner      Runner
	sweeper     runner.JobSweeper
	newID       IDGenerator
	maxAttempts int
	now         func() time.Time
	log         *zap.SugaredLogger
}

type Option func(d *Dispatcher)

func WithIDGenerator(gen IDGenerator) Option {
	return func(d *Dispatcher) {
		d.newID = gen
	}
}

func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithSweeper(s runner.JobSweeper) Option {
	return func(d *Dispatcher) {
		d.sweeper = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func New(registry *bot.Registry, progress store.Progress, pool Pool, r Runner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		progress:    progress,
		pool:        pool,
		runner:      r,
		newID:       NanoID(),
		maxAttempts: 16,
		now:         time.Now,
		log:         zap.S().Named("dispatcher"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Submit creates the job record and queues the job. It returns as soon as the
// job is queued.
func (d *Dispatcher) Submit(ctx context.Context, variant string, args bot.Arguments) (string, error) {
	if _, err := d.registry.Lookup(variant); err != nil {
		return "", err
	}
	if args.Total != nil && *args.Total < 0 {
		return "", fmt.Errorf("%w: negative total %d", store.ErrInvalidUpdate, *args.Total)
	}

	now := d.now()
	jobID, err := d.create(ctx, variant, args, now)
	if err != nil {
		return "", err
	}

	sub := Submission{JobID: jobID, Variant: variant, Arguments: args, SubmittedAt: now}
	err = d.pool.Submit(worker.Task{
		Key: jobID,
		Run: func(ctx context.Context) error {
			return d.runner.Run(ctx, sub)
		},
	})
	if err != nil {
		d.log.Warnw("failed to queue job", "job_id", jobID, "error", err)
		d.markFailed(ctx, jobID, variant, fmt.Sprintf("job could not be queued: %s", err))
		return "", fmt.Errorf("queueing job %s: %w", jobID, err)
	}

	metrics.IncreaseJobsSubmittedMetric(variant)
	d.log.Infow("job submitted", "job_id", jobID, "variant", variant)
	return jobID, nil
}

// Revoke cancels a queued or running job and terminates its helpers.
func (d *Dispatcher) Revoke(ctx context.Context, jobID string) error {
	rec, err := d.progress.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", store.ErrTerminalRecord, jobID, rec.Status)
	}

	if !d.pool.Cancel(jobID, runner.ErrRevoked) {
		// not owned by this pool, nobody else will close the record
		d.markFailed(ctx, jobID, rec.Variant, runner.MessageRevoked)
	}
	if d.sweeper != nil {
		d.sweeper.SweepJob(ctx, jobID)
	}
	d.log.Infow("job revoked", "job_id", jobID)
	return nil
}

// Recover fails every Initializing or Running record. It must be called before
// the pool accepts work, when no record can be owned by this process.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	recs, err := d.progress.List(ctx, store.NewListOptions().ByStatus(model.JobStatusInitializing, model.JobStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	for _, rec := range recs {
		d.markFailed(ctx, rec.JobID, rec.Variant, runner.MessageInterrupted)
		d.log.Infow("job interrupted", "job_id", rec.JobID, "status", rec.Status)
	}
	return len(recs), nil
}

func (d *Dispatcher) Get(ctx context.Context, jobID string) (*model.ProgressRecord, error) {
	return d.progress.Get(ctx, jobID)
}

func (d *Dispatcher) List(ctx context.Context, opts *store.ListOptions) ([]model.ProgressRecord, error) {
	return d.progress.List(ctx, opts)
}

// Variants lists the bot variants jobs can be submitted for.
func (d *Dispatcher) Variants() []string {
	return d.registry.Names()
}

func (d *Dispatcher) create(ctx context.Context, variant string, args bot.Arguments, now time.Time) (string, error) {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		jobID, err := d.newID()
		if err != nil {
			return "", fmt.Errorf("generating job id: %w", err)
		}

		err = d.progress.Create(ctx, model.NewProgressRecord(jobID, variant, args.Total, now))
		switch {
		case err == nil:
			return jobID, nil
		case errors.Is(err, store.ErrDuplicateKey):
			d.log.Debugw("job id collision", "job_id", jobID, "attempt", attempt)
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrIdentifierExhausted, d.maxAttempts)
}

func (d *Dispatcher) markFailed(ctx context.Context, jobID, variant, message string) {
	status := model.JobStatusFailed
	msgType := model.MessageTypeError
	_, err := d.progress.Update(context.WithoutCancel(ctx), jobID, model.ProgressUpdate{
		Status:      &status,
		Message:     &message,
		MessageType: &msgType,
	})
	switch {
	case errors.Is(err, store.ErrTerminalRecord):
		// the job finished in the meantime
	case err != nil:
		d.log.Warnw("failed to mark job as failed", "job_id", jobID, "error", err)
	default:
		metrics.IncreaseJobsCompletedMetric(variant, string(model.JobStatusFailed))
	}
}
