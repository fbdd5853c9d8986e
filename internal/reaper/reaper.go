package reaper

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/pkg/metrics"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

const (
	ModeJob    = "job"
	ModeMarker = "marker"
)

// Report summarises one sweep.
type Report struct {
	Scanned    int `json:"scanned"`
	Matched    int `json:"matched"`
	Terminated int `json:"terminated"`
}

// Reaper finds helper processes leaked by jobs and terminates them. Errors
// never reach the caller, a sweep does what it can and reports it.
type Reaper struct {
	table      ProcessTable
	progress   store.Progress
	marker     string
	mode       string
	interval   time.Duration
	purgeAfter time.Duration
	log        *zap.SugaredLogger
}

type Option func(r *Reaper)

func WithMarker(marker string) Option {
	return func(r *Reaper) {
		r.marker = marker
	}
}

// WithMode selects the sweep Run performs. ModeMarker matches helpers by the
// marker in their command line only, so it cannot tell jobs apart and will
// also kill the helpers of running jobs.
func WithMode(mode string) Option {
	return func(r *Reaper) {
		r.mode = mode
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithPurgeAfter makes Run delete terminal records older than d.
func WithPurgeAfter(d time.Duration) Option {
	return func(r *Reaper) {
		r.purgeAfter = d
	}
}

func New(table ProcessTable, progress store.Progress, opts ...Option) *Reaper {
	r := &Reaper{
		table:    table,
		progress: progress,
		marker:   "bot-runner-helper",
		mode:     ModeJob,
		interval: time.Minute,
		log:      zap.S().Named("reaper"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SweepJob terminates the helpers started for jobID.
func (r *Reaper) SweepJob(ctx context.Context, jobID string) Report {
	return r.sweep(ctx, ModeJob, func(p ProcessInfo) bool {
		return p.IsHelper(r.marker) && p.JobID() == jobID
	})
}

// SweepDead terminates the helpers whose job is terminal or unknown. Helpers
// of jobs still initializing or running are left alone.
func (r *Reaper) SweepDead(ctx context.Context) Report {
	alive := make(map[string]bool)
	return r.sweep(ctx, ModeJob, func(p ProcessInfo) bool {
		if !p.IsHelper(r.marker) {
			return false
		}
		jobID := p.JobID()
		if jobID == "" {
			return false
		}
		isAlive, known := alive[jobID]
		if !known {
			isAlive = r.jobAlive(ctx, jobID)
			alive[jobID] = isAlive
		}
		return !isAlive
	})
}

// SweepMarker terminates every process whose command line contains the
// marker, whatever job started it.
func (r *Reaper) SweepMarker(ctx context.Context) Report {
	return r.sweep(ctx, ModeMarker, func(p ProcessInfo) bool {
		return strings.Contains(p.Cmdline, r.marker)
	})
}

// Sweep runs the sweep of the configured mode.
func (r *Reaper) Sweep(ctx context.Context) Report {
	if r.mode == ModeMarker {
		return r.SweepMarker(ctx)
	}
	return r.SweepDead(ctx)
}

// Run sweeps on a jittered ticker until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := jitterbug.New(r.interval, &jitterbug.Norm{Stdev: r.interval / 10, Mean: 0})
	defer ticker.Stop()

	r.log.Infow("reaper started", "interval", r.interval, "mode", r.mode, "marker", r.marker)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
		}

		report := r.Sweep(ctx)
		if report.Matched > 0 {
			r.log.Infow("sweep done", "scanned", report.Scanned, "matched", report.Matched, "terminated", report.Terminated)
		}
		if r.purgeAfter > 0 {
			r.Purge(ctx, time.Now().Add(-r.purgeAfter))
		}
	}
}

// Purge deletes terminal records last updated before cutoff.
func (r *Reaper) Purge(ctx context.Context, cutoff time.Time) int64 {
	n, err := r.progress.Purge(ctx, store.NewPurgeFilter().UpdatedBefore(cutoff))
	if err != nil {
		r.log.Debugw("purge failed", "error", err)
		return 0
	}
	if n > 0 {
		r.log.Infow("purged progress records", "count", n, "cutoff", cutoff)
	}
	return n
}

func (r *Reaper) jobAlive(ctx context.Context, jobID string) bool {
	if r.progress == nil {
		return false
	}
	rec, err := r.progress.Get(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		return false
	case err != nil:
		// unknown state, keep the helper
		r.log.Debugw("failed to read job status", "job_id", jobID, "error", err)
		return true
	default:
		return !rec.Status.IsTerminal()
	}
}

func (r *Reaper) sweep(ctx context.Context, mode string, match func(ProcessInfo) bool) Report {
	var report Report

	procs, err := r.table.Snapshot(ctx)
	if err != nil {
		r.log.Debugw("failed to list processes", "error", err)
		return report
	}
	report.Scanned = len(procs)

	var targets []ProcessInfo
	for _, p := range procs {
		if match(p) {
			targets = append(targets, p)
		}
	}
	report.Matched = len(targets)

	for _, p := range targets {
		if err := r.table.Terminate(ctx, p.PID); err != nil {
			if !errors.Is(err, ErrProcessGone) {
				r.log.Debugw("failed to terminate helper", "pid", p.PID, "job_id", p.JobID(), "error", err)
			}
			continue
		}
		report.Terminated++
	}

	if report.Terminated > 0 {
		metrics.AddHelpersReapedMetric(mode, report.Terminated)
	}
	return report
}
