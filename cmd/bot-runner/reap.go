package main

import (
	"fmt"

	"github.com/kubev2v/bot-runner/internal/reaper"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type reapOptions struct {
	jobID  string
	marker bool
}

func newReapCmd() *cobra.Command {
	o := &reapOptions{}
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Terminate orphaned helper processes once",
		Long: `Terminate helper processes whose job is no longer running.

With --job only the helpers of that job are terminated. With --marker every
process carrying the helper marker is terminated, whatever its job.`,
		Args: cobra.NoArgs,
		RunE: o.Run,
	}
	cmd.Flags().StringVar(&o.jobID, "job", "", "only terminate the helpers of this job")
	cmd.Flags().BoolVar(&o.marker, "marker", false, "terminate every process carrying the helper marker")
	cmd.MarkFlagsMutuallyExclusive("job", "marker")
	return cmd
}

func (o *reapOptions) Run(cmd *cobra.Command, args []string) error {
	cfg, done, err := setup()
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	defer done()

	s, err := store.Open(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	rp := reaper.New(reaper.NewSystemTable(), s.Progress(), reaper.WithMarker(cfg.Reaper.Marker))

	var report reaper.Report
	switch {
	case o.jobID != "":
		report = rp.SweepJob(cmd.Context(), o.jobID)
	case o.marker:
		report = rp.SweepMarker(cmd.Context())
	default:
		report = rp.SweepDead(cmd.Context())
	}

	zap.S().Infow("sweep done", "scanned", report.Scanned, "matched", report.Matched, "terminated", report.Terminated)
	fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d matched=%d terminated=%d\n", report.Scanned, report.Matched, report.Terminated)
	return nil
}
