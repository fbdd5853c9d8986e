package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/spf13/cobra"
)

type purgeOptions struct {
	olderThan time.Duration
	jobID     string
}

func newPurgeCmd() *cobra.Command {
	o := &purgeOptions{}
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished and failed progress records",
		Args:  cobra.NoArgs,
		RunE:  o.Run,
	}
	cmd.Flags().DurationVar(&o.olderThan, "older-than", 0, "only delete records last updated before this duration ago")
	cmd.Flags().StringVar(&o.jobID, "job", "", "only delete the record of this job")
	return cmd
}

func (o *purgeOptions) Validate() error {
	if o.olderThan <= 0 && o.jobID == "" {
		return errors.New("one of --older-than or --job is required")
	}
	return nil
}

func (o *purgeOptions) Run(cmd *cobra.Command, args []string) error {
	if err := o.Validate(); err != nil {
		return err
	}

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

	filter := store.NewPurgeFilter()
	if o.olderThan > 0 {
		filter = filter.UpdatedBefore(time.Now().Add(-o.olderThan))
	}
	if o.jobID != "" {
		filter = filter.ByJobID(o.jobID)
	}

	n, err := s.Progress().Purge(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("purging records: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d records deleted\n", n)
	return nil
}
