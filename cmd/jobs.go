package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

type jobAction func(ctx context.Context, ctrl Controller, jobID string) (harvest.Job, error)

func newLaunchCmd() *cobra.Command {
	return newJobActionCmd("launch", "Start a new run of a job, or resume a paused one",
		func(ctx context.Context, ctrl Controller, id string) (harvest.Job, error) { return ctrl.Launch(ctx, id) })
}

func newPauseCmd() *cobra.Command {
	return newJobActionCmd("pause", "Pause an active job after in-flight units finish",
		func(ctx context.Context, ctrl Controller, id string) (harvest.Job, error) { return ctrl.Pause(ctx, id) })
}

func newResumeCmd() *cobra.Command {
	return newJobActionCmd("resume", "Resume a paused job from its checkpoints",
		func(ctx context.Context, ctrl Controller, id string) (harvest.Job, error) { return ctrl.Resume(ctx, id) })
}

func newJobActionCmd(use, short string, action jobAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, err := action(cmd.Context(), svc.Jobs(), args[0])
			if err != nil {
				return fmt.Errorf("%s job %s: %w", use, args[0], err)
			}
			return printJSON(cmd, job)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job's state and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			progress, err := svc.Jobs().GetProgress(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status of job %s: %w", args[0], err)
			}
			return printJSON(cmd, progress)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
