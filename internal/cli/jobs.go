package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docproc/internal/jobs"
)

func newJobCommand(o *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control jobs",
	}
	cmd.AddCommand(newJobGetCommand(o))
	cmd.AddCommand(newJobEnqueueCommand(o))
	cmd.AddCommand(newJobCancelCommand(o))
	cmd.AddCommand(newJobRunCommand(o))
	return cmd
}

func newJobGetCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, o, func(ctx context.Context, env *Env, out *formatter) error {
				job, err := env.Jobs.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return out.job(job)
			})
		},
	}
}

func newJobEnqueueCommand(o *RootOptions) *cobra.Command {
	var req jobs.NewJob
	var schemaPath string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a job for a document and queue it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schemaPath != "" {
				data, err := os.ReadFile(schemaPath)
				if err != nil {
					return fmt.Errorf("read schema: %w", err)
				}
				req.Schema = json.RawMessage(data)
			}
			return withEnv(cmd, o, func(ctx context.Context, env *Env, out *formatter) error {
				job, err := env.Jobs.CreateJob(ctx, req)
				if err != nil {
					return err
				}
				return out.job(job)
			})
		},
	}
	cmd.Flags().StringVar(&req.DocumentID, "document", "", "document id")
	cmd.Flags().StringVar(&req.SystemPromptID, "system-prompt", "", "system prompt id")
	cmd.Flags().StringVar(&req.CustomPromptID, "custom-prompt", "", "custom prompt id")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "path to a JSON schema file")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newJobCancelCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, o, func(ctx context.Context, env *Env, out *formatter) error {
				job, err := env.Jobs.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return out.job(job)
			})
		},
	}
}

func newJobRunCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a pending job now, in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, o, func(ctx context.Context, env *Env, out *formatter) error {
				runner, err := env.Runner(ctx)
				if err != nil {
					return err
				}
				job, err := runner.Trigger(ctx, args[0])
				if err != nil {
					return err
				}
				return out.job(job)
			})
		},
	}
}
