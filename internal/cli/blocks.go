package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"docproc/internal/guard"
)

func newBlockCommand(o *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Inspect and manage blocked callers",
	}
	cmd.AddCommand(newBlockShowCommand(o))
	cmd.AddCommand(newBlockAddCommand(o))
	cmd.AddCommand(newBlockRemoveCommand(o))
	return cmd
}

func newBlockShowCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity>",
		Short: "Show the active block for a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, o, func(ctx context.Context, env *Env, out *formatter) error {
				info, err := env.Guard.BlockInfo(ctx, args[0])
				if err != nil {
					return err
				}
				return out.block(args[0], info)
			})
		},
	}
}

func newBlockAddCommand(o *RootOptions) *cobra.Command {
	var reason string
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "add <identity>",
		Short: "Block a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, o, func(ctx context.Context, env *Env, out *formatter) error {
				if _, err := env.Guard.Block(ctx, args[0], reason, duration); err != nil {
					return err
				}
				info, err := env.Guard.BlockInfo(ctx, args[0])
				if err != nil {
					return err
				}
				return out.block(args[0], info)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", guard.ReasonManual, "reason recorded on the block")
	cmd.Flags().DurationVar(&duration, "duration", 0, "block duration (default from config)")
	return cmd
}

func newBlockRemoveCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <identity>",
		Short: "Lift a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, o, func(ctx context.Context, env *Env, out *formatter) error {
				if err := env.Guard.Unblock(ctx, args[0]); err != nil {
					return err
				}
				return out.message("unblocked", args[0], args[0]+" unblocked")
			})
		},
	}
}
