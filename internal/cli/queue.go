package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueCommand(o *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Operate on the job queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "promote",
		Short: "Move due delayed retries onto the ready queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, o, func(ctx context.Context, env *Env, out *formatter) error {
				promoted, err := env.Jobs.PromoteDue(ctx)
				if promoted == nil {
					promoted = []string{}
				}
				if outErr := out.message("promoted", promoted, fmt.Sprintf("promoted %d job(s)", len(promoted))); outErr != nil {
					return outErr
				}
				return err
			})
		},
	})
	return cmd
}
