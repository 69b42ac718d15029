// Package cli holds the docprocctl operator commands.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docproc/internal/bootstrap"
	"docproc/internal/config"
	"docproc/internal/guard"
	"docproc/internal/jobs"
)

type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	connect func(ctx context.Context, opts *RootOptions) (*Env, error)
}

var ValidFormats = []string{"text", "json"}

type Runner interface {
	Trigger(ctx context.Context, id string) (*jobs.Job, error)
}

// Env is what the commands operate on. Runner is built on first use because
// it needs the document store and the generation backend.
type Env struct {
	Jobs   *jobs.Manager
	Guard  *guard.Guard
	Runner func(ctx context.Context) (Runner, error)
	Close  func() error
}

type Option func(*RootOptions)

// WithEnv replaces the config-driven connection, for tests.
func WithEnv(connect func(ctx context.Context) (*Env, error)) Option {
	return func(o *RootOptions) {
		o.connect = func(ctx context.Context, _ *RootOptions) (*Env, error) { return connect(ctx) }
	}
}

func NewRootCommand(opts ...Option) *cobra.Command {
	o := &RootOptions{connect: connectFromConfig}
	for _, opt := range opts {
		opt(o)
	}

	cmd := &cobra.Command{
		Use:   "docprocctl",
		Short: "Operate the document processing job queue",
		Long:  "Inspect, enqueue, cancel and run jobs, manage caller blocks and promote delayed retries.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(o.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&o.ConfigPath, "config", "c", "", "config file (default $CONFIG_PATH or "+config.DefaultPath+")")
	cmd.PersistentFlags().StringVar(&o.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newJobCommand(o))
	cmd.AddCommand(newBlockCommand(o))
	cmd.AddCommand(newQueueCommand(o))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withEnv connects, runs fn and closes the connection.
func withEnv(cmd *cobra.Command, o *RootOptions, fn func(ctx context.Context, env *Env, out *formatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := o.connect(ctx, o)
	if err != nil {
		return err
	}
	if env.Close != nil {
		defer env.Close()
	}
	return fn(ctx, env, &formatter{format: o.Format, w: cmd.OutOrStdout()})
}

func connectFromConfig(ctx context.Context, o *RootOptions) (*Env, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateForCLI(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	core := bootstrap.NewCore(ctx, cfg, nil)

	var pipeline *bootstrap.Pipeline
	env := &Env{
		Jobs:  core.Jobs,
		Guard: core.Guard(),
		Runner: func(ctx context.Context) (Runner, error) {
			if err := cfg.ValidateForWorker(); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
			p, err := bootstrap.NewPipeline(ctx, core)
			if err != nil {
				return nil, err
			}
			pipeline = p
			return p.Executor, nil
		},
	}
	env.Close = func() error {
		if pipeline != nil {
			_ = pipeline.Close()
		}
		return core.Close()
	}
	return env, nil
}
