package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smallbiznis/declara/internal/scheduler"
	"github.com/smallbiznis/declara/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	RulesFile string
	Simulate  bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "declara",
		Short:         "Allocate order totals into line item metafields",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log dependency wiring")
	cmd.PersistentFlags().StringVar(&opts.RulesFile, "rules", "", "path to a rules file (default: declara.yml lookup)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch and print its summary",
		Long: `Run one batch against the remote store and print the summary as JSON.

Exits non-zero when the batch fails or another worker holds the lease.

Example:
  declara run
  declara run --simulate --rules ./declara.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			options := batchOptions(rootOpts)
			var sched *scheduler.Scheduler
			options = append(options, fx.Populate(&sched))

			app := fx.New(options...)
			if err := app.Err(); err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.StopTimeout())
				defer cancel()
				_ = app.Stop(stopCtx)
			}()

			summary, err := sched.RunOnce(ctx)
			if errors.Is(err, scheduler.ErrLeaseHeld) {
				return fmt.Errorf("batch skipped: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summary); encErr != nil {
				return errors.Join(err, encErr)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&rootOpts.Simulate, "simulate", false, "compute allocations without writing to the remote store")

	return cmd
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled batches and the trigger API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(append(batchOptions(rootOpts),
				server.Module,
				fx.Invoke(scheduler.Lifecycle),
			)...)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(infraOptions(rootOpts)...)
			if err := app.Err(); err != nil {
				return err
			}
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			return app.Stop(context.WithoutCancel(cmd.Context()))
		},
	}
}
