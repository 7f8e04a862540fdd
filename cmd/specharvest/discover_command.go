package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
	"github.com/WessleyAI/wessley-specharvest/engine/discover"
	"github.com/WessleyAI/wessley-specharvest/engine/extract"
	"github.com/WessleyAI/wessley-specharvest/pkg/config"
	"github.com/WessleyAI/wessley-specharvest/pkg/metrics"
	"github.com/WessleyAI/wessley-specharvest/pkg/resilience"
)

func newDiscoverCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "discover <models.csv>",
		Short: "List the engines of each model page as harvest input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log, err := ctx.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			in, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open models: %w", err)
			}
			models, err := discover.ReadModels(in)
			in.Close()
			if err != nil {
				return err
			}

			f, err := newFetcher(cfg, metrics.New(), log)
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := discover.New(f, extract.New(f.Origin(), log),
				resilience.NewFixedDelay(config.Seconds(cfg.Pacing.DiscoveryDelay)), log)
			res, runErr := d.Run(runCtx, models)

			var out io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer file.Close()
				out = file
			}
			if err := catalog.WriteRows(out, res.Rows); err != nil {
				return err
			}
			log.Info("discovery finished", "models", res.Models, "failed", res.Failed, "engines", len(res.Rows))
			return runErr
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "Write engine rows here instead of stdout")
	return cmd
}
