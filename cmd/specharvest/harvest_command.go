package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/wessley-specharvest/engine/extract"
	"github.com/WessleyAI/wessley-specharvest/engine/harvest"
	"github.com/WessleyAI/wessley-specharvest/engine/store"
	"github.com/WessleyAI/wessley-specharvest/pkg/config"
	"github.com/WessleyAI/wessley-specharvest/pkg/metrics"
	"github.com/WessleyAI/wessley-specharvest/pkg/resilience"
)

func newHarvestCommand(ctx *commandContext) *cobra.Command {
	var storeDir string
	var metricsPort int
	var noDelay bool

	cmd := &cobra.Command{
		Use:   "harvest <engines.csv>",
		Short: "Fetch spec pages for new engines and merge them into the store",
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
			if storeDir != "" {
				cfg.Store.Dir = storeDir
			}
			if cmd.Flags().Changed("metrics-port") {
				cfg.Metrics.Port = metricsPort
			}

			rows, err := readRowsFile(args[0])
			if err != nil {
				return err
			}
			if err := harvest.Validate(rows); err != nil {
				return err
			}

			st, err := store.Open(cfg.Store.Dir, log)
			if err != nil {
				return err
			}
			if err := st.Lock(); err != nil {
				if errors.Is(err, store.ErrLocked) {
					return fmt.Errorf("another harvest is using %s", cfg.Store.Dir)
				}
				return err
			}
			defer st.Unlock()

			reg := metrics.New()
			f, err := newFetcher(cfg, reg, log)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sinks, closeSinks, err := openSinks(runCtx, cfg, log)
			if err != nil {
				return err
			}
			defer closeSinks()

			stopMetrics, err := serveMetrics(cfg.Metrics.Port, reg, log)
			if err != nil {
				return err
			}
			defer stopMetrics()

			var pacer resilience.Pacer = resilience.NewRandomDelay(
				config.Seconds(cfg.Pacing.DetailMinDelay),
				config.Seconds(cfg.Pacing.DetailMaxDelay),
			)
			if noDelay {
				pacer = resilience.NoDelay{}
			}

			h := harvest.New(harvest.Deps{
				Fetcher:   f,
				Extractor: extract.New(f.Origin(), log),
				Store:     st,
				Pacer:     pacer,
				Sinks:     sinks,
				Metrics:   reg,
				Logger:    log,
			})
			rep, runErr := h.Run(runCtx, rows)
			fmt.Fprintln(cmd.OutOrStdout(), renderReport(rep))
			return runErr
		},
	}

	cmd.Flags().StringVar(&storeDir, "store-dir", "", "Override store.dir")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Serve /metrics on this port while running")
	cmd.Flags().BoolVar(&noDelay, "no-delay", false, "Disable pacing between detail requests")
	return cmd
}
