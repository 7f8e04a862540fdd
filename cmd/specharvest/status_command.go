package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/wessley-specharvest/engine/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log, err := ctx.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Dir, log)
			if err != nil {
				return err
			}
			sums, err := st.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sums) == 0 {
				fmt.Fprintf(out, "No collections in %s\n", st.Dir())
				return nil
			}
			fmt.Fprintln(out, renderStatus(sums))
			return nil
		},
	}
}
