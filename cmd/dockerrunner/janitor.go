package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newJanitorCmd() *cobra.Command {
	var flags configFlags
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Remove leftover managed containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if minAge < 0 {
				return fmt.Errorf("--min-age must not be negative")
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			st, err := openStack(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.shutdown(cmd.Context())
			removed, err := runJanitor(cmd.Context(), st.yard, minAge)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d container(s)\n", removed)
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "only remove containers older than this")
	return cmd
}
