package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/dockerrunner/schema"
)

func newSpinCmd() *cobra.Command {
	var flags configFlags
	var parallel bool
	cmd := &cobra.Command{
		Use:   "spin <count>",
		Short: "Run one batch of containers and print the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := schema.ParseCount(args[0])
			if err != nil {
				return err
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

			var result schema.BatchResult
			if parallel {
				result, err = st.service.SpinParallel(cmd.Context(), count)
			} else {
				result, err = st.service.SpinSequential(cmd.Context(), count)
			}
			if err != nil {
				return err
			}
			return writeBatch(cmd.OutOrStdout(), result)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&parallel, "parallel", "p", false, "start every container of the batch at once")
	return cmd
}

type batchOutput struct {
	schema.BatchResult
	ExecutionTime string `json:"executionTime,omitempty"`
}

func writeBatch(w io.Writer, result schema.BatchResult) error {
	out := batchOutput{BatchResult: result}
	if result.Mode == schema.ModeParallel {
		out.ExecutionTime = fmt.Sprintf("%dms", result.Elapsed.Milliseconds())
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
