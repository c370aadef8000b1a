package command

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "汇总对话记录：请求数、按模型分布、token 总量与平均耗时",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.history.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "total requests\t%d\n", stats.TotalRequests)
			fmt.Fprintf(tw, "total tokens\t%d\n", stats.TotalTokens)
			fmt.Fprintf(tw, "average response time\t%.1f ms\n", stats.AverageResponseTime)
			for _, model := range slices.Sorted(maps.Keys(stats.RequestsByModel)) {
				fmt.Fprintf(tw, "  %s\t%d\n", model, stats.RequestsByModel[model])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")
	return cmd
}
