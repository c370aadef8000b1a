package command

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/spf13/cobra"
)

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "显示持久化到数据库的日志（log.persist_level 及以上）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.db.RecentLogs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				attrs := maps.Clone(e.Data)
				level, _ := attrs["level"].(string)
				msg, _ := attrs["message"].(string)
				delete(attrs, "level")
				delete(attrs, "message")

				line := fmt.Sprintf("%s %-5s %s", e.CreatedAt.Local().Format(time.DateTime), level, msg)
				if len(attrs) > 0 {
					extra, _ := json.Marshal(attrs)
					line += " " + string(extra)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "最多显示的条数")
	return cmd
}
