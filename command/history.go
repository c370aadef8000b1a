package command

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/IMBotPlatform/OpenAIService/storage"
)

const previewLen = 60

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查询与管理对话记录",
	}

	var (
		filter       storage.HistoryFilter
		since, until string
		page, size   int
		asJSON       bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "分页列出对话记录（新的在前）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filter.Start, err = parseDate(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if filter.End, err = parseDate(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			records, total, err := a.history.Query(cmd.Context(), filter, page, size)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"total": total, "records": records})
			}
			printRecords(cmd.OutOrStdout(), records)
			cmd.Printf("page %d, %d of %d records\n", page, len(records), total)
			return nil
		},
	}
	list.Flags().StringVar(&filter.Model, "model", "", "按模型过滤")
	list.Flags().StringVar(&filter.SessionID, "session", "", "按会话过滤")
	list.Flags().StringVar(&since, "since", "", "起始时间（RFC 3339 或 YYYY-MM-DD）")
	list.Flags().StringVar(&until, "until", "", "结束时间（RFC 3339 或 YYYY-MM-DD）")
	list.Flags().IntVar(&page, "page", 1, "页码，从 1 开始")
	list.Flags().IntVar(&size, "page-size", 10, "每页条数（1-100）")
	list.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "显示一条对话记录",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.history.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "删除一条对话记录",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.history.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func printRecords(w io.Writer, records []storage.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tMODEL\tTOKENS\tMS\tSESSION\tRESPONSE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Model,
			r.TokensUsed, r.ResponseTimeMS, r.SessionID, preview(r.Response))
	}
	tw.Flush()
}

// preview 截断为单行预览。
func preview(s string) string {
	runes := []rune(s)
	for i, r := range runes {
		if r == '\n' || r == '\r' {
			runes[i] = ' '
		}
	}
	if len(runes) > previewLen {
		return string(runes[:previewLen]) + "..."
	}
	return string(runes)
}

// parseDate 接受 RFC 3339 时间或 YYYY-MM-DD 日期（UTC）。
func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
