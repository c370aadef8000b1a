package command

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/IMBotPlatform/OpenAIService/ai"
	"github.com/IMBotPlatform/OpenAIService/storage"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "管理持久化的会话上下文（file/sqlite 后端）",
	}

	// withStore 打开 app 并在非 memory 后端上执行 fn。
	withStore := func(cmd *cobra.Command, fn func(a *app, store ai.SessionStore) error) error {
		a, err := openApp(opts, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()
		if _, ok := a.sessions.(*ai.MemoryStore); ok {
			return ErrInProcessStore
		}
		return fn(a, a.sessions)
	}

	clearCmd := &cobra.Command{
		Use:   "clear <session-id>...",
		Short: "删除会话上下文",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(a *app, store ai.SessionStore) error {
				for _, id := range args {
					if err := a.contexts.Clear(cmd.Context(), id); err != nil {
						return err
					}
					cmd.Printf("cleared %s\n", id)
				}
				return nil
			})
		},
	}

	count := &cobra.Command{
		Use:   "count",
		Short: "统计会话数量",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(a *app, store ai.SessionStore) error {
				n, err := store.Len(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Println(n)
				return nil
			})
		},
	}

	var retention time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "立即删除超过保留时长未更新的会话（仅 sqlite 后端）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(a *app, store ai.SessionStore) error {
				sqlStore, ok := store.(*storage.SessionStore)
				if !ok {
					cmd.Println("sweep is only supported by the sqlite backend")
					return nil
				}
				keep := retention
				if keep <= 0 {
					keep = a.cfg.AI.Context.Retention.Std()
				}
				n, err := sqlStore.Sweep(cmd.Context(), keep)
				if err != nil {
					return err
				}
				cmd.Printf("removed %d sessions idle for more than %s\n", n, keep)
				return nil
			})
		},
	}
	sweep.Flags().DurationVar(&retention, "retention", 0, "保留时长，默认使用 ai.context.retention")

	cmd.AddCommand(clearCmd, count, sweep)
	return cmd
}
