package command

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// CommandFactory 定义创建 Cobra 命令树的工厂函数类型。
// 交互式 chat 中每一行斜杠命令都使用新建的命令树执行，避免 Flag 状态在多次执行之间残留。
type CommandFactory func() *cobra.Command

// rootOptions 保存根命令的全局 flag。
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd 构建 openai-service 命令树。
//
//	openai-service
//	  ├── serve               启动 HTTP 服务
//	  ├── chat [prompt...]    终端对话（无参数时进入交互模式）
//	  ├── history list|show|delete
//	  ├── stats
//	  ├── sessions clear|count|sweep
//	  └── logs
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "openai-service",
		Short:         "OpenAI 兼容的代理服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "配置文件路径（YAML，或 .json/.jsonc）")
	flags.StringVar(&opts.logLevel, "log-level", "", "覆盖 log.level（debug|info|warn|error）")
	flags.StringVar(&opts.logFormat, "log-format", "", "覆盖 log.format（text|json）")

	root.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newHistoryCmd(opts),
		newStatsCmd(opts),
		newSessionsCmd(opts),
		newLogsCmd(opts),
	)
	return root
}

// Execute 以 args 运行命令树。
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}
