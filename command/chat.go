package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/IMBotPlatform/OpenAIService/ai"
	"github.com/IMBotPlatform/OpenAIService/storage"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var model, session string
	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "在终端中与模型对话；不带参数时进入交互模式",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			c := &chatSession{
				chat:      a.service,
				contexts:  a.contexts,
				history:   a.history,
				logger:    a.logger,
				fallback:  a.cfg.AI.DefaultModel,
				model:     model,
				sessionID: session,
				parser:    NewParser(),
				out:       cmd.OutOrStdout(),
			}
			if len(args) > 0 {
				return c.send(cmd.Context(), strings.Join(args, " "))
			}
			if c.sessionID == "" {
				c.sessionID = newSessionID()
			}
			return c.repl(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "模型名称，默认使用 ai.default_model")
	cmd.Flags().StringVarP(&session, "session", "s", "", "会话 ID；单次对话不指定时不保留上下文")
	return cmd
}

// recorder 保存对话记录，由 *storage.HistoryStore 实现。
type recorder interface {
	Upsert(ctx context.Context, rec *storage.Record) error
}

// chatSession 是终端对话的状态：当前模型与会话。
// 与 HTTP 的 /chat/stream 不同，终端对话会把助手回复也写回会话，使多轮对话连贯。
type chatSession struct {
	chat      ai.Streamer
	contexts  *ai.ContextManager
	history   recorder
	logger    *slog.Logger
	fallback  string // 记录历史时使用的默认模型名
	model     string
	sessionID string
	parser    Parser
	out       io.Writer
}

// send 发送一条用户消息并流式打印回复。
// sessionID 为空时只发送这一条消息。
func (c *chatSession) send(ctx context.Context, text string) error {
	user := []ai.Message{ai.NewMessage(ai.RoleUser, text)}
	start := time.Now()
	var (
		chunks <-chan ai.Chunk
		err    error
	)
	if c.sessionID != "" {
		chunks, err = c.contexts.Stream(ctx, c.chat, c.sessionID, c.model, user)
	} else {
		chunks, err = c.chat.Stream(ctx, c.model, user)
	}
	if err != nil {
		return err
	}
	var reply strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			fmt.Fprintln(c.out)
			return chunk.Err
		}
		reply.WriteString(chunk.Content)
		fmt.Fprint(c.out, chunk.Content)
	}
	fmt.Fprintln(c.out)

	if reply.Len() == 0 {
		return nil
	}
	if c.sessionID != "" && !c.contexts.RecordsReplies() {
		assistant := []ai.Message{ai.NewMessage(ai.RoleAssistant, reply.String())}
		if _, err := c.contexts.Store().Extend(ctx, c.sessionID, assistant); err != nil {
			return fmt.Errorf("save reply to session: %w", err)
		}
	}
	c.record(ctx, user, reply.String(), time.Since(start))
	return nil
}

func (c *chatSession) record(ctx context.Context, messages []ai.Message, reply string, latency time.Duration) {
	if c.history == nil {
		return
	}
	model := c.model
	if model == "" {
		model = c.fallback
	}
	request, _ := json.Marshal(messages)
	err := c.history.Upsert(ctx, &storage.Record{
		Model:          model,
		Request:        string(request),
		Response:       reply,
		ResponseTimeMS: latency.Milliseconds(),
		SessionID:      c.sessionID,
	})
	if err != nil && c.logger != nil {
		c.logger.Error("failed to save chat history", "session_id", c.sessionID, "error", err)
	}
}

// repl 逐行读取输入：斜杠命令交给命令树执行，其余文本作为消息发送。
// 单条消息失败只打印错误，不结束会话。
func (c *chatSession) repl(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(c.out, "session %s, /help for commands\n", c.sessionID)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		parsed := c.parser.Parse(line)
		if parsed.IsCommand {
			err := c.exec(ctx, c.commands, parsed.Tokens)
			if errors.Is(err, ErrExit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			continue
		}

		if err := c.send(ctx, line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// exec 使用 factory 新建命令树并执行 tokens。
func (c *chatSession) exec(ctx context.Context, factory CommandFactory, tokens []string) error {
	if len(tokens) == 0 {
		return ErrCommandRequired
	}
	root := factory()
	root.SetArgs(tokens)
	root.SetOut(c.out)
	root.SetErr(c.out)
	return root.ExecuteContext(ctx)
}

// commands 构建交互模式的斜杠命令树。
func (c *chatSession) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "/",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return ErrCommandRequired
			}
			return fmt.Errorf("%w: /%s", ErrCommandNotFound, args[0])
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetHelpCommand(&cobra.Command{
		Use:   "help",
		Short: "列出可用命令",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, sub := range root.Commands() {
				cmd.Printf("/%-10s %s\n", sub.Name(), sub.Short)
			}
			return nil
		},
	})

	root.AddCommand(
		&cobra.Command{
			Use:   "reset",
			Short: "清空当前会话上下文",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.contexts.Clear(cmd.Context(), c.sessionID); err != nil {
					return err
				}
				cmd.Println("session cleared")
				return nil
			},
		},
		&cobra.Command{
			Use:   "new",
			Short: "开始新的会话",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c.sessionID = newSessionID()
				cmd.Printf("session %s\n", c.sessionID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "session [id]",
			Short: "显示或切换会话",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 1 {
					c.sessionID = args[0]
				}
				cmd.Printf("session %s\n", c.sessionID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "model [name]",
			Short: "显示或切换模型",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 1 {
					c.model = args[0]
				}
				model := c.model
				if model == "" {
					model = "(default)"
				}
				cmd.Printf("model %s\n", model)
				return nil
			},
		},
		&cobra.Command{
			Use:   "history",
			Short: "打印当前会话的消息",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				messages, err := c.contexts.Store().History(cmd.Context(), c.sessionID)
				if err != nil {
					return err
				}
				for _, m := range messages {
					cmd.Printf("[%s] %s\n", m.Role, m.Content)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:     "exit",
			Aliases: []string{"quit"},
			Short:   "退出",
			RunE: func(cmd *cobra.Command, args []string) error {
				return ErrExit
			},
		},
	)
	return root
}

func newSessionID() string {
	return uuid.Must(uuid.NewV7()).String()
}
