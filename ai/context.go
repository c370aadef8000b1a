package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// DefaultCompletionTimeout bounds a provider call when no timeout is configured.
const DefaultCompletionTimeout = 60 * time.Second

// ContextManager accumulates per-session conversation context and forwards
// the full history to a Completer.
//
// Only caller-submitted messages accumulate unless RecordReplies is enabled.
// A failed completion never rolls back the messages already appended.
type ContextManager struct {
	store     SessionStore
	completer Completer
	logger    *slog.Logger

	timeout       time.Duration
	maxTokens     int
	recordReplies bool
	countTokens   func(model, text string) int
}

// ContextOption 用于定制 ContextManager。
type ContextOption func(*ContextManager)

// WithCompletionTimeout 限定单次补全调用的最长时间。
func WithCompletionTimeout(d time.Duration) ContextOption {
	return func(m *ContextManager) {
		m.timeout = d
	}
}

// WithMaxContextTokens 拒绝估算 token 数超过 n 的上下文（0 表示不检查）。
func WithMaxContextTokens(n int) ContextOption {
	return func(m *ContextManager) {
		m.maxTokens = n
	}
}

// WithRecordReplies 成功补全后将模型回复追加到会话。
func WithRecordReplies(enabled bool) ContextOption {
	return func(m *ContextManager) {
		m.recordReplies = enabled
	}
}

// WithContextLogger 注入日志记录器。
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(m *ContextManager) {
		m.logger = l
	}
}

// WithContextTokenCounter 替换上下文预算检查使用的 token 计数函数。
func WithContextTokenCounter(fn func(model, text string) int) ContextOption {
	return func(m *ContextManager) {
		m.countTokens = fn
	}
}

// NewContextManager binds a session store to a completion collaborator.
func NewContextManager(store SessionStore, completer Completer, opts ...ContextOption) *ContextManager {
	m := &ContextManager{
		store:       store,
		completer:   completer,
		logger:      slog.New(slog.DiscardHandler),
		timeout:     DefaultCompletionTimeout,
		countTokens: llms.CountTokens,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewContextManagerFromConfig 按 ContextConfig 构建 ContextManager。
func NewContextManagerFromConfig(cfg ContextConfig, store SessionStore, completer Completer, opts ...ContextOption) *ContextManager {
	base := []ContextOption{
		WithMaxContextTokens(cfg.MaxContextTokens),
		WithRecordReplies(cfg.RecordReplies),
	}
	if cfg.Timeout > 0 {
		base = append(base, WithCompletionTimeout(cfg.Timeout.Std()))
	}
	return NewContextManager(store, completer, append(base, opts...)...)
}

// Store 返回底层会话存储。
func (m *ContextManager) Store() SessionStore {
	return m.store
}

// RecordsReplies 报告成功补全后是否自动追加模型回复。
func (m *ContextManager) RecordsReplies() bool {
	return m.recordReplies
}

// ExtendAndGet appends newMessages to the session and returns the full
// ordered history. An empty session id is rejected before any mutation.
func (m *ContextManager) ExtendAndGet(ctx context.Context, sessionID string, newMessages []Message) ([]Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	history, err := m.store.Extend(ctx, sessionID, newMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to extend session %s: %w", sessionID, err)
	}
	return history, nil
}

// Streamer 以流式方式返回补全内容。
type Streamer interface {
	Stream(ctx context.Context, model string, messages []Message, opts ...ChatOption) (<-chan Chunk, error)
}

// Complete 组合 ExtendAndGet 与补全调用。
//
// 核心流程:
//
//	newMessages
//	     |
//	     v
//	+--------------------------+
//	| SessionStore.Extend      |  (per-session lock: append + snapshot)
//	+------------+-------------+
//	             | snapshot
//	             v
//	+--------------------------+
//	| budget check (optional)  | --too long--> CompletionError{context_too_long}
//	+------------+-------------+
//	             v
//	+--------------------------+
//	| Completer.Submit         |  (outside the lock, bounded by timeout)
//	+------------+-------------+
//	             |
//	   ok -------+------- fail --> CompletionError (append is kept)
//	   |
//	   v
//	[RecordReplies?] -> Extend(assistant reply)
//
// An over-budget session stays over budget: the rejected append is kept, so
// every later call fails the same way until the session is cleared or the
// store's max_messages cap trims it.
func (m *ContextManager) Complete(ctx context.Context, sessionID, model string, newMessages []Message, opts ...ChatOption) (*Completion, error) {
	history, err := m.prepare(ctx, sessionID, model, newMessages)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	completion, err := m.completer.Submit(callCtx, model, history, opts...)
	if err != nil {
		cerr := m.classify(ctx, callCtx, model, err)
		m.logger.Error("context completion failed",
			"session_id", sessionID, "kind", cerr.Kind, "error", cerr.Err)
		return nil, cerr
	}

	if m.recordReplies {
		m.recordReply(ctx, sessionID, completion.Response)
	}

	return completion, nil
}

// Stream 与 Complete 相同地追加消息并检查 token 预算，然后通过 s 流式获取补全。
//
// 超时覆盖整个流：返回的 channel 关闭前超时计时一直有效。
// 流中的错误统一转换为 *CompletionError，超时归类为 timeout。
// RecordReplies 开启时，完整且无错误的回复在 channel 关闭前写回会话。
func (m *ContextManager) Stream(ctx context.Context, s Streamer, sessionID, model string, newMessages []Message, opts ...ChatOption) (<-chan Chunk, error) {
	history, err := m.prepare(ctx, sessionID, model, newMessages)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := m.withTimeout(ctx)
	chunks, err := s.Stream(callCtx, model, history, opts...)
	if err != nil {
		cerr := m.classify(ctx, callCtx, model, err)
		cancel()
		m.logger.Error("context stream failed",
			"session_id", sessionID, "kind", cerr.Kind, "error", cerr.Err)
		return nil, cerr
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer cancel()

		var (
			reply  strings.Builder
			failed bool
		)
		for chunk := range chunks {
			if chunk.Err != nil {
				cerr := m.classify(ctx, callCtx, model, chunk.Err)
				m.logger.Error("context stream failed",
					"session_id", sessionID, "kind", cerr.Kind, "error", cerr.Err)
				chunk.Err = cerr
				failed = true
			} else {
				reply.WriteString(chunk.Content)
			}
			// 调用方放弃读取后继续排空上游，直到其因 ctx 取消而关闭。
			select {
			case out <- chunk:
			case <-ctx.Done():
				failed = true
			}
		}
		if m.recordReplies && !failed && callCtx.Err() == nil && reply.Len() > 0 {
			m.recordReply(ctx, sessionID, reply.String())
		}
	}()

	return out, nil
}

// prepare 追加消息并返回快照，拒绝空会话与超出预算的上下文。
func (m *ContextManager) prepare(ctx context.Context, sessionID, model string, newMessages []Message) ([]Message, error) {
	if sessionID == "" {
		return nil, &CompletionError{Kind: KindInvalidInput, Model: model, Err: ErrEmptySession}
	}

	history, err := m.ExtendAndGet(ctx, sessionID, newMessages)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, &CompletionError{Kind: KindInvalidInput, Model: model, Err: fmt.Errorf("session %s has no messages", sessionID)}
	}

	if m.maxTokens > 0 {
		if estimated := m.estimate(model, history); estimated > m.maxTokens {
			m.logger.Warn("context exceeds token budget",
				"session_id", sessionID, "estimated_tokens", estimated, "max_tokens", m.maxTokens)
			return nil, &CompletionError{
				Kind:  KindContextTooLong,
				Model: model,
				Err:   fmt.Errorf("estimated %d tokens exceeds limit of %d; clear session %s to continue", estimated, m.maxTokens, sessionID),
			}
		}
	}
	return history, nil
}

func (m *ContextManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

// classify 将补全错误转换为 *CompletionError；仅由本次调用的超时触发时归类为 timeout。
func (m *ContextManager) classify(parent, callCtx context.Context, model string, err error) *CompletionError {
	cerr := classifyProviderError(model, err)
	if callCtx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		cerr = &CompletionError{Kind: KindTimeout, Model: cerr.Model, Err: cerr.Err}
	}
	return cerr
}

func (m *ContextManager) recordReply(ctx context.Context, sessionID, response string) {
	reply := []Message{NewMessage(RoleAssistant, response)}
	if _, err := m.store.Extend(ctx, sessionID, reply); err != nil {
		m.logger.Warn("failed to record assistant reply", "session_id", sessionID, "error", err)
	}
}

// Clear 删除会话上下文。
func (m *ContextManager) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	return m.store.Clear(ctx, sessionID)
}

func (m *ContextManager) estimate(model string, messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += m.countTokens(model, msg.Content)
	}
	return total
}
