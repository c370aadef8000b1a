package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// defaultVisionPrompt 是图片描述的默认提示词。
const defaultVisionPrompt = "What's in this image?"

// Completion 是一次成功的补全结果。
type Completion struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Created    int64         `json:"created"`
	Response   string        `json:"response"`
	TokensUsed int           `json:"tokens_used"`
	Latency    time.Duration `json:"-"`
}

// Completer 是补全协作方：给定模型与有序消息，返回生成文本或失败。
type Completer interface {
	Submit(ctx context.Context, model string, messages []Message, opts ...ChatOption) (*Completion, error)
}

// ChatOptions 定义调用 Submit/Stream 时的配置。
type ChatOptions struct {
	Temperature *float64
	MaxTokens   int
}

// ChatOption 是配置 ChatOptions 的函数。
type ChatOption func(*ChatOptions)

// WithTemperature 指定采样温度。
func WithTemperature(t float64) ChatOption {
	return func(o *ChatOptions) {
		o.Temperature = &t
	}
}

// WithMaxTokens 指定最大输出 token 数。
func WithMaxTokens(n int) ChatOption {
	return func(o *ChatOptions) {
		o.MaxTokens = n
	}
}

// Service 是 AI 逻辑的主要入口点。
// 它负责管理模型实例并与 LLM 交互，实现 Completer。
type Service struct {
	config *Config
	logger *slog.Logger

	mu         sync.Mutex
	modelCache map[string]llms.Model

	countTokens func(model, text string) int
	now         func() time.Time
}

// ServiceOption 用于定制 Service。
type ServiceOption func(*Service)

// WithLogger 注入日志记录器。
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// WithModelClient 预置指定名称的模型实例，跳过 provider 初始化。
func WithModelClient(name string, llm llms.Model) ServiceOption {
	return func(s *Service) {
		s.modelCache[name] = llm
	}
}

// WithTokenCounter 替换 token 计数函数（默认 llms.CountTokens）。
func WithTokenCounter(fn func(model, text string) int) ServiceOption {
	return func(s *Service) {
		s.countTokens = fn
	}
}

// NewService 创建一个新的 AI 服务实例。
func NewService(config *Config, opts ...ServiceOption) *Service {
	s := &Service{
		config:      config,
		logger:      slog.New(slog.DiscardHandler),
		modelCache:  make(map[string]llms.Model),
		countTokens: llms.CountTokens,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getModel 获取模型实例。
// 如果缓存中存在则直接返回，否则初始化一个新的模型实例并缓存。
//
// 逻辑流程:
// Check Cache -> (Hit) -> Return
//
//	  |
//	(Miss)
//	  v
//
// Load Config -> Init Provider (OpenAI/Google/Anthropic) -> Update Cache -> Return
func (s *Service) getModel(ctx context.Context, cfg *ModelConfig) (llms.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if model, ok := s.modelCache[cfg.Name]; ok {
		return model, nil
	}

	var llm llms.Model
	var err error

	apiKey := ResolveSecret(cfg.APIKey)

	switch cfg.Provider {
	case "openai", "":
		opts := []openai.Option{
			openai.WithToken(apiKey),
			openai.WithModel(cfg.ModelName),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	case "google":
		llm, err = googleai.New(ctx,
			googleai.WithAPIKey(apiKey),
			googleai.WithDefaultModel(cfg.ModelName),
		)
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(apiKey),
			anthropic.WithModel(cfg.ModelName),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		llm, err = anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	s.modelCache[cfg.Name] = llm
	return llm, nil
}

// resolvedModel 描述一次调用实际使用的模型。
type resolvedModel struct {
	llm      llms.Model
	config   *ModelConfig
	name     string // 对外展示的模型名
	override string // 非空时通过 llms.WithModel 覆盖 provider 默认模型
}

// resolve 按名称查找模型；未配置的名称转发给默认模型的 provider，
// 并以 llms.WithModel 覆盖模型 ID（代理语义）。
func (s *Service) resolve(ctx context.Context, name string) (*resolvedModel, error) {
	if name == "" {
		name = s.config.DefaultModel
	}

	cfg, ok := s.config.Model(name)
	override := ""
	if !ok {
		cfg, ok = s.config.Model(s.config.DefaultModel)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
		}
		override = name
	}

	llm, err := s.getModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &resolvedModel{llm: llm, config: cfg, name: name, override: override}, nil
}

// callOptions 合并模型配置与单次调用选项。
func (m *resolvedModel) callOptions(options ChatOptions) []llms.CallOption {
	var opts []llms.CallOption
	if m.override != "" {
		opts = append(opts, llms.WithModel(m.override))
	}
	switch {
	case options.Temperature != nil:
		opts = append(opts, llms.WithTemperature(*options.Temperature))
	case m.config.Temperature != 0:
		opts = append(opts, llms.WithTemperature(m.config.Temperature))
	}
	switch {
	case options.MaxTokens > 0:
		opts = append(opts, llms.WithMaxTokens(options.MaxTokens))
	case m.config.MaxTokens > 0:
		opts = append(opts, llms.WithMaxTokens(m.config.MaxTokens))
	}
	return opts
}

func buildChatOptions(opts []ChatOption) ChatOptions {
	var options ChatOptions
	for _, o := range opts {
		o(&options)
	}
	return options
}

// Submit 将完整消息序列提交给模型，返回补全结果或 *CompletionError。
func (s *Service) Submit(ctx context.Context, model string, messages []Message, opts ...ChatOption) (*Completion, error) {
	if len(messages) == 0 {
		return nil, &CompletionError{Kind: KindInvalidInput, Model: model, Err: errors.New("messages are required")}
	}
	return s.generate(ctx, model, toMessageContent(messages), buildChatOptions(opts))
}

// DescribeImage 使用视觉模型描述图片内容。
func (s *Service) DescribeImage(ctx context.Context, imageURL, prompt string) (*Completion, error) {
	if imageURL == "" {
		return nil, &CompletionError{Kind: KindInvalidInput, Err: errors.New("image url is required")}
	}
	if prompt == "" {
		prompt = defaultVisionPrompt
	}
	content := []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.TextPart(prompt),
			llms.ImageURLPart(imageURL),
		},
	}}
	return s.generate(ctx, s.config.Media.VisionModel, content, ChatOptions{})
}

func (s *Service) generate(ctx context.Context, model string, content []llms.MessageContent, options ChatOptions) (*Completion, error) {
	resolved, err := s.resolve(ctx, model)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return nil, &CompletionError{Kind: KindInvalidInput, Model: model, Err: err}
		}
		return nil, &CompletionError{Kind: KindProvider, Model: model, Err: err}
	}

	start := s.now()
	resp, err := resolved.llm.GenerateContent(ctx, content, resolved.callOptions(options)...)
	latency := s.now().Sub(start)
	if err != nil {
		s.logger.Error("completion failed", "model", resolved.name, "error", err)
		return nil, classifyProviderError(resolved.name, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		s.logger.Error("empty response from provider", "model", resolved.name)
		return nil, &CompletionError{Kind: KindEmptyResponse, Model: resolved.name, Err: errors.New("no response received")}
	}

	choice := resp.Choices[0]
	tokens := tokenUsage(choice.GenerationInfo)
	if tokens == 0 {
		tokens = s.estimateContent(resolved.name, content) + s.countTokens(resolved.name, choice.Content)
	}

	return &Completion{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Model:      resolved.name,
		Created:    start.Unix(),
		Response:   choice.Content,
		TokensUsed: tokens,
		Latency:    latency,
	}, nil
}

// Chunk 是流式输出的片段；Err 非空表示流以失败结束。
type Chunk struct {
	Content string
	Err     error
}

// Stream 处理消息序列，与 LLM 交互，并返回流式响应。
//
//	Messages
//	   |
//	   v
//	+-------------------------+
//	| LLM Provider (OpenAI/..) |
//	| StreamingFunc           |
//	+-----------+-------------+
//	            |
//	            +----> [Output Channel] -> Chunk{Content} ... -> Chunk{Err}? -> close
func (s *Service) Stream(ctx context.Context, model string, messages []Message, opts ...ChatOption) (<-chan Chunk, error) {
	if len(messages) == 0 {
		return nil, &CompletionError{Kind: KindInvalidInput, Model: model, Err: errors.New("messages are required")}
	}
	resolved, err := s.resolve(ctx, model)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return nil, &CompletionError{Kind: KindInvalidInput, Model: model, Err: err}
		}
		return nil, &CompletionError{Kind: KindProvider, Model: model, Err: err}
	}

	callOpts := resolved.callOptions(buildChatOptions(opts))
	content := toMessageContent(messages)
	stream := make(chan Chunk)

	// 异步调用 LLM，流式写回 token
	go func() {
		defer close(stream)

		callOpts = append(callOpts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			select {
			case stream <- Chunk{Content: string(chunk)}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))

		if _, err := resolved.llm.GenerateContent(ctx, content, callOpts...); err != nil {
			s.logger.Error("streaming failed", "model", resolved.name, "error", err)
			select {
			case stream <- Chunk{Err: classifyProviderError(resolved.name, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return stream, nil
}

// EstimateTokens 估算消息序列的 token 数。
func (s *Service) EstimateTokens(model string, messages []Message) int {
	if model == "" {
		model = s.config.DefaultModel
	}
	total := 0
	for _, msg := range messages {
		total += s.countTokens(model, msg.Content)
	}
	return total
}

func (s *Service) estimateContent(model string, content []llms.MessageContent) int {
	total := 0
	for _, mc := range content {
		for _, part := range mc.Parts {
			if text, ok := part.(llms.TextContent); ok {
				total += s.countTokens(model, text.Text)
			}
		}
	}
	return total
}

// tokenUsage 从 GenerationInfo 中提取 token 用量。
// OpenAI 使用 TotalTokens/PromptTokens/CompletionTokens，Anthropic 使用 InputTokens/OutputTokens。
func tokenUsage(info map[string]any) int {
	if info == nil {
		return 0
	}
	if total := toInt(info["TotalTokens"]); total > 0 {
		return total
	}
	if sum := toInt(info["PromptTokens"]) + toInt(info["CompletionTokens"]); sum > 0 {
		return sum
	}
	return toInt(info["InputTokens"]) + toInt(info["OutputTokens"])
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
