// Package api 提供 OpenAI 代理服务的 HTTP 接口（前缀 /api/v1）。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"

	"github.com/IMBotPlatform/OpenAIService/ai"
	"github.com/IMBotPlatform/OpenAIService/config"
	"github.com/IMBotPlatform/OpenAIService/storage"
)

// Prefix 是所有业务路由的公共前缀。
const Prefix = "/api/v1"

// ChatService 定义 HTTP 层依赖的补全能力，由 *ai.Service 实现。
type ChatService interface {
	ai.Completer
	Stream(ctx context.Context, model string, messages []ai.Message, opts ...ai.ChatOption) (<-chan ai.Chunk, error)
	DescribeImage(ctx context.Context, imageURL, prompt string) (*ai.Completion, error)
}

// MediaService 定义图片与语音能力，由 *ai.Media 实现。
type MediaService interface {
	GenerateImage(ctx context.Context, req ai.ImageRequest) (*ai.ImageResult, error)
	Speak(ctx context.Context, req ai.SpeechRequest) (*ai.SpeechResult, error)
	Transcribe(ctx context.Context, req ai.TranscriptionRequest) (string, error)
}

// HistoryStore 定义聊天记录的持久化能力，由 *storage.HistoryStore 实现。
type HistoryStore interface {
	Upsert(ctx context.Context, rec *storage.Record) error
	Get(ctx context.Context, id string) (*storage.Record, error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, filter storage.HistoryFilter, page, pageSize int) ([]storage.Record, int, error)
	Statistics(ctx context.Context) (*storage.Statistics, error)
}

// Server 组合路由、中间件与业务依赖，实现 http.Handler。
type Server struct {
	cfg      *config.Config
	chat     ChatService
	contexts *ai.ContextManager
	media    MediaService
	history  HistoryStore
	logger   *slog.Logger

	handler http.Handler
}

// Option 用于定制 Server。
type Option func(*Server)

// WithMedia 注入图片/语音服务；未注入时相关接口返回 503。
func WithMedia(m MediaService) Option {
	return func(s *Server) {
		s.media = m
	}
}

// WithHistory 注入聊天记录存储；未注入时不落库，历史与统计接口返回 503。
func WithHistory(h HistoryStore) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithLogger 注入日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer 根据配置构建 HTTP 服务。
// Parameters:
//   - cfg: 服务配置（认证、限流、压缩等）
//   - chat: 补全服务，不能为空
//   - contexts: 会话上下文管理器，不能为空
//
// Returns:
//   - *Server: 已注册全部路由的服务
//   - error: 依赖缺失或限流器初始化失败
func NewServer(cfg *config.Config, chat ChatService, contexts *ai.ContextManager, opts ...Option) (*Server, error) {
	if cfg == nil || chat == nil || contexts == nil {
		return nil, fmt.Errorf("api: config, chat service and context manager are required")
	}
	s := &Server{
		cfg:      cfg,
		chat:     chat,
		contexts: contexts,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = handler
	return s, nil
}

// ServeHTTP 实现 http.Handler。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routes 注册路由并按以下顺序包装中间件：
//
//	request -> [访问日志] -> [gzip] -> [按 IP 限流] -> mux -> [API key] -> handler
func (s *Server) routes() (http.Handler, error) {
	mux := http.NewServeMux()
	keys := s.cfg.APIKeys()
	auth := func(h http.HandlerFunc) http.Handler {
		return requireAPIKey(s.cfg.Auth.HeaderName, keys, h)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("POST "+Prefix+"/chat/completions", auth(s.handleChatCompletion))
	mux.Handle("POST "+Prefix+"/chat/with-context", auth(s.handleChatWithContext))
	mux.Handle("POST "+Prefix+"/chat/stream", auth(s.handleChatStream))
	mux.Handle("DELETE "+Prefix+"/chat/sessions/{id}", auth(s.handleClearSession))

	mux.Handle("POST "+Prefix+"/images/generate", auth(s.handleImageGenerate))
	mux.Handle("POST "+Prefix+"/images/describe", auth(s.handleImageDescribe))
	mux.Handle("POST "+Prefix+"/images/edit", auth(s.handleImageEdit))

	mux.Handle("POST "+Prefix+"/speech/create", auth(s.handleSpeechCreate))
	mux.Handle("POST "+Prefix+"/speech/transcribe", auth(s.handleSpeechTranscribe))
	mux.Handle("POST "+Prefix+"/listen/transcription", auth(s.handleListenTranscription))

	mux.Handle("GET "+Prefix+"/history", auth(s.handleHistoryList))
	mux.Handle("GET "+Prefix+"/history/{id}", auth(s.handleHistoryGet))
	mux.Handle("DELETE "+Prefix+"/history/{id}", auth(s.handleHistoryDelete))
	mux.Handle("GET "+Prefix+"/statistics", auth(s.handleStatistics))

	// /stats 单独限流（默认每分钟 5 次）。
	if n := s.cfg.RateLimit.StatsPerMinute; n > 0 {
		statsLimiter, err := perMinute(n, s.cfg.RateLimit.MaxClients)
		if err != nil {
			return nil, fmt.Errorf("api: stats limiter: %w", err)
		}
		mux.Handle("GET "+Prefix+"/stats", statsLimiter.middleware(auth(s.handleStats)))
	} else {
		mux.Handle("GET "+Prefix+"/stats", auth(s.handleStats))
	}

	var handler http.Handler = mux
	if rps := s.cfg.RateLimit.RequestsPerSecond; rps > 0 {
		limiter, err := newIPLimiter(rate.Limit(rps), s.cfg.RateLimit.Burst, s.cfg.RateLimit.MaxClients)
		if err != nil {
			return nil, fmt.Errorf("api: rate limiter: %w", err)
		}
		handler = limiter.middleware(handler)
	}
	if s.cfg.Server.Gzip {
		wrap, err := gzhttp.NewWrapper(gzhttp.ExceptContentTypes([]string{
			"text/event-stream",
			"audio/mpeg", "audio/opus", "audio/aac", "audio/flac", "audio/wav", "audio/pcm",
		}))
		if err != nil {
			return nil, fmt.Errorf("api: gzip: %w", err)
		}
		handler = wrap(handler)
	}
	return logRequests(s.logger, handler), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
