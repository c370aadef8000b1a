package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/IMBotPlatform/OpenAIService/ai"
	"github.com/IMBotPlatform/OpenAIService/storage"
)

// chatRequest 对应 /chat/* 的请求体。
type chatRequest struct {
	Model       string       `json:"model"`
	Messages    []ai.Message `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
}

func (r chatRequest) options() []ai.ChatOption {
	var opts []ai.ChatOption
	if r.Temperature != nil {
		opts = append(opts, ai.WithTemperature(*r.Temperature))
	}
	if r.MaxTokens > 0 {
		opts = append(opts, ai.WithMaxTokens(r.MaxTokens))
	}
	return opts
}

// streamEvent 是 SSE data 行携带的 JSON。
type streamEvent struct {
	Content string `json:"content"`
}

// handleChatCompletion 无状态补全：请求中的消息即完整上下文。
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	completion, err := s.chat.Submit(r.Context(), req.Model, req.Messages, req.options()...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.record(r.Context(), "", req.Messages, completion)
	writeJSON(w, http.StatusOK, completion)
}

// handleChatWithContext 将消息追加到 session_id 对应的会话，并以完整历史请求补全。
func (s *Server) handleChatWithContext(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "session_id is required")
		return
	}

	completion, err := s.contexts.Complete(r.Context(), req.SessionID, req.Model, req.Messages, req.options()...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.record(r.Context(), req.SessionID, req.Messages, completion)
	writeJSON(w, http.StatusOK, completion)
}

// handleChatStream 以 Server-Sent Events 流式返回补全片段。
// 携带 session_id 时先追加到会话，再以完整历史发起请求。
//
//	data: {"content":"..."}   (重复)
//	event: error              (失败时)
//	data: [DONE]
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.SessionID != "" && strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "session_id must not be blank")
		return
	}

	start := time.Now()
	var (
		chunks <-chan ai.Chunk
		err    error
	)
	if req.SessionID != "" {
		chunks, err = s.contexts.Stream(r.Context(), s.chat, req.SessionID, req.Model, req.Messages, req.options()...)
	} else {
		chunks, err = s.chat.Stream(r.Context(), req.Model, req.Messages, req.options()...)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	var reply strings.Builder
	var streamErr error
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			writeSSEError(w, chunk.Err)
			break
		}
		reply.WriteString(chunk.Content)
		data, _ := json.Marshal(streamEvent{Content: chunk.Content})
		fmt.Fprintf(w, "data: %s\n\n", data)
		_ = rc.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	_ = rc.Flush()

	if streamErr == nil && reply.Len() > 0 {
		model := req.Model
		if model == "" {
			model = s.cfg.AI.DefaultModel
		}
		s.record(r.Context(), req.SessionID, req.Messages, &ai.Completion{
			Model:    model,
			Created:  start.Unix(),
			Response: reply.String(),
			Latency:  time.Since(start),
		})
	}
}

func writeSSEError(w http.ResponseWriter, err error) {
	kind := string(ai.KindOf(err))
	if kind == "" {
		kind = kindInternal
	}
	data, _ := json.Marshal(errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
}

// handleClearSession 删除会话上下文。
func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.contexts.Clear(r.Context(), id); err != nil {
		if errors.Is(err, ai.ErrEmptySession) {
			writeError(w, http.StatusBadRequest, kindInvalidInput, err.Error())
			return
		}
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// record 将一次成功的对话写入历史；写入失败只记录日志，不影响响应。
func (s *Server) record(ctx context.Context, sessionID string, messages []ai.Message, c *ai.Completion) {
	if s.history == nil || c == nil {
		return
	}
	request, err := json.Marshal(messages)
	if err != nil {
		s.logger.Error("failed to encode chat request for history", "error", err)
		return
	}
	rec := &storage.Record{
		ID:             c.ID,
		Model:          c.Model,
		Request:        string(request),
		Response:       c.Response,
		TokensUsed:     c.TokensUsed,
		ResponseTimeMS: c.Latency.Milliseconds(),
		SessionID:      sessionID,
	}
	if c.Created > 0 {
		rec.CreatedAt = time.Unix(c.Created, 0)
	}
	if err := s.history.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to save chat history", "model", c.Model, "session_id", sessionID, "error", err)
	}
}
