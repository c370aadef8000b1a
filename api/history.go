package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/IMBotPlatform/OpenAIService/storage"
)

const defaultPageSize = 10

// handleHistoryList 按 model/start_date/end_date/session_id 过滤并分页返回历史。
// 总数通过 X-Total-Count 头返回。
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, "history storage is not configured")
		return
	}

	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, err.Error())
		return
	}
	pageSize, err := intParam(q.Get("page_size"), defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, err.Error())
		return
	}

	filter := storage.HistoryFilter{
		Model:     q.Get("model"),
		SessionID: q.Get("session_id"),
	}
	if filter.Start, err = timeParam(q.Get("start_date")); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "start_date: "+err.Error())
		return
	}
	if filter.End, err = timeParam(q.Get("end_date")); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "end_date: "+err.Error())
		return
	}

	records, total, err := s.history.Query(r.Context(), filter, page, pageSize)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, "history storage is not configured")
		return
	}
	rec, err := s.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, "history storage is not configured")
		return
	}
	if err := s.history.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, "history storage is not configured")
		return
	}
	stats, err := s.history.Statistics(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleStats 是受单独限流保护的探测接口，回显脱敏后的 API key。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Statistics endpoint",
		"api_key": maskKey(apiKeyFrom(r.Context())),
	})
}

// maskKey 只保留首尾各 4 个字符。
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

// timeParam 接受 RFC 3339 时间或 YYYY-MM-DD 日期。
func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	return t, nil
}
