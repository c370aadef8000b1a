package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/IMBotPlatform/OpenAIService/ai"
	"github.com/IMBotPlatform/OpenAIService/storage"
)

// maxJSONBody 限制 JSON 请求体大小。
const maxJSONBody = 1 << 20

// 非补全类错误的 kind。
const (
	kindForbidden       = "forbidden"
	kindNotFound        = "not_found"
	kindRateLimited     = "rate_limited"
	kindUnavailable     = "unavailable"
	kindNotImplemented  = "not_implemented"
	kindInternal        = "internal"
	kindInvalidInput    = string(ai.KindInvalidInput)
	kindPayloadTooLarge = "payload_too_large"
)

// errorBody 是所有错误响应的统一结构：{"error": {"kind": ..., "message": ...}}。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeJSON 以 JSON 写回响应体。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 写回统一格式的错误。
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

// writeFailure 将业务错误映射为 HTTP 状态码与 kind。
//
//	*ai.CompletionError -> 按 Kind 映射 (400/502/504)
//	ErrMediaNotConfigured -> 503
//	storage.ErrNotFound -> 404
//	storage.ErrInvalidPage -> 400
//	其他 -> 500
func writeFailure(w http.ResponseWriter, err error) {
	var ce *ai.CompletionError
	switch {
	case errors.As(err, &ce):
		writeError(w, completionStatus(ce.Kind), string(ce.Kind), err.Error())
	case errors.Is(err, ai.ErrMediaNotConfigured):
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidPage):
		writeError(w, http.StatusBadRequest, kindInvalidInput, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
	}
}

func completionStatus(kind ai.ErrorKind) int {
	switch kind {
	case ai.KindInvalidInput, ai.KindContextTooLong:
		return http.StatusBadRequest
	case ai.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// decodeJSON 解析请求体；失败时已写回 400/413，调用方直接返回。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, kindPayloadTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, kindInvalidInput, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, kindInvalidInput, fmt.Sprintf("invalid request body: %v", err))
		}
		return false
	}
	return true
}
