package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptySession is returned when a session identifier is empty.
	ErrEmptySession = errors.New("session id is required")
	// ErrModelNotFound is returned when no configured model can serve a request.
	ErrModelNotFound = errors.New("model not found in configuration")
	// ErrMediaNotConfigured is returned when media endpoints have no credentials.
	ErrMediaNotConfigured = errors.New("media client not configured")
)

// ErrorKind classifies a failed completion.
type ErrorKind string

const (
	KindInvalidInput   ErrorKind = "invalid_input"
	KindProvider       ErrorKind = "provider"
	KindEmptyResponse  ErrorKind = "empty_response"
	KindContextTooLong ErrorKind = "context_too_long"
	KindTimeout        ErrorKind = "timeout"
)

// CompletionError is the failure variant of a completion. Callers branch on
// Kind; the message is never a substitute for model output.
type CompletionError struct {
	Kind  ErrorKind
	Model string
	Err   error
}

func (e *CompletionError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("completion %s (model %s): %v", e.Kind, e.Model, e.Err)
	}
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// KindOf reports the ErrorKind carried by err, or "" when err is not a
// completion failure.
func KindOf(err error) ErrorKind {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// classifyProviderError 将 provider 返回的错误归类。
// 超时/取消优先判断，其次识别上下文超长的常见错误文案。
func classifyProviderError(model string, err error) *CompletionError {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce
	}

	kind := KindProvider
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case isContextLengthError(err):
		kind = KindContextTooLong
	}
	return &CompletionError{Kind: kind, Model: model, Err: err}
}

func isContextLengthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "maximum context length") ||
		strings.Contains(msg, "prompt is too long")
}
