// Package errors 提供统一错误辅助与任务错误码，不依赖 internal
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
	ErrDuplicate  = errors.New("duplicate")
)

// Code 任务终态错误码（闭集，写入 Job.error_code 并随 callback 上报）
type Code string

const (
	CodeCaptchaBlocked      Code = "captcha_blocked"
	CodeTimeout             Code = "timeout"
	CodeNetworkError        Code = "network_error"
	CodeBrowserCrashed      Code = "browser_crashed"
	CodeElementNotFound     Code = "element_not_found"
	CodeBudgetExceeded      Code = "budget_exceeded"
	CodeActionLimitExceeded Code = "action_limit_exceeded"
	CodeValidationError     Code = "validation_error"
	CodeHumanTimeout        Code = "human_timeout"
	CodeInternalError       Code = "internal_error"
)

// TaskError 携带错误码的任务错误；Retryable 为 true 时 Executor 按 backoff 重新入队
type TaskError struct {
	Code      Code
	Message   string
	Retryable bool
	Cause     error
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// NewTaskError 创建终态任务错误
func NewTaskError(code Code, msg string) *TaskError {
	return &TaskError{Code: code, Message: msg}
}

// Retryable 创建可重试任务错误（网络类瞬态）
func Retryable(code Code, msg string, cause error) *TaskError {
	return &TaskError{Code: code, Message: msg, Retryable: true, Cause: cause}
}

// Classify 将任意 error 归入错误码闭集：TaskError 取自身，context 超时归 timeout，
// 网络错误归 network_error 且可重试，其余为 internal_error
func Classify(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TaskError{Code: CodeTimeout, Message: "deadline exceeded", Cause: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &TaskError{Code: CodeNetworkError, Message: "network error", Retryable: true, Cause: err}
	}
	return &TaskError{Code: CodeInternalError, Message: err.Error(), Cause: err}
}

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
