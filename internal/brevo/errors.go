package brevo

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingAPIKey 未配置 API key，属于永久错误
var ErrMissingAPIKey = errors.New("未配置 Brevo API key")

// TransientError 可重试的失败：429、5xx、网络错误、超时、熔断打开
type TransientError struct {
	StatusCode int
	Message    string
	// RetryAfter 来自响应头，仅供参考，重试时间由分发器的策略决定
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("brevo transient error %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("brevo transient error: %s: %v", e.Message, e.Err)
	}
	return "brevo transient error: " + e.Message
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError 不可重试的失败：请求本身有问题
type PermanentError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("brevo permanent error %d: %s", e.StatusCode, e.Message)
	}
	return "brevo permanent error: " + e.Message
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent 判断错误是否不可重试。未分类的错误一律视为可重试。
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient 判断错误是否可重试
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// classifyStatus 按状态码构造错误
func classifyStatus(statusCode int, body string, retryAfter time.Duration) error {
	switch {
	case statusCode == 429 || statusCode >= 500:
		return &TransientError{StatusCode: statusCode, Message: body, RetryAfter: retryAfter}
	default:
		return &PermanentError{StatusCode: statusCode, Message: body}
	}
}
