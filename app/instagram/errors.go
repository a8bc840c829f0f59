package instagram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// 远程接口的错误分类，调用方用 errors.Is 判断处理策略
var (
	// ErrAuthExpired 会话失效或被要求验证，需要刷新会话
	ErrAuthExpired = errors.New("instagram: 会话已失效")
	// ErrRateLimited 触发限流，需要额外冷却
	ErrRateLimited = errors.New("instagram: 请求被限流")
	// ErrTransient 网络超时、连接重置等可重试错误
	ErrTransient = errors.New("instagram: 临时网络错误")
	// ErrPermanent 账号不存在、私密账号等不可重试错误
	ErrPermanent = errors.New("instagram: 永久性错误")
)

// classifyStatus 把 HTTP 状态码映射到错误分类
func classifyStatus(code int, body string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: 状态码 %d", ErrAuthExpired, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: 状态码 %d", ErrRateLimited, code)
	case code >= 500:
		return fmt.Errorf("%w: 状态码 %d", ErrTransient, code)
	case code == http.StatusNotFound || code == http.StatusBadRequest:
		return fmt.Errorf("%w: 状态码 %d, 响应: %.200s", ErrPermanent, code, body)
	default:
		return fmt.Errorf("%w: 意外状态码 %d", ErrTransient, code)
	}
}

// classifyTransport 把传输层错误映射到错误分类
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
