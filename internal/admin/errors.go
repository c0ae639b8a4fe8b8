package admin

import "strings"

// ErrorKind buckets admin failures for the HTTP error envelope.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindInvalidCredential ErrorKind = "invalid_request"
	KindUpstreamError     ErrorKind = "api_error"
	KindInternalError     ErrorKind = "internal_error"
)

// Error is an admin failure classified for the API layer.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// invalidFragments mark caller mistakes: bad input, bad state
// transitions, duplicates.
var invalidFragments = []string{
	"缺少 refreshToken",
	"已被截断",
	"已存在",
	"只能删除已禁用的凭据",
	"无效的负载均衡模式",
	"IdC 刷新需要",
}

// addRejectFragments are upstream auth rejections that, at add time,
// mean the submitted credential itself is bad.
var addRejectFragments = []string{
	"已过期或无效",
	"权限不足",
	"已被限流",
}

// upstreamFragments mark failures on the Kiro/AWS side, including the
// stable prefixes the refresh and usage clients emit.
var upstreamFragments = []string{
	"已过期或无效",
	"权限不足",
	"已被限流",
	"服务器错误",
	"暂时不可用",
	"Token 刷新失败",
	"认证失败",
	"刷新后的 Token",
	"没有可用的 accessToken",
	"所有凭据均",
}

// networkFragments catch transport errors surfaced by net/http.
var networkFragments = []string{
	"error trying to connect",
	"connection",
	"timeout",
	"timed out",
	"refresh request failed",
	"usage request failed",
}

// Classify buckets an error by its message. The refresh and usage
// clients emit stable message fragments exactly so this stays a string
// match rather than a type switch across packages.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if adminErr, ok := err.(*Error); ok {
		return adminErr
	}

	msg := err.Error()

	if strings.Contains(msg, "不存在") {
		return &Error{Kind: KindNotFound, Message: msg}
	}
	for _, f := range invalidFragments {
		if strings.Contains(msg, f) {
			return &Error{Kind: KindInvalidCredential, Message: msg}
		}
	}
	for _, f := range upstreamFragments {
		if strings.Contains(msg, f) {
			return &Error{Kind: KindUpstreamError, Message: msg}
		}
	}
	lower := strings.ToLower(msg)
	for _, f := range networkFragments {
		if strings.Contains(lower, f) {
			return &Error{Kind: KindUpstreamError, Message: msg}
		}
	}

	return &Error{Kind: KindInternalError, Message: msg}
}

// ClassifyAdd buckets add-credential failures. A 401/403/429 during the
// proving refresh indicates a bad credential, not a broken upstream, so
// those fragments land in InvalidCredential here even though the same
// fragments classify as UpstreamError on a balance fetch.
func ClassifyAdd(err error) *Error {
	if err == nil {
		return nil
	}
	if adminErr, ok := err.(*Error); ok {
		return adminErr
	}

	msg := err.Error()
	for _, f := range addRejectFragments {
		if strings.Contains(msg, f) {
			return &Error{Kind: KindInvalidCredential, Message: msg}
		}
	}
	return Classify(err)
}
