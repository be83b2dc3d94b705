package xerr

import (
	"errors"
	"fmt"
)

// 错误码定义
//
// Transient: RPC 超时、数据库不可用，下一个 tick 重试
// Malformed: 链上数据格式不对，重试也没用，记审计后跳过
// Business:  业务规则失败 (余额不足)，终态不重试
// Config:    启动配置错误，进程直接退出
const (
	OK                 = 200
	RequestParamsError = 400
	RecordNotFound     = 404
	ServerCommonError  = 500
	DbError            = 501
	Transient          = 503
	Malformed          = 422
	Business           = 409
	Config             = 600
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

// Wrap 保留底层错误，errors.Is / errors.As 可以穿透
func Wrap(code int, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, cause: cause}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// CodeOf 取错误链上第一个 CodeError 的错误码，没有就是 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

func IsTransient(err error) bool {
	code := CodeOf(err)
	return code == Transient || code == DbError
}

func IsMalformed(err error) bool { return CodeOf(err) == Malformed }

func IsBusiness(err error) bool { return CodeOf(err) == Business }

func IsConfig(err error) bool { return CodeOf(err) == Config }

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case RequestParamsError:
		return "invalid request parameters"
	case DbError:
		return "ledger store unavailable"
	case RecordNotFound:
		return "record not found"
	case Transient:
		return "temporarily unavailable, retry later"
	case Malformed:
		return "malformed input"
	case Business:
		return "business rule rejected"
	case Config:
		return "invalid configuration"
	default:
		return "unknown error"
	}
}
