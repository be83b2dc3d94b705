package common

import (
	"errors"
	"net/http"

	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/xerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr 按 xerr 错误码回包，5xx 记日志
// 对外只给固定文案，不透出内部错误
func FailErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	httpStatus := httpStatusOf(code)

	msg := xerr.MapErrMsg(code)
	var ce *xerr.CodeError
	if httpStatus < http.StatusInternalServerError && errors.As(err, &ce) && ce.Msg != "" {
		msg = ce.Msg
	}

	if httpStatus >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "http error",
			zap.String("request_id", RequestIDFromGin(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", code),
			zap.Error(err),
		)
	}
	Fail(c, httpStatus, code, msg)
}

func httpStatusOf(code int) int {
	switch code {
	case xerr.RequestParamsError, xerr.Malformed:
		return http.StatusBadRequest
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.Business:
		return http.StatusConflict
	case xerr.Transient, xerr.DbError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
