package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"bridgex.com/pkg/logger"
	"go.uber.org/zap"
)

// GoCtx 安全启动携带 context 的协程，panic 会被记录而不会拖垮进程
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
			}
		}()

		fn(ctx)
	}()
}

// Call 同步执行 fn，把 panic 转成 error 返回
// 用在长循环的每一轮里，一轮出问题不影响下一轮
func Call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "🚨 PANIC RECOVERED",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
