package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceIdKey 日志里 trace 字段的名字
const TraceIdKey = "trace_id"

type traceKey struct{}

// 全局 Logger 实例，未 Init 时是 Nop，测试里不用关心初始化顺序
var Log = zap.NewNop()

// Init 初始化日志组件
// serviceName: 当前服务的名称 (例如 "bridge-syncer")
// level: 日志级别 (debug, info, warn, error)
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile 初始化日志组件，logFile 为空时只输出到控制台
func InitWithFile(serviceName string, level string, logFile string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout), // 容器化标准输出
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(file))
			}
		}
		// 文件打不开就只写控制台，不中断启动
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)

	// AddCallerSkip(1): 跳过本包的封装函数，行号指向调用方
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// WithTraceID 把 traceID 放进 context，之后带这个 ctx 打的日志都会带上 trace_id
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID 取出 context 里的 traceID
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceKey{}).(string); ok {
		return id
	}
	return ""
}

// Info 打印 Info 级别日志
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withTrace(ctx, fields)...)
}

// Error 打印 Error 级别日志
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withTrace(ctx, fields)...)
}

// Warn 打印 Warn 级别日志
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withTrace(ctx, fields)...)
}

// Debug 打印 Debug 级别日志
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withTrace(ctx, fields)...)
}

// Fatal 打印 Fatal 级别日志 (会调用 os.Exit(1))
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withTrace(ctx, fields)...)
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	if id := TraceID(ctx); id != "" {
		fields = append(fields, zap.String(TraceIdKey, id))
	}
	return fields
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
