package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log *zap.Logger
)

func init() {
	// 默认 Nop Logger，库代码和单元测试不需要先 Init
	Log = zap.NewNop()
}

// Init 按运行环境初始化全局 logger
// production 输出 JSON，其余输出彩色 console；level 为空时 production 取 info、其余取 debug
func Init(env, level string) error {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	// 跳过一层封装，caller 显示调用 logger.Info 的位置
	l, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	Replace(l)
	return nil
}

// Replace 替换全局 logger，测试里用 zaptest/observer 捕获日志
func Replace(l *zap.Logger) {
	Log = l
	zap.ReplaceGlobals(l)
}

// Sync flushes any buffered log entries
func Sync() {
	_ = Log.Sync()
}

func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Warn 用于可以被吸收的故障 (缓存不可用、慢查询等)，不影响业务结果
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}
