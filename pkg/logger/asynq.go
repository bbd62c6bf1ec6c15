package logger

import "fmt"

// AsynqLogger 把 asynq 的内部日志转到全局 zap logger，满足 asynq.Logger 接口
type AsynqLogger struct{}

func NewAsynqLogger() AsynqLogger { return AsynqLogger{} }

func (AsynqLogger) Debug(args ...interface{}) { Log.Debug(fmt.Sprint(args...)) }
func (AsynqLogger) Info(args ...interface{})  { Log.Info(fmt.Sprint(args...)) }
func (AsynqLogger) Warn(args ...interface{})  { Log.Warn(fmt.Sprint(args...)) }
func (AsynqLogger) Error(args ...interface{}) { Log.Error(fmt.Sprint(args...)) }

// Fatal asynq 只在无法继续运行时调用
func (AsynqLogger) Fatal(args ...interface{}) { Log.Fatal(fmt.Sprint(args...)) }
