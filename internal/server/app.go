package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"liquidity-core/pkg/logger"
)

type Config struct {
	HttpPort        string
	ShutdownTimeout time.Duration
}

// App HTTP 服务加若干后台任务 (outbox relay、跨节点事件监听、定时清理)
type App struct {
	httpServer *http.Server
	timeout    time.Duration
	workers    []func(ctx context.Context)
	stoppers   []func()
}

func New(cfg Config, httpHandler *gin.Engine) *App {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &App{
		httpServer: &http.Server{
			Addr:              ":" + cfg.HttpPort,
			Handler:           httpHandler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		timeout: timeout,
	}
}

// Go 注册一个随 App 生命周期运行的后台任务，ctx 在关闭时取消
func (a *App) Go(worker func(ctx context.Context)) {
	a.workers = append(a.workers, worker)
}

// OnStop 注册关闭回调，按注册的逆序执行
func (a *App) OnStop(fn func()) {
	a.stoppers = append(a.stoppers, fn)
}

// Run 启动服务并阻塞，直到收到关闭信号
func (a *App) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.run(ctx)
}

func (a *App) run(ctx context.Context) {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	done := make(chan struct{}, len(a.workers))
	for _, w := range a.workers {
		go func(w func(ctx context.Context)) {
			defer func() { done <- struct{}{} }()
			w(workerCtx)
		}(w)
	}

	// 1. Start HTTP
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP Server", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 2. Signal Handling (Blocking)
	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serveErr:
		logger.Error("HTTP Server failure", zap.Error(err))
	}

	// 3. Graceful Shutdown: 先停止接收请求，再停后台任务
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	cancelWorkers()
wait:
	for range a.workers {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("background workers did not stop in time")
			break wait
		}
	}
	for i := len(a.stoppers) - 1; i >= 0; i-- {
		a.stoppers[i]()
	}
	logger.Info("Server exited properly")
}
