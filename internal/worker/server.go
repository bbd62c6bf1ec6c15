package worker

import (
	"github.com/hibiken/asynq"

	"liquidity-core/pkg/config"
	"liquidity-core/pkg/logger"
)

// Server 封装 Asynq Server (Worker)
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer 初始化 Worker Server 并注册任务处理器
func NewServer(cfg config.RedisConfig, concurrency int, h *Handlers) *Server {
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 6, // 预留到期直接影响可用资金
			QueueDefault:  3,
		},
		Logger: logger.NewAsynqLogger(),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReservationExpire, h.HandleReservationExpire)

	return &Server{server: srv, mux: mux}
}

// Start 非阻塞启动
func (s *Server) Start() error {
	logger.Info("worker server starting")
	return s.server.Start(s.mux)
}

// Stop 停止拉取新任务，等待进行中的任务结束
func (s *Server) Stop() {
	s.server.Stop()
	s.server.Shutdown()
}
