package main

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"liquidity-core/internal/event"
	"liquidity-core/internal/server"
	"liquidity-core/internal/service"
	"liquidity-core/internal/service/balance"
	"liquidity-core/internal/service/mq"
	"liquidity-core/internal/store"
	"liquidity-core/internal/worker"
	"liquidity-core/pkg/cache"
	"liquidity-core/pkg/config"
	"liquidity-core/pkg/database"
	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/safe_random"
	"liquidity-core/pkg/utils/lock"
)

func main() {
	// 0. 初始化 Config
	config.Init()
	cfg := config.Global

	// 1. 初始化 Logger
	if err := logger.Init(cfg.App.Env, cfg.App.LogLevel); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	nodeID := cfg.App.NodeID
	if nodeID == "" {
		id, err := safe_random.NodeID()
		if err != nil {
			logger.Fatal("generate node id failed", zap.Error(err))
		}
		nodeID = id
	}

	// 2. 连接数据库
	db, err := database.Open(cfg)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	st := store.NewGormStore(db)
	opts := balance.OptionsFromConfig(cfg.Pool)

	// 3. 组装余额管理器: 有 Redis 用分布式锁 + 两级缓存，否则退化为纯存储模式
	var (
		mgr      *balance.Manager
		rdb      *redis.Client
		bridge   *event.RedisBridge
		locker   lock.DistributedLock
		producer mq.Producer
	)
	local := event.NewBroadcaster()
	if cfg.Redis.Enabled {
		rdb, err = database.ConnectRedis(cfg.Redis)
		if err != nil {
			logger.Fatal("Redis 连接失败", zap.Error(err))
		}
		// L1: Memory，TTL 比 Redis 短，跨节点靠 RedisBridge 淘汰
		l1 := cache.NewMemoryCache(opts.BalanceTTL/2, time.Minute)
		bridge = event.NewRedisBridge(local, rdb, cfg.Pool.EventChannel, nodeID)
		mgr = balance.NewRedisBacked(st, rdb, l1, bridge, opts)
		bridge.OnRemote = mgr.EvictLocal
		locker = lock.NewRedisLock(rdb)
	} else {
		logger.Warn("Redis disabled, running in store-only mode (single instance)")
		mgr = balance.NewStoreOnly(st, local, opts)
		locker = lock.NewLocalLock()
	}

	// 4. 初始化消息队列
	switch {
	case cfg.Redis.MQType == "kafka":
		logger.Info("使用 Kafka 作为消息队列...", zap.Strings("brokers", cfg.Kafka.Brokers))
		producer = mq.NewKafkaProducer(cfg.Kafka.Brokers)
	case rdb != nil:
		logger.Info("使用 Redis Streams 作为消息队列...")
		producer = mq.NewRedisProducer(rdb, 100000)
	default:
		logger.Warn("no message queue configured, outbox messages stay pending")
	}

	// 5. HTTP Router + App
	app := server.New(server.Config{HttpPort: cfg.App.HttpPort}, server.NewHTTPRouter(mgr))

	// 6. 后台任务
	if producer != nil {
		relay := service.NewRelayService(st, producer, cfg.Pool.RelayInterval)
		app.Go(relay.Start)
		app.OnStop(func() { _ = producer.Close() })
	}
	if bridge != nil {
		app.Go(func(ctx context.Context) {
			if err := bridge.Listen(ctx); err != nil {
				logger.Error("balance event listener stopped", zap.Error(err))
			}
		})
	}
	cronService := service.NewCronService(mgr, locker, cfg.Pool.SweepSchedule)
	if err := cronService.Start(); err != nil {
		logger.Fatal("cron service start failed", zap.Error(err))
	}
	app.OnStop(cronService.Stop)

	// 预留到期任务 (asynq)，周期清理兜底
	if cfg.Redis.Enabled {
		taskClient := worker.NewClient(cfg.Redis)
		unwatch := worker.NewExpiryScheduler(taskClient).Watch(mgr)
		taskServer := worker.NewServer(cfg.Redis, cfg.Pool.WorkerConcurrency, worker.NewHandlers(mgr))
		if err := taskServer.Start(); err != nil {
			logger.Fatal("worker server start failed", zap.Error(err))
		}
		app.OnStop(func() {
			unwatch()
			taskServer.Stop()
			_ = taskClient.Close()
		})
	}

	logger.Info("pool server starting",
		zap.String("node_id", nodeID),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.String("mq", cfg.Redis.MQType),
	)

	// 运行 (阻塞)
	app.Run()

	// 7. 退出后资源清理
	logger.Info("正在关闭数据库连接...")
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	logger.Info("系统已退出")
}
