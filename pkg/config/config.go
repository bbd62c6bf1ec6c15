package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App   AppConfig   `mapstructure:"app"`
	DB    DBConfig    `mapstructure:"db"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Pool  PoolConfig  `mapstructure:"pool"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
	LogLevel string `mapstructure:"log_level"` // debug/info/warn/error，为空时按 env 取默认
	NodeID   string `mapstructure:"node_id"`   // 用于跨节点事件去重，为空时启动时随机生成
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"` // false: 纯存储模式 (进程内锁 + 无缓存 + 直接改 reserved_capital)
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

// KafkaConfig redis.mq_type=kafka 时 outbox 投递到 Kafka，主题取 pool.outbox_topic
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// PoolConfig 资金池引擎参数
type PoolConfig struct {
	BalanceCacheTTL    time.Duration `mapstructure:"balance_cache_ttl"`
	SummaryCacheTTL    time.Duration `mapstructure:"summary_cache_ttl"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	LockWaitTimeout    time.Duration `mapstructure:"lock_wait_timeout"`
	LockRetryInterval  time.Duration `mapstructure:"lock_retry_interval"`
	ReservationTTL     time.Duration `mapstructure:"reservation_ttl"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	EventChannel       string        `mapstructure:"event_channel"`
	OutboxTopic        string        `mapstructure:"outbox_topic"`
	RelayInterval      time.Duration `mapstructure:"relay_interval"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"` // 过期预留清理周期 (cron/v3 语法)
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"` // asynq 到期任务并发数，需要 redis
}

var Global Config

func Init() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath(".")      // optionally look for config in the working directory
	viper.AddConfigPath("./config")

	// 环境变量设置
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.user", "pool_user")
	viper.SetDefault("db.password", "pool_password")
	viper.SetDefault("db.name", "liquidity_db")

	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.mq_type", "redis")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})

	viper.SetDefault("pool.balance_cache_ttl", 30*time.Second)
	viper.SetDefault("pool.summary_cache_ttl", 60*time.Second)
	viper.SetDefault("pool.lock_ttl", 5*time.Second)
	viper.SetDefault("pool.lock_wait_timeout", 500*time.Millisecond)
	viper.SetDefault("pool.lock_retry_interval", 20*time.Millisecond)
	viper.SetDefault("pool.reservation_ttl", 5*time.Minute)
	viper.SetDefault("pool.slow_query_threshold", 100*time.Millisecond)
	viper.SetDefault("pool.event_channel", "pool:balance:changed")
	viper.SetDefault("pool.outbox_topic", "pool_events_balance")
	viper.SetDefault("pool.relay_interval", 500*time.Millisecond)
	viper.SetDefault("pool.sweep_schedule", "@every 1m")
	viper.SetDefault("pool.worker_concurrency", 5)
}
