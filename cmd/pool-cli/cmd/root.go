package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"liquidity-core/internal/event"
	"liquidity-core/internal/service/balance"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/config"
	"liquidity-core/pkg/database"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
)

// runtime CLI 与服务端共用同一套余额管理器
type runtime struct {
	balances *balance.Manager
	redis    *redis.Client
}

var rt *runtime

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "pool-cli",
	Short: "资金池运维命令行工具",
	Long: `资金池的运维工具: 建池、注资撤资、调整状态和参数、查询余额与流水，
以及手工触发放款分配、回款和违约核销。连接配置与 pool-server 相同 (config.yaml / 环境变量)。`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect 第一次需要访问存储时才建立连接，--help 之类的命令不连库
func connect() (*runtime, error) {
	if rt != nil {
		return rt, nil
	}
	config.Init()
	cfg := config.Global
	// CLI 默认只看告警，避免日志混进 JSON 输出
	level := cfg.App.LogLevel
	if level == "" {
		level = "warn"
	}
	if err := logger.Init(cfg.App.Env, level); err != nil {
		return nil, err
	}

	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	st := store.NewGormStore(db)
	opts := balance.OptionsFromConfig(cfg.Pool)

	r := &runtime{}
	if cfg.Redis.Enabled {
		r.redis, err = database.ConnectRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		// CLI 不常驻，不需要 L1；事件经 Redis 通知在线的服务节点淘汰缓存
		bridge := event.NewRedisBridge(event.NewBroadcaster(), r.redis, cfg.Pool.EventChannel, "pool-cli")
		r.balances = balance.NewRedisBacked(st, r.redis, nil, bridge, opts)
	} else {
		r.balances = balance.NewStoreOnly(st, event.NewBroadcaster(), opts)
	}
	rt = r
	return rt, nil
}

// printJSON 结果统一以缩进 JSON 输出，方便再用 jq 处理
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail 业务错误码带上一起输出
func fail(err error) error {
	code, msg := errno.Decode(err)
	if code == errno.InternalServerError.Code {
		return err
	}
	return fmt.Errorf("[%d] %s: %w", code, msg, err)
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}
