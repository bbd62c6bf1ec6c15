package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"liquidity-core/internal/event"
	"liquidity-core/internal/service/mq"
	"liquidity-core/pkg/config"
)

var eventsFlags struct {
	group, name, pool string
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "余额事件",
}

// eventsTailCmd 从 outbox 投递的 MQ 主题消费余额事件并逐行输出
var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "持续输出余额变更事件 (Ctrl-C 退出)",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := connect()
		if err != nil {
			return err
		}
		cfg := config.Global

		var consumer mq.Consumer
		switch {
		case cfg.Redis.MQType == "kafka":
			consumer = mq.NewKafkaConsumer(cfg.Kafka.Brokers, eventsFlags.group)
		case r.redis != nil:
			consumer = mq.NewRedisConsumer(r.redis, eventsFlags.group, eventsFlags.name)
		default:
			return fmt.Errorf("no message queue configured (redis disabled and mq_type=%q)", cfg.Redis.MQType)
		}
		defer consumer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		return consumer.Subscribe(ctx, cfg.Pool.OutboxTopic, func(msg *mq.Message) error {
			var evt event.BalanceChangedEvent
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				// 格式不对的消息确认掉，不阻塞后续消费
				fmt.Fprintf(os.Stderr, "skip malformed message %s: %v\n", msg.ID, err)
				return nil
			}
			if eventsFlags.pool != "" && evt.PoolID != eventsFlags.pool {
				return nil
			}
			fmt.Fprintf(out, "%s %s %-22s available=%s deployed=%s reserved=%s total=%s\n",
				evt.OccurredAt.Format("2006-01-02T15:04:05Z07:00"),
				evt.PoolID,
				evt.Reason,
				evt.AvailableCapital,
				evt.DeployedCapital,
				evt.ReservedCapital,
				evt.TotalCapital,
			)
			return nil
		})
	},
}

func init() {
	f := eventsTailCmd.Flags()
	f.StringVar(&eventsFlags.group, "group", "pool-cli", "消费组")
	f.StringVar(&eventsFlags.name, "consumer", "pool-cli-0", "组内消费者名 (Redis Streams)")
	f.StringVar(&eventsFlags.pool, "pool", "", "只看某个资金池")

	eventsCmd.AddCommand(eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)
}
