package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"liquidity-core/internal/model"
	"liquidity-core/internal/store"
)

var balanceCmd = &cobra.Command{
	Use:   "balance <pool-id>...",
	Short: "查询一个或多个资金池的余额快照",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := connect()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			snap, err := r.balances.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return fail(err)
			}
			return printJSON(cmd, snap)
		}
		snaps, err := r.balances.GetBalances(cmd.Context(), args)
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, snaps)
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "全部资金池汇总",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := connect()
		if err != nil {
			return err
		}
		s, err := r.balances.GetSummary(cmd.Context())
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, s)
	},
}

var reservationsCmd = &cobra.Command{
	Use:   "reservations <pool-id>",
	Short: "查看资金池上仍有效的预留",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := connect()
		if err != nil {
			return err
		}
		rs, err := r.balances.GetPoolReservations(cmd.Context(), args[0])
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, rs)
	},
}

var txFlags struct {
	types      []string
	advanceID  string
	since      time.Duration
	start, end string
	min, max   string
	limit      int
	offset     int
	summary    bool
}

// timeRange --start/--end 优先，否则取最近 --since
func timeRange() (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.Add(-txFlags.since)
	var err error
	if txFlags.start != "" {
		if start, err = time.Parse(time.RFC3339, txFlags.start); err != nil {
			return start, end, err
		}
	}
	if txFlags.end != "" {
		if end, err = time.Parse(time.RFC3339, txFlags.end); err != nil {
			return start, end, err
		}
	}
	return start, end, nil
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions <pool-id>",
	Short: "查询资金池流水，--summary 输出时间段统计",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := timeRange()
		if err != nil {
			return err
		}
		r, err := connect()
		if err != nil {
			return err
		}
		if txFlags.summary {
			s, err := r.balances.GetTransactionSummary(cmd.Context(), args[0], start, end)
			if err != nil {
				return fail(err)
			}
			return printJSON(cmd, s)
		}

		filter := store.TransactionFilter{
			PoolID:    args[0],
			AdvanceID: txFlags.advanceID,
			Start:     start,
			End:       end,
			Limit:     txFlags.limit,
			Offset:    txFlags.offset,
		}
		for _, t := range txFlags.types {
			filter.Types = append(filter.Types, model.TransactionType(strings.ToUpper(t)))
		}
		if filter.MinAmount, err = parseDecimal("min", txFlags.min); err != nil {
			return err
		}
		if filter.MaxAmount, err = parseDecimal("max", txFlags.max); err != nil {
			return err
		}
		page, err := r.balances.GetTransactions(cmd.Context(), filter)
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, page)
	},
}

func init() {
	f := transactionsCmd.Flags()
	f.StringSliceVar(&txFlags.types, "type", nil, "流水类型，可重复")
	f.StringVar(&txFlags.advanceID, "advance", "", "按 advance id 过滤")
	f.DurationVar(&txFlags.since, "since", 24*time.Hour, "查询最近多长时间")
	f.StringVar(&txFlags.start, "start", "", "开始时间 (RFC3339，含)")
	f.StringVar(&txFlags.end, "end", "", "结束时间 (RFC3339，不含)")
	f.StringVar(&txFlags.min, "min", "", "最小金额")
	f.StringVar(&txFlags.max, "max", "", "最大金额")
	f.IntVar(&txFlags.limit, "limit", 50, "分页大小")
	f.IntVar(&txFlags.offset, "offset", 0, "分页偏移")
	f.BoolVar(&txFlags.summary, "summary", false, "只输出统计")

	rootCmd.AddCommand(balanceCmd, summaryCmd, reservationsCmd, transactionsCmd)
}
