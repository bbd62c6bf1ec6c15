package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"liquidity-core/internal/model"
	"liquidity-core/internal/service/allocation"
	"liquidity-core/internal/service/settlement"
)

// advanceCmd 手工处理单笔 advance，正常流程由上游服务调用
var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "放款分配、回款、违约核销",
}

var allocateFlags struct {
	farmer, order, amount, currency, tier, pool, priority string
	creditScore                                           int
}

var allocateCmd = &cobra.Command{
	Use:   "allocate <advance-id>",
	Short: "为 advance 选择资金池并放款",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseDecimal("amount", allocateFlags.amount)
		if err != nil {
			return err
		}
		r, err := connect()
		if err != nil {
			return err
		}
		res, err := allocation.NewEngine(r.balances).AllocateCapital(cmd.Context(), allocation.Request{
			AdvanceID:       args[0],
			FarmerID:        allocateFlags.farmer,
			OrderID:         allocateFlags.order,
			RequestedAmount: amount,
			Currency:        strings.ToUpper(allocateFlags.currency),
			RiskTier:        model.RiskTier(strings.ToUpper(allocateFlags.tier)),
			CreditScore:     allocateFlags.creditScore,
			PreferredPoolID: allocateFlags.pool,
			Priority:        allocation.Priority(strings.ToUpper(allocateFlags.priority)),
		})
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, res)
	},
}

var releaseFlags struct {
	pool, amount, fees, penalties, source string
	full                                  bool
}

var releaseCmd = &cobra.Command{
	Use:   "release <advance-id>",
	Short: "回款: 本金回到可用资金，手续费和罚金计入总资金",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := settlement.ReleaseRequest{
			AdvanceID:   args[0],
			PoolID:      releaseFlags.pool,
			ReleaseType: settlement.PartialRepayment,
			Source:      releaseFlags.source,
		}
		if releaseFlags.full {
			req.ReleaseType = settlement.FullRepayment
		}
		var err error
		if req.Amount, err = parseDecimal("amount", releaseFlags.amount); err != nil {
			return err
		}
		if req.FeesCollected, err = parseDecimal("fees", releaseFlags.fees); err != nil {
			return err
		}
		if req.PenaltiesCollected, err = parseDecimal("penalties", releaseFlags.penalties); err != nil {
			return err
		}
		r, err := connect()
		if err != nil {
			return err
		}
		res, err := settlement.NewHandler(r.balances).ReleaseCapital(cmd.Context(), req)
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, res)
	},
}

var defaultFlags struct {
	pool, lost, recovered, reason string
}

var defaultCmd = &cobra.Command{
	Use:   "default <advance-id>",
	Short: "违约核销: 净损失从已投放资金和总资金中扣除",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := settlement.DefaultRequest{
			AdvanceID: args[0],
			PoolID:    defaultFlags.pool,
			Reason:    defaultFlags.reason,
		}
		var err error
		if req.LostAmount, err = parseDecimal("lost", defaultFlags.lost); err != nil {
			return err
		}
		if req.RecoveredAmount, err = parseDecimal("recovered", defaultFlags.recovered); err != nil {
			return err
		}
		r, err := connect()
		if err != nil {
			return err
		}
		res, err := settlement.NewHandler(r.balances).HandleDefault(cmd.Context(), req)
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, res)
	},
}

func init() {
	af := allocateCmd.Flags()
	af.StringVar(&allocateFlags.farmer, "farmer", "", "农户 ID")
	af.StringVar(&allocateFlags.order, "order", "", "订单 ID")
	af.StringVar(&allocateFlags.amount, "amount", "", "申请金额")
	af.StringVar(&allocateFlags.currency, "currency", "KES", "币种")
	af.StringVar(&allocateFlags.tier, "tier", "", "风险等级，为空时按信用分推导")
	af.IntVar(&allocateFlags.creditScore, "credit-score", 0, "信用分")
	af.StringVar(&allocateFlags.pool, "pool", "", "指定资金池")
	af.StringVar(&allocateFlags.priority, "priority", "", "LOWEST_RISK / HIGHEST_AVAILABLE / BEST_RETURN")
	_ = allocateCmd.MarkFlagRequired("amount")

	rf := releaseCmd.Flags()
	rf.StringVar(&releaseFlags.pool, "pool", "", "资金池 ID")
	rf.StringVar(&releaseFlags.amount, "amount", "", "回款本金")
	rf.StringVar(&releaseFlags.fees, "fees", "0", "收取的手续费")
	rf.StringVar(&releaseFlags.penalties, "penalties", "0", "收取的罚金")
	rf.StringVar(&releaseFlags.source, "source", "manual", "回款来源")
	rf.BoolVar(&releaseFlags.full, "full", false, "是否结清")
	_ = releaseCmd.MarkFlagRequired("pool")
	_ = releaseCmd.MarkFlagRequired("amount")

	df := defaultCmd.Flags()
	df.StringVar(&defaultFlags.pool, "pool", "", "资金池 ID")
	df.StringVar(&defaultFlags.lost, "lost", "", "损失金额")
	df.StringVar(&defaultFlags.recovered, "recovered", "0", "已追回金额")
	df.StringVar(&defaultFlags.reason, "reason", "", "违约原因")
	_ = defaultCmd.MarkFlagRequired("pool")
	_ = defaultCmd.MarkFlagRequired("lost")

	advanceCmd.AddCommand(allocateCmd, releaseCmd, defaultCmd)
	rootCmd.AddCommand(advanceCmd)
}
