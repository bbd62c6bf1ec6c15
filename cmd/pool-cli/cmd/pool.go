package cmd

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"liquidity-core/internal/model"
	"liquidity-core/internal/service/pool"
	"liquidity-core/internal/store"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "资金池管理",
}

func poolService() (*pool.Service, error) {
	r, err := connect()
	if err != nil {
		return nil, err
	}
	return pool.NewService(r.balances), nil
}

var createFlags struct {
	name, description, tier, currency, capital, investor string
	targetReturn, minAdvance, maxAdvance, maxExposure    string
	maxSingleRatio, minReserve, createdBy                string
	autoRebalance                                        bool
}

var poolCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "创建资金池，可同时注入初始资金",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := createFlags
		req := pool.CreatePoolRequest{
			Name:                 f.name,
			Description:          f.description,
			RiskTier:             model.RiskTier(strings.ToUpper(f.tier)),
			Currency:             strings.ToUpper(f.currency),
			InvestorID:           f.investor,
			AutoRebalanceEnabled: f.autoRebalance,
			CreatedBy:            f.createdBy,
		}
		var err error
		if req.InitialCapital, err = parseDecimal("capital", f.capital); err != nil {
			return err
		}
		if req.TargetReturnRate, err = parseDecimal("target-return", f.targetReturn); err != nil {
			return err
		}
		if req.MinAdvanceAmount, err = parseDecimal("min-advance", f.minAdvance); err != nil {
			return err
		}
		if req.MaxAdvanceAmount, err = parseDecimal("max-advance", f.maxAdvance); err != nil {
			return err
		}
		if req.MaxExposureLimit, err = parseDecimal("max-exposure", f.maxExposure); err != nil {
			return err
		}
		if req.MaxSingleAdvanceRatio, err = parseDecimal("max-single-ratio", f.maxSingleRatio); err != nil {
			return err
		}
		if req.MinReserveRatio, err = parseDecimal("min-reserve", f.minReserve); err != nil {
			return err
		}

		svc, err := poolService()
		if err != nil {
			return err
		}
		p, err := svc.CreatePool(cmd.Context(), req)
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, p)
	},
}

var listFlags struct {
	status, currency string
	tiers            []string
	limit, offset    int
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出资金池",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.PoolFilter{
			Status:   model.PoolStatus(strings.ToUpper(listFlags.status)),
			Currency: strings.ToUpper(listFlags.currency),
			Limit:    listFlags.limit,
			Offset:   listFlags.offset,
		}
		for _, t := range listFlags.tiers {
			filter.Tiers = append(filter.Tiers, model.RiskTier(strings.ToUpper(t)))
		}
		svc, err := poolService()
		if err != nil {
			return err
		}
		page, err := svc.ListPools(cmd.Context(), filter)
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, page)
	},
}

var poolGetCmd = &cobra.Command{
	Use:   "get <pool-id>",
	Short: "查看资金池完整记录",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := poolService()
		if err != nil {
			return err
		}
		p, err := svc.GetPool(cmd.Context(), args[0])
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, p)
	},
}

var capitalFlags struct {
	amount, investor, description string
}

func capitalCmd(use, short string, withdraw bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pool-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseDecimal("amount", capitalFlags.amount)
			if err != nil {
				return err
			}
			svc, err := poolService()
			if err != nil {
				return err
			}
			op := svc.Deposit
			if withdraw {
				op = svc.Withdraw
			}
			m, err := op(cmd.Context(), args[0], amount, capitalFlags.investor, capitalFlags.description)
			if err != nil {
				return fail(err)
			}
			return printJSON(cmd, m)
		},
	}
}

var poolStatusCmd = &cobra.Command{
	Use:   "status <pool-id> <ACTIVE|PAUSED|CLOSED>",
	Short: "调整资金池状态",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := poolService()
		if err != nil {
			return err
		}
		p, err := svc.UpdateStatus(cmd.Context(), args[0], model.PoolStatus(strings.ToUpper(args[1])))
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, p)
	},
}

var settingsFlags struct {
	description, targetReturn, actualReturn, minAdvance, maxAdvance string
	maxExposure, maxSingleRatio, minReserve                         string
	autoRebalance                                                   bool
}

var poolSettingsCmd = &cobra.Command{
	Use:   "settings <pool-id>",
	Short: "调整资金池参数，只修改显式传入的参数",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var u pool.SettingsUpdate
		flags := cmd.Flags()
		if flags.Changed("description") {
			u.Description = &settingsFlags.description
		}
		if flags.Changed("auto-rebalance") {
			u.AutoRebalanceEnabled = &settingsFlags.autoRebalance
		}
		decimals := []struct {
			flag string
			raw  string
			set  func(v decimal.Decimal)
		}{
			{"target-return", settingsFlags.targetReturn, func(v decimal.Decimal) { u.TargetReturnRate = &v }},
			{"actual-return", settingsFlags.actualReturn, func(v decimal.Decimal) { u.ActualReturnRate = &v }},
			{"min-advance", settingsFlags.minAdvance, func(v decimal.Decimal) { u.MinAdvanceAmount = &v }},
			{"max-advance", settingsFlags.maxAdvance, func(v decimal.Decimal) { u.MaxAdvanceAmount = &v }},
			{"max-exposure", settingsFlags.maxExposure, func(v decimal.Decimal) { u.MaxExposureLimit = &v }},
			{"max-single-ratio", settingsFlags.maxSingleRatio, func(v decimal.Decimal) { u.MaxSingleAdvanceRatio = &v }},
			{"min-reserve", settingsFlags.minReserve, func(v decimal.Decimal) { u.MinReserveRatio = &v }},
		}
		for _, d := range decimals {
			if !flags.Changed(d.flag) {
				continue
			}
			v, err := parseDecimal(d.flag, d.raw)
			if err != nil {
				return err
			}
			d.set(v)
		}

		svc, err := poolService()
		if err != nil {
			return err
		}
		p, err := svc.UpdateSettings(cmd.Context(), args[0], u)
		if err != nil {
			return fail(err)
		}
		return printJSON(cmd, p)
	},
}

func init() {
	f := poolCreateCmd.Flags()
	f.StringVar(&createFlags.name, "name", "", "资金池名称 (唯一)")
	f.StringVar(&createFlags.description, "description", "", "描述")
	f.StringVar(&createFlags.tier, "tier", "", "风险等级 A/B/C")
	f.StringVar(&createFlags.currency, "currency", "KES", "币种")
	f.StringVar(&createFlags.capital, "capital", "0", "初始注资金额")
	f.StringVar(&createFlags.investor, "investor", "", "初始注资的投资人")
	f.StringVar(&createFlags.targetReturn, "target-return", "0", "目标收益率 (%)")
	f.StringVar(&createFlags.minAdvance, "min-advance", "0", "单笔最小放款额")
	f.StringVar(&createFlags.maxAdvance, "max-advance", "0", "单笔最大放款额，0 不限")
	f.StringVar(&createFlags.maxExposure, "max-exposure", "0", "已投放资金上限，0 不限")
	f.StringVar(&createFlags.maxSingleRatio, "max-single-ratio", "0", "单笔占总资金的百分比上限，0 取默认 10")
	f.StringVar(&createFlags.minReserve, "min-reserve", "15", "最低准备金率 (%)")
	f.StringVar(&createFlags.createdBy, "created-by", "pool-cli", "操作人")
	f.BoolVar(&createFlags.autoRebalance, "auto-rebalance", false, "是否开启自动再平衡")
	_ = poolCreateCmd.MarkFlagRequired("name")
	_ = poolCreateCmd.MarkFlagRequired("tier")

	lf := poolListCmd.Flags()
	lf.StringVar(&listFlags.status, "status", "", "按状态过滤")
	lf.StringVar(&listFlags.currency, "currency", "", "按币种过滤")
	lf.StringSliceVar(&listFlags.tiers, "tier", nil, "按风险等级过滤，可重复")
	lf.IntVar(&listFlags.limit, "limit", 0, "每页条数，0 表示全部")
	lf.IntVar(&listFlags.offset, "offset", 0, "跳过条数")

	depositCmd := capitalCmd("deposit", "投资人注资", false)
	withdrawCmd := capitalCmd("withdraw", "投资人撤资 (受准备金率约束)", true)
	for _, c := range []*cobra.Command{depositCmd, withdrawCmd} {
		c.Flags().StringVar(&capitalFlags.amount, "amount", "", "金额")
		c.Flags().StringVar(&capitalFlags.investor, "investor", "", "投资人 ID")
		c.Flags().StringVar(&capitalFlags.description, "description", "", "备注")
		_ = c.MarkFlagRequired("amount")
	}

	sf := poolSettingsCmd.Flags()
	sf.StringVar(&settingsFlags.description, "description", "", "描述")
	sf.StringVar(&settingsFlags.targetReturn, "target-return", "", "目标收益率 (%)")
	sf.StringVar(&settingsFlags.actualReturn, "actual-return", "", "实际收益率 (%)")
	sf.StringVar(&settingsFlags.minAdvance, "min-advance", "", "单笔最小放款额")
	sf.StringVar(&settingsFlags.maxAdvance, "max-advance", "", "单笔最大放款额")
	sf.StringVar(&settingsFlags.maxExposure, "max-exposure", "", "已投放资金上限")
	sf.StringVar(&settingsFlags.maxSingleRatio, "max-single-ratio", "", "单笔占总资金的百分比上限")
	sf.StringVar(&settingsFlags.minReserve, "min-reserve", "", "最低准备金率 (%)")
	sf.BoolVar(&settingsFlags.autoRebalance, "auto-rebalance", false, "是否开启自动再平衡")

	poolCmd.AddCommand(poolCreateCmd, poolListCmd, poolGetCmd, depositCmd, withdrawCmd, poolStatusCmd, poolSettingsCmd)
	rootCmd.AddCommand(poolCmd)
}
