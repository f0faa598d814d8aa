package reporter

import (
	"fmt"
	"math"
	"sort"
	"time"

	"macd-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储根据已完成交易计算出的绩效指标
type Metrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // 百分比
	TotalProfit   float64
	TotalFees     float64
	AvgProfitLoss float64 // 平均盈利 / 平均亏损
	MaxDrawdown   float64 // 累计盈亏曲线的最大回撤 (USDT)
	AvgHold       time.Duration
	StartTime     time.Time
	EndTime       time.Time
}

// CalculateMetrics computes performance figures; trades may be in any order.
func CalculateMetrics(trades []models.TradeRecord) Metrics {
	m := Metrics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	var totalWin, totalLoss float64
	var hold time.Duration
	m.StartTime = trades[0].EntryTime
	m.EndTime = trades[0].ExitTime
	for _, trade := range trades {
		m.TotalProfit += trade.RealizedPnL
		m.TotalFees += trade.Fees
		hold += trade.HoldDuration()
		if trade.RealizedPnL > 0 {
			m.WinningTrades++
			totalWin += trade.RealizedPnL
		} else {
			m.LosingTrades++
			totalLoss += trade.RealizedPnL
		}
		if trade.EntryTime.Before(m.StartTime) {
			m.StartTime = trade.EntryTime
		}
		if trade.ExitTime.After(m.EndTime) {
			m.EndTime = trade.ExitTime
		}
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	m.AvgHold = hold / time.Duration(m.TotalTrades)
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalWin / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}
	m.MaxDrawdown = calculateMaxDrawdown(chronological(trades))
	return m
}

// chronological returns a copy ordered by exit time.
func chronological(trades []models.TradeRecord) []models.TradeRecord {
	out := append([]models.TradeRecord(nil), trades...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.Before(out[j].ExitTime) })
	return out
}

// calculateMaxDrawdown 在累计盈亏曲线上计算最大回撤
func calculateMaxDrawdown(trades []models.TradeRecord) float64 {
	var equity, peak, maxDrawdown float64
	for _, trade := range trades {
		equity += trade.RealizedPnL
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// StatusTable renders the engine status and the live ladder.
func StatusTable(status models.GridStatus, orders []models.TrackedOrder) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s  %s", status.Symbol, status.LastTick.Format("2006-01-02 15:04:05")))
	t.AppendRows([]table.Row{
		{"状态", status.State},
		{"当前价格", fmt.Sprintf("%.4f", status.CurrentPrice)},
		{"可用余额", fmt.Sprintf("%.2f USDT", status.Balance)},
		{"MACD / Signal / Hist", fmt.Sprintf("%.4f / %.4f / %.4f", status.MACD, status.Signal, status.Histogram)},
		{"挂单 / 持仓 / 可用", fmt.Sprintf("%d / %d / %d (max %d)", status.PendingCount, status.FilledCount, status.AvailableSlots, status.MaxTotalOrders)},
		{"已实现盈亏", fmt.Sprintf("%.4f USDT (%d 笔)", status.RealizedPnL, status.TradeCount)},
		{"允许开仓", status.TradeAllowed},
		{"手动激活 / 暂停", fmt.Sprintf("%v / %v", status.ManualActivation, status.Paused)},
		{"用户数据流", status.FeedState},
	})
	if status.MarginError || status.RateLimited {
		t.AppendRow(table.Row{"告警", fmt.Sprintf("margin=%v rate_limited=%v", status.MarginError, status.RateLimited)})
	}
	if status.HaltReason != "" {
		t.AppendRow(table.Row{"已停止", status.HaltReason})
	}
	out := t.Render()

	if len(orders) == 0 {
		return out
	}
	o := table.NewWriter()
	o.SetStyle(table.StyleLight)
	o.AppendHeader(table.Row{"订单ID", "状态", "入场价", "数量", "止盈价", "止盈单ID"})
	o.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	for _, ord := range orders {
		tp := ""
		if ord.TPOrderID != 0 {
			tp = fmt.Sprintf("%d", ord.TPOrderID)
		}
		o.AppendRow(table.Row{
			ord.OrderID, ord.Status,
			fmt.Sprintf("%.4f", ord.EffectiveEntryPrice()),
			fmt.Sprintf("%.6f", ord.Quantity),
			fmt.Sprintf("%.4f", ord.TakeProfitPrice),
			tp,
		})
	}
	return out + "\n" + o.Render()
}

// TradesTable renders completed trades with a P&L footer.
func TradesTable(trades []models.TradeRecord) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "平仓时间", "入场价", "出场价", "数量", "手续费", "盈亏", "持有", "来源"})
	var total float64
	for _, tr := range trades {
		total += tr.RealizedPnL
		t.AppendRow(table.Row{
			tr.ID,
			tr.ExitTime.Format("01-02 15:04:05"),
			fmt.Sprintf("%.4f", tr.EntryPrice),
			fmt.Sprintf("%.4f", tr.ExitPrice),
			fmt.Sprintf("%.6f", tr.Quantity),
			fmt.Sprintf("%.4f", tr.Fees),
			fmt.Sprintf("%.4f", tr.RealizedPnL),
			tr.HoldDuration().Round(time.Second),
			tr.Source,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "合计", fmt.Sprintf("%.4f", total), "", ""})
	return t.Render()
}

// MetricsTable renders the performance summary.
func MetricsTable(m Metrics) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("绩效")
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"盈利 / 亏损", fmt.Sprintf("%d / %d", m.WinningTrades, m.LosingTrades)},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"总利润", fmt.Sprintf("%.4f USDT", m.TotalProfit)},
		{"手续费", fmt.Sprintf("%.4f USDT", m.TotalFees)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.4f USDT", m.MaxDrawdown)},
		{"平均持有", m.AvgHold.Round(time.Second)},
	})
	return t.Render()
}
