package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/filter"
	"macd-grid-bot-go/internal/ledger"
	"macd-grid-bot-go/internal/metrics"
	"macd-grid-bot-go/internal/models"
	"macd-grid-bot-go/internal/persistence"
	"macd-grid-bot-go/internal/planner"
	"macd-grid-bot-go/internal/reporter"
	"macd-grid-bot-go/internal/signal"
	"macd-grid-bot-go/internal/statemanager"
	"macd-grid-bot-go/internal/takeprofit"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// reportTradeLimit 停止时报表中展示的交易数量
	reportTradeLimit = 20
	// stopTimeout bounds the shutdown work once Stop has begun, whatever the caller's ctx.
	stopTimeout = 30 * time.Second
)

var (
	// ErrHalted is returned by Start after a fatal error (e.g. rejected credentials).
	// The engine refuses to trade blind; restart the process once the cause is fixed.
	ErrHalted = errors.New("engine halted")
	// ErrNotRunning is returned by commands that need a running engine.
	ErrNotRunning = errors.New("engine is not running")
	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("engine is already running")
)

// Streamer is a long-running event source such as the user data stream.
type Streamer interface {
	Run(ctx context.Context) error
}

// tradeSummarizer is implemented by trade stores that can seed the cumulative stats.
type tradeSummarizer interface {
	Summary(ctx context.Context) (count int, pnl float64, err error)
}

// Deps are the collaborators of the engine. Only Exchange and Logger are required.
type Deps struct {
	Exchange exchange.Exchange
	Filters  *filter.Registry
	States   persistence.StateRepository
	Trades   persistence.TradeRepository
	Journal  persistence.TradeJournal
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// GridTradingBot 是网格交易引擎的核心结构：指标驱动的状态机 + 挂单梯子 + 止盈管理
type GridTradingBot struct {
	cfg        *models.Config
	ex         exchange.Exchange
	filters    *filter.Registry
	ledger     *ledger.Ledger
	planner    *planner.Planner
	adjuster   *takeprofit.Adjuster
	states     persistence.StateRepository
	trades     persistence.TradeRepository
	metrics    *metrics.Metrics
	logger     *zap.Logger
	symbolInfo models.SymbolInfo
	now        func() time.Time

	nudge    chan struct{}
	status   atomic.Pointer[models.GridStatus]
	halted   chan struct{}
	haltOnce sync.Once

	mu         sync.Mutex
	botID      string
	stream     Streamer
	stateMgr   *statemanager.StateManager
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	paused     bool
	manual     bool
	haltReason string
	state      models.StrategyState
	indicator  signal.Result
	lastPrice  float64
	balance    float64
	allowed    bool
	marginErr  bool
	feedState  models.ConnectionState
}

// New 创建一个新的网格交易引擎实例，并获取和缓存交易规则
func New(ctx context.Context, cfg *models.Config, deps Deps) (*GridTradingBot, error) {
	if deps.Exchange == nil {
		return nil, errors.New("bot: exchange is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := deps.Exchange.GetSymbolInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("无法获取交易对 %s 的规则: %w", cfg.Symbol, err)
	}
	filters := deps.Filters
	if filters == nil {
		filters = filter.NewRegistry(logger)
	}

	calc := takeprofit.NewCalculator(cfg.TakeProfit, info.TickSize)
	b := &GridTradingBot{
		cfg:        cfg,
		ex:         deps.Exchange,
		filters:    filters,
		planner:    planner.New(cfg.Grid, info.TickSize),
		states:     deps.States,
		trades:     deps.Trades,
		metrics:    deps.Metrics,
		logger:     logger.Named("bot"),
		symbolInfo: *info,
		now:        time.Now,
		nudge:      make(chan struct{}, 1),
		halted:     make(chan struct{}),
		botID:      uuid.NewString(),
		manual:     cfg.ManualActivation,
		state:      models.StateWait,
		feedState:  models.Disconnected,
	}
	b.ledger = ledger.New(ledger.ConfigFrom(cfg), deps.Exchange, calc, deps.Trades, deps.Journal, logger)
	b.ledger.OnTrade(b.onTrade)
	b.adjuster = takeprofit.NewAdjuster(cfg.TakeProfit, calc, b.ledger, deps.Exchange, logger)
	b.adjuster.OnReport(b.onAdjust)

	b.logger.Info("成功获取并缓存了交易规则",
		zap.String("symbol", cfg.Symbol),
		zap.Float64("tickSize", info.TickSize),
		zap.Float64("stepSize", info.StepSize),
		zap.Float64("minQty", info.MinQty),
		zap.Float64("minNotional", info.MinNotional))
	return b, nil
}

// UseStream attaches the user data stream; it runs alongside the tick loop after Start.
func (b *GridTradingBot) UseStream(s Streamer) {
	b.mu.Lock()
	b.stream = s
	b.mu.Unlock()
}

// Start 恢复状态、与交易所对账，然后启动主循环。
// Startup order: snapshot -> fresh exchange poll -> immediate reconciliation ->
// trade journal replay -> leverage -> loops.
func (b *GridTradingBot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.haltReason != "" {
		reason := b.haltReason
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHalted, reason)
	}
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.running = true
	b.mu.Unlock()

	if err := b.recover(ctx); err != nil {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		if exchange.IsAuthError(err) {
			b.halt(err)
		}
		return err
	}

	b.mu.Lock()
	sm := statemanager.NewStateManager(&models.BotState{
		BotID:   b.botID,
		Symbol:  b.cfg.Symbol,
		Version: models.BotStateVersion,
	}, b.states, b.logger)
	sm.Start()
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.stateMgr = sm
	b.cancel = cancel
	b.done = done
	stream := b.stream
	botID := b.botID
	b.mu.Unlock()

	// 对账后的结果立即落盘，不等第一个周期
	sm.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.StateResetEvent,
		Timestamp: b.now(),
		Data: &models.BotState{
			BotID:  botID,
			Symbol: b.cfg.Symbol,
			Status: b.buildStatus(),
			Orders: b.ledger.Snapshot(),
		},
	})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return b.tickLoop(gctx) })
	g.Go(func() error { return b.adjuster.Run(gctx) })
	g.Go(func() error { return b.statusLoop(gctx) })
	if stream != nil {
		g.Go(func() error { return stream.Run(gctx) })
	}
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			b.halt(err)
		}
	}()

	b.logger.Info("网格引擎已启动", zap.String("botId", b.botID), zap.String("symbol", b.cfg.Symbol))
	return nil
}

// recover rebuilds the ledger from the snapshot and the exchange.
func (b *GridTradingBot) recover(ctx context.Context) error {
	if b.states != nil {
		saved, err := b.states.LoadState()
		switch {
		case err != nil:
			b.logger.Warn("加载状态快照失败，将完全依赖交易所重建", zap.Error(err))
		case saved == nil:
			b.logger.Info("未找到状态快照，全新启动")
		case saved.Symbol != "" && saved.Symbol != b.cfg.Symbol:
			b.logger.Warn("快照属于其他交易对，已忽略", zap.String("snapshotSymbol", saved.Symbol))
		default:
			if saved.BotID != "" {
				b.mu.Lock()
				b.botID = saved.BotID
				b.mu.Unlock()
			}
			n := b.ledger.Restore(saved.Orders)
			b.logger.Info("已从快照恢复订单，等待对账确认",
				zap.Int("orders", n),
				zap.Time("savedAt", saved.LastUpdateTime))
		}
	}

	if s, ok := b.trades.(tradeSummarizer); ok {
		count, pnl, err := s.Summary(ctx)
		if err != nil {
			b.logger.Warn("读取历史交易汇总失败", zap.Error(err))
		} else {
			b.ledger.SeedStats(count, pnl)
		}
	}

	openOrders, err := b.ex.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("startup poll open orders: %w", err)
	}
	positions, err := b.ex.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("startup poll positions: %w", err)
	}
	report, err := b.ledger.Reconcile(ctx, ledger.ReconcileInput{
		Positions:  positions,
		OpenOrders: openOrders,
		FetchedAt:  b.now(),
		Immediate:  true,
	})
	b.recordReconcile(report)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	b.logger.Info("启动对账完成",
		zap.Int("adopted", report.Adopted),
		zap.Int("entriesFilled", report.EntriesFilled),
		zap.Int("tpHit", report.TakeProfitsHit),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("unresolved", report.Unresolved))

	if n, err := b.ledger.ReplayJournal(ctx); err != nil {
		b.logger.Warn("重放交易日志失败，将在下次启动重试", zap.Error(err))
	} else if n > 0 {
		b.logger.Info("已重放交易日志", zap.Int("trades", n))
	}

	if err := b.ex.SetLeverage(ctx, b.cfg.Leverage); err != nil {
		if exchange.IsAuthError(err) {
			return fmt.Errorf("set leverage: %w", err)
		}
		b.logger.Warn("设置杠杆失败", zap.Int("leverage", b.cfg.Leverage), zap.Error(err))
	}

	if err := b.ledger.EnsureTakeProfits(ctx); err != nil {
		if exchange.IsAuthError(err) {
			return fmt.Errorf("place take-profits: %w", err)
		}
		b.logger.Warn("补挂止盈单失败，下个周期重试", zap.Error(err))
	}
	return nil
}

// Stop 停止主循环，撤销所有入场挂单。止盈单保留在交易所。
// 一旦开始停止就会做完，调用方的 ctx 取消 (例如 HTTP 客户端断开) 不会中断撤单。
func (b *GridTradingBot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running || b.cancel == nil {
		b.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done, sm := b.cancel, b.done, b.stateMgr
	b.cancel = nil
	b.mu.Unlock()

	ctx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancelStop()

	b.logger.Info("正在停止网格引擎...")
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("等待主循环退出超时，继续撤单", zap.Error(ctx.Err()))
	}

	cancelled, cancelErr := b.ledger.CancelAllPending(ctx)
	if cancelErr != nil {
		b.logger.Error("撤销挂单失败，残留挂单将在下次启动时被接管", zap.Error(cancelErr))
	}
	b.logger.Info("已撤销所有入场挂单", zap.Int("cancelled", cancelled))

	b.mu.Lock()
	b.running = false
	b.stateMgr = nil
	b.mu.Unlock()

	b.publish(sm, b.buildStatus())
	saveErr := sm.Stop()
	if saveErr != nil {
		b.logger.Error("保存最终状态失败", zap.Error(saveErr))
	}
	b.logger.Info("网格引擎已停止")
	b.logTradeReport(ctx)
	return errors.Join(cancelErr, saveErr)
}

// logTradeReport 停止时打印最近的交易和汇总
func (b *GridTradingBot) logTradeReport(ctx context.Context) {
	trades, err := b.RecentTrades(ctx, reportTradeLimit)
	if err != nil {
		b.logger.Warn("读取交易记录失败", zap.Error(err))
		return
	}
	if len(trades) == 0 {
		return
	}
	m := reporter.CalculateMetrics(trades)
	b.logger.Info("最近交易\n" + reporter.TradesTable(trades) + "\n" + reporter.MetricsTable(m))
}

// Halted is closed once the engine stopped on a fatal error.
func (b *GridTradingBot) Halted() <-chan struct{} {
	return b.halted
}

// halt records a fatal error. The loops stop and the engine cannot be restarted.
func (b *GridTradingBot) halt(err error) {
	defer b.haltOnce.Do(func() { close(b.halted) })

	b.mu.Lock()
	if b.haltReason == "" {
		b.haltReason = err.Error()
	}
	wasRunning := b.running
	b.running = false
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	sm := b.stateMgr
	b.stateMgr = nil
	b.mu.Unlock()

	b.logger.Error("引擎因致命错误停止，不再下单", zap.Error(err))
	b.metrics.TickError(errorKind(err))
	if wasRunning && sm != nil {
		b.publish(sm, b.buildStatus())
		if serr := sm.Stop(); serr != nil {
			b.logger.Error("保存最终状态失败", zap.Error(serr))
		}
	}
}

// Pause stops new entry orders; reconciliation and take-profits keep running.
func (b *GridTradingBot) Pause() error {
	return b.setPaused(true)
}

// Resume lifts a Pause.
func (b *GridTradingBot) Resume() error {
	return b.setPaused(false)
}

func (b *GridTradingBot) setPaused(paused bool) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	changed := b.paused != paused
	b.paused = paused
	b.mu.Unlock()

	if changed {
		b.logger.Info("暂停状态变更", zap.Bool("paused", paused))
		b.saveFlags()
	}
	return nil
}

// SetManualActivation lets the ladder grow in WAIT and PAUSE. INACTIVE always wins.
func (b *GridTradingBot) SetManualActivation(on bool) {
	b.mu.Lock()
	b.manual = on
	b.mu.Unlock()
	b.logger.Info("手动激活状态变更", zap.Bool("manual", on))
	b.saveFlags()
}

// saveFlags writes command flags into the snapshot without waiting for the next tick.
func (b *GridTradingBot) saveFlags() {
	b.mu.Lock()
	sm := b.stateMgr
	b.mu.Unlock()
	if sm == nil {
		return
	}
	status := b.Status()
	sm.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.StatusUpdateEvent,
		Timestamp: b.now(),
		Data:      status,
	})
}

// EnableFilter turns a registered filter on.
func (b *GridTradingBot) EnableFilter(name string) error {
	return b.filters.Enable(name)
}

// DisableFilter turns a registered filter off.
func (b *GridTradingBot) DisableFilter(name string) error {
	return b.filters.Disable(name)
}

// FilterStates returns the state of every registered filter.
func (b *GridTradingBot) FilterStates() []filter.FilterState {
	return b.filters.States()
}

// Status returns the last published status with the live command flags.
func (b *GridTradingBot) Status() models.GridStatus {
	var s models.GridStatus
	if p := b.status.Load(); p != nil {
		s = *p
	} else {
		s = b.buildStatus()
	}
	b.mu.Lock()
	s.Running = b.running
	s.Paused = b.paused
	s.ManualActivation = b.manual
	s.HaltReason = b.haltReason
	s.FeedState = b.feedState
	b.mu.Unlock()
	return s
}

// Orders returns the live ledger, highest entry price first.
func (b *GridTradingBot) Orders() []models.TrackedOrder {
	return b.ledger.Snapshot()
}

// RecentTrades returns the latest completed trades, newest first.
func (b *GridTradingBot) RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if b.trades == nil {
		return nil, nil
	}
	return b.trades.GetRecentTrades(ctx, limit)
}

// buildStatus assembles the status from the ledger and the last tick's observations.
func (b *GridTradingBot) buildStatus() models.GridStatus {
	pending, filled := b.ledger.Counts()
	stats := b.ledger.Stats()
	slots := b.cfg.Grid.MaxTotalOrders - pending - filled
	if slots < 0 {
		slots = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return models.GridStatus{
		Symbol:           b.cfg.Symbol,
		State:            b.state,
		CurrentPrice:     b.lastPrice,
		Balance:          b.balance,
		PendingCount:     pending,
		FilledCount:      filled,
		AvailableSlots:   slots,
		MaxTotalOrders:   b.cfg.Grid.MaxTotalOrders,
		RealizedPnL:      stats.RealizedPnL,
		TradeCount:       stats.TradeCount,
		MACD:             b.indicator.MACD,
		Signal:           b.indicator.Signal,
		Histogram:        b.indicator.Histogram,
		ManualActivation: b.manual,
		Paused:           b.paused,
		TradeAllowed:     b.allowed,
		MarginError:      b.marginErr,
		RateLimited:      b.ex.IsRateLimited(),
		FeedState:        b.feedState,
		Running:          b.running,
		HaltReason:       b.haltReason,
		LastTick:         b.now(),
	}
}

// publish stores the status, feeds the gauges and hands a snapshot to the state manager.
func (b *GridTradingBot) publish(sm *statemanager.StateManager, status models.GridStatus) {
	b.status.Store(&status)
	b.metrics.ObserveStatus(status)
	if sm == nil {
		return
	}
	sm.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.SnapshotEvent,
		Timestamp: status.LastTick,
		Data: statemanager.SnapshotEventData{
			Status: status,
			Orders: b.ledger.Snapshot(),
		},
	})
}

// statusLoop 定期打印状态表
func (b *GridTradingBot) statusLoop(ctx context.Context) error {
	interval := models.Seconds(b.cfg.Engine.StatusIntervalSec)
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.logger.Info("当前状态\n" + reporter.StatusTable(b.Status(), b.ledger.Snapshot()))
		}
	}
}

func (b *GridTradingBot) onTrade(rec models.TradeRecord) {
	b.metrics.Trade(rec)
	b.logger.Info("交易完成",
		zap.Int64("orderId", rec.OrderID),
		zap.Float64("entry", rec.EntryPrice),
		zap.Float64("exit", rec.ExitPrice),
		zap.Float64("pnl", rec.RealizedPnL),
		zap.String("source", string(rec.Source)))
}

func (b *GridTradingBot) onAdjust(report takeprofit.Report, err error) {
	b.metrics.TakeProfitReplaced(report.Replaced)
	if err != nil {
		b.metrics.TickError(errorKind(err))
	}
}

func (b *GridTradingBot) recordReconcile(r ledger.ReconcileReport) {
	b.metrics.Reconciled("adopted", r.Adopted)
	b.metrics.Reconciled("entries_filled", r.EntriesFilled)
	b.metrics.Reconciled("tp_hit", r.TakeProfitsHit)
	b.metrics.Reconciled("cancelled", r.Cancelled)
	b.metrics.Reconciled("tp_cleared", r.TPsCleared)
	b.metrics.Reconciled("unresolved", r.Unresolved)
	if r.Ambiguous {
		b.metrics.Reconciled("ambiguous", 1)
	}
}

// errorKind classifies an exchange error for the error counter.
func errorKind(err error) string {
	switch {
	case exchange.IsAuthError(err):
		return "auth"
	case exchange.IsRateLimitError(err):
		return "rate_limit"
	case exchange.IsMarginError(err):
		return "margin"
	default:
		return "other"
	}
}
