package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"macd-grid-bot-go/internal/api"
	"macd-grid-bot-go/internal/bot"
	"macd-grid-bot-go/internal/config"
	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/feed"
	"macd-grid-bot-go/internal/filter"
	"macd-grid-bot-go/internal/logger"
	"macd-grid-bot-go/internal/metrics"
	"macd-grid-bot-go/internal/models"
	"macd-grid-bot-go/internal/persistence"
	"macd-grid-bot-go/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// lastStopKey 记录上次正常退出的时间，重启时用来判断离线了多久
const lastStopKey = "last_stop"

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or paper")
	paperBalance := flag.Float64("balance", 1000, "initial USDT balance in paper mode")
	flag.Parse()

	// 加载配置前先用默认配置的 logger
	log := logger.New(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		log.Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		log.Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("无法加载配置文件", zap.String("path", *configPath), zap.Error(err))
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log = logger.New(cfg.LogConfig)
	defer log.Sync() // 确保在main函数退出时刷新所有缓冲的日志

	if err := run(cfg, *mode, *paperBalance, log); err != nil {
		log.Fatal("机器人异常退出", zap.Error(err))
	}
}

func run(cfg *models.Config, mode string, paperBalance float64, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if mode == "live" && (apiKey == "" || secretKey == "") {
		return errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}
	if cfg.IsTestnet {
		log.Info("正在使用币安测试网...", zap.String("baseUrl", cfg.BaseURL))
	} else {
		log.Info("正在使用币安生产网...", zap.String("baseUrl", cfg.BaseURL))
	}

	// 行情始终来自真实交易所，纸面模式只替换下单端
	live := exchange.NewLiveExchange(apiKey, secretKey, cfg, log)
	if err := live.Init(ctx); err != nil {
		return fmt.Errorf("初始化交易所失败: %w", err)
	}

	var ex exchange.Exchange
	var sim *exchange.SimExchange
	switch mode {
	case "live":
		ex = live
	case "paper":
		info, err := live.GetSymbolInfo(ctx)
		if err != nil {
			return fmt.Errorf("加载交易规则失败: %w", err)
		}
		sim = exchange.NewSimExchange(cfg.Symbol, paperBalance, live, log)
		sim.SetSymbolInfo(*info)
		ex = sim
		log.Info("--- 纸面交易模式 ---", zap.Float64("balance", paperBalance))
	default:
		return fmt.Errorf("未知的运行模式: %s。请选择 'live' 或 'paper'", mode)
	}

	// --- 持久化 ---
	states, err := persistence.NewBadgerRepository(cfg.Engine.DBPath)
	if err != nil {
		return fmt.Errorf("打开状态数据库失败: %w", err)
	}
	defer states.Close()

	db, err := storage.InitDB(cfg.Engine.TradeDBPath)
	if err != nil {
		return fmt.Errorf("打开交易数据库失败: %w", err)
	}
	defer db.Close()
	trades := storage.NewTradeStore(db)

	runID, err := storage.NextRunID(ctx, db)
	if err != nil {
		return err
	}
	log = log.With(zap.Int64("runId", runID), zap.String("mode", mode))
	if last, ok, err := storage.Metadata(ctx, db, lastStopKey); err != nil {
		log.Warn("读取上次停止时间失败", zap.Error(err))
	} else if ok {
		log.Info("上次停止时间", zap.String("at", last))
	}

	filters, err := filter.FromConfig(cfg.Filters, ex, cfg.Indicator, log)
	if err != nil {
		return fmt.Errorf("构建过滤器失败: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gridBot, err := bot.New(ctx, cfg, bot.Deps{
		Exchange: ex,
		Filters:  filters,
		States:   states,
		Trades:   trades,
		Journal:  states,
		Metrics:  metrics.New(reg),
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("初始化机器人失败: %w", err)
	}

	if sim != nil {
		sim.SetFillHandler(gridBot.HandleSimFill)
	} else {
		gridBot.UseStream(feed.New(cfg.Feed, cfg.WSBaseURL, cfg.Symbol, live, gridBot.HandleEvent, log))
	}

	if err := gridBot.Start(ctx); err != nil {
		return fmt.Errorf("机器人启动失败: %w", err)
	}
	log.Info("机器人已启动", zap.String("symbol", cfg.Symbol))

	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		server := api.NewServer(gridBot, reg, log)
		go func() { apiErr <- server.Run(ctx, cfg.API.ListenAddr) }()
	}

	// 等待中断信号以实现优雅退出；致命错误停机时进程以非零状态退出
	select {
	case <-ctx.Done():
		log.Info("收到退出信号，正在停止...")
	case err := <-apiErr:
		if err != nil {
			log.Error("控制接口退出", zap.Error(err))
		}
	case <-gridBot.Halted():
		log.Error("机器人已停机，进程退出")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gridBot.Stop(stopCtx); err != nil && !errors.Is(err, bot.ErrNotRunning) {
		return fmt.Errorf("停止机器人失败: %w", err)
	}
	if err := storage.SetMetadata(stopCtx, db, lastStopKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Warn("记录停止时间失败", zap.Error(err))
	}
	if reason := gridBot.Status().HaltReason; reason != "" {
		return fmt.Errorf("%w: %s", bot.ErrHalted, reason)
	}
	log.Info("机器人已成功停止，状态已保存。")
	return nil
}
