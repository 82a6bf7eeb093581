// Command backtest is the single-binary CLI spec.md §6 calls for: one
// binary, four subcommands (single, portfolio, conservative-portfolio,
// live-trend), mirroring "one binary per backtest mode". Grounded on the
// teacher's cmd/server/main.go bootstrap idiom (flag parsing,
// setupLogger's zap.Config console encoder, signal.Notify graceful
// shutdown), trimmed from the teacher's always-on server process to a
// run-then-exit CLI with an optional --serve flag that keeps the results
// API up after the run completes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/barcore/internal/api"
	"github.com/atlas-desktop/barcore/internal/backtest"
	"github.com/atlas-desktop/barcore/internal/config"
	"github.com/atlas-desktop/barcore/internal/ctx"
	"github.com/atlas-desktop/barcore/internal/data"
	"github.com/atlas-desktop/barcore/internal/execution"
	"github.com/atlas-desktop/barcore/internal/optimizer"
	"github.com/atlas-desktop/barcore/internal/pnl"
	"github.com/atlas-desktop/barcore/internal/portfolio"
	"github.com/atlas-desktop/barcore/internal/price"
	"github.com/atlas-desktop/barcore/internal/risk"
	"github.com/atlas-desktop/barcore/internal/slippage"
	"github.com/atlas-desktop/barcore/internal/strategy"
	"github.com/atlas-desktop/barcore/internal/telemetry"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/atlas-desktop/barcore/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: backtest <single|portfolio|conservative-portfolio|live-trend> [flags]")
		os.Exit(1)
	}
	mode := os.Args[1]

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	dataDir := fs.String("data", "./data", "directory of per-symbol CSV bar files")
	symbolsCSV := fs.String("symbols", "", "comma-separated symbol list")
	start := fs.String("start", "", "RFC3339 run start")
	end := fs.String("end", "", "RFC3339 run end")
	capital := fs.Float64("capital", 100000, "initial capital")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	serve := fs.Bool("serve", false, "keep the results API up after the run completes")
	host := fs.String("host", "localhost", "results API host")
	port := fs.Int("port", 8080, "results API port")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if mode != "single" && mode != "portfolio" && mode != "conservative-portfolio" && mode != "live-trend" {
		logger.Fatal("unknown subcommand", zap.String("mode", mode))
	}

	appCfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	symbols := splitSymbols(*symbolsCSV)
	if len(symbols) == 0 {
		logger.Fatal("at least one symbol is required via --symbols")
	}
	for i, sym := range symbols {
		symbols[i] = utils.FormatSymbol(sym)
	}

	startTime, err := parseTimeOrDefault(*start, time.Now().AddDate(-2, 0, 0))
	if err != nil {
		logger.Fatal("parsing --start", zap.Error(err))
	}
	endTime, err := parseTimeOrDefault(*end, time.Now())
	if err != nil {
		logger.Fatal("parsing --end", zap.Error(err))
	}

	if *dataDir != "" {
		appCfg.Data.DataDir = *dataDir
	}

	registry := ctx.NewInstrumentRegistry()
	for _, sym := range symbols {
		registry.Register(ctx.Instrument{Symbol: sym, PointValue: 1.0})
	}

	runID := backtest.RunID{}.Portfolio(strategyNamesForMode(mode), time.Now())

	slip := slippage.Create(slippage.Config{
		ModelName:              "spread",
		MinSpreadBps:           decimal.NewFromFloat(1),
		SpreadMultiplier:       decimal.NewFromFloat(1.5),
		MarketImpactMultiplier: decimal.NewFromFloat(0.1),
	})
	execMgr := execution.New(slip, decimal.NewFromFloat(0.0005))
	execMgr.SetTickSizeLookup(func(symbol string) decimal.Decimal {
		inst, ok := registry.Get(symbol)
		if !ok {
			return decimal.Zero
		}
		return decimal.NewFromFloat(inst.TickSize)
	})

	var riskMgr portfolio.RiskChecker
	var optMgr portfolio.PositionOptimizer
	if mode == "conservative-portfolio" {
		riskMgr = risk.New(logger, appCfg.RiskConfig)
		optMgr = optimizer.New(logger, appCfg.OptConfig)
	}

	pf := portfolio.New(logger, execMgr, riskMgr, optMgr, func(symbol string) float64 {
		pv, _ := registry.PointValue(symbol)
		return pv
	}, appCfg.Portfolio)

	strategies := strategiesForMode(mode, appCfg, pointValueFunc(registry))
	if len(strategies) == 0 {
		logger.Fatal("no strategies resolved for mode", zap.String("mode", mode))
	}
	allocation := decimal.NewFromFloat(1.0 / float64(len(strategies)))
	for i, s := range strategies {
		useOpt := mode == "conservative-portfolio"
		useRisk := mode == "conservative-portfolio"
		alloc := allocation
		if i == len(strategies)-1 {
			alloc = decimal.NewFromFloat(1.0).Sub(allocation.Mul(decimal.NewFromInt(int64(len(strategies) - 1))))
		}
		if err := pf.AddStrategy(s, alloc, useOpt, useRisk); err != nil {
			logger.Fatal("adding strategy", zap.Error(err))
		}
	}

	loader := data.NewCSVLoader(appCfg.Data.DataDir)
	priceMgr := price.New()
	pnlMgr := pnl.New(registry)
	coord := backtest.New(logger, loader, pf, priceMgr, pnlMgr)

	registryMetrics := prometheus.NewRegistry()
	collector := telemetry.NewCollector(registryMetrics)
	coord.OnProgress(func(dayIndex, totalDays int, equity float64) {
		collector.ObserveDay(equity)
	})

	store := api.NewStore()
	var server *api.Server
	if *serve {
		serverCfg := appCfg.Server
		serverCfg.Host = *host
		serverCfg.Port = *port
		server = api.NewServer(logger, serverCfg, store, registryMetrics)
		coord.OnProgress(func(dayIndex, totalDays int, equity float64) {
			collector.ObserveDay(equity)
			server.Hub().PushProgress(dayIndex, totalDays, equity)
		})
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("results API error", zap.Error(err))
			}
		}()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	results, err := coord.Run(runCtx, types.BacktestConfig{
		PortfolioID:    runID,
		Symbols:        symbols,
		Start:          startTime,
		End:            endTime,
		InitialCapital: decimal.NewFromFloat(*capital),
	})
	if err != nil {
		logger.Error("backtest run failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
	store.Put(results)

	var finalEquity float64
	if n := len(results.EquityCurve); n > 0 {
		finalEquity = results.EquityCurve[n-1].Equity
	}
	logger.Info("backtest complete",
		zap.String("run_id", results.RunID),
		zap.String("final_equity", utils.FormatMoney(decimal.NewFromFloat(finalEquity), "USD")),
		zap.Float64("total_return", results.TotalReturn),
		zap.Float64("sharpe", results.Sharpe),
		zap.Float64("max_drawdown", results.MaxDrawdown),
		zap.Int("total_trades", results.TotalTrades))

	if *serve && server != nil {
		<-sigCh
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping results API", zap.Error(err))
		}
	}
	cancel()
}

func strategyNamesForMode(mode string) []string {
	switch mode {
	case "single":
		return []string{"trend_following"}
	case "live-trend":
		return []string{"trend_following_fast"}
	default:
		return []string{"trend_following", "trend_following_fast"}
	}
}

func pointValueFunc(registry *ctx.InstrumentRegistry) strategy.PointValueFunc {
	return func(symbol string) float64 {
		pv, _ := registry.PointValue(symbol)
		return pv
	}
}

func strategiesForMode(mode string, appCfg types.AppConfig, pv strategy.PointValueFunc) []strategy.Strategy {
	registry := strategy.NewRegistry()
	names := strategyNamesForMode(mode)
	out := make([]strategy.Strategy, 0, len(names))
	for _, name := range names {
		cfg := types.StrategyConfig{ID: name}
		s, ok := registry.Create(name, name, cfg, pv)
		if !ok {
			continue
		}
		out = append(out, s)
	}
	return out
}

func splitSymbols(csv string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func parseTimeOrDefault(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, value)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
