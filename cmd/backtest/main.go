// Command backtest replays historical candles through a registered strategy
// using the same engine the live runtime runs, and prints the trade report.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/config"
	"github.com/EduKegler/breaker-sub003/internal/backtest"
	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/ingest"
	"github.com/EduKegler/breaker-sub003/internal/logging"
	"github.com/EduKegler/breaker-sub003/internal/risk"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional config file for sizing and execution defaults")
		coin       = flag.String("coin", "BTC", "coin to test")
		stratName  = flag.String("strategy", "", "registered strategy name (see -list)")
		interval   = flag.String("interval", "15m", "candle interval")
		days       = flag.Int("days", 30, "lookback window in days, ignored with -start")
		start      = flag.String("start", "", "window start, RFC3339 (overrides -days)")
		end        = flag.String("end", "", "window end, RFC3339 (default now)")
		source     = flag.String("source", "hyperliquid", "candle source: hyperliquid, binance or csv")
		csvPath    = flag.String("csv", "", "CSV candle file (t,o,h,l,c,v) for -source csv")
		capital    = flag.Float64("capital", 10_000, "starting capital in USD")
		params     = flag.String("params", "", "JSON object of strategy parameter overrides")
		jsonOut    = flag.String("json", "", "write the full result JSON to this file")
		list       = flag.Bool("list", false, "list registered strategies and exit")

		cooldownBars  = flag.Int("cooldown-bars", 0, "bars to wait after an exit before re-entry")
		maxLossStreak = flag.Int("max-consecutive-losses", 0, "halt the day after this many losses in a row")
		maxDailyLossR = flag.Float64("max-daily-loss-r", 0, "halt the day when losses reach this many R")
		maxTradesDay  = flag.Int("max-trades-day", 0, "per-day trade cap")
	)
	flag.Parse()

	if *list {
		for _, name := range strategy.Names() {
			fmt.Println(name)
		}
		return
	}
	if *stratName == "" {
		fail("missing -strategy (use -list to see choices)")
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fail("load config: %v", err)
		}
		cfg = loaded
	}
	logger := logging.New(cfg.LoggingConfig)

	iv, err := candle.ParseInterval(*interval)
	if err != nil {
		fail("%v", err)
	}

	overrides := strategy.Params{}
	if *params != "" {
		raw := map[string]float64{}
		if err := json.Unmarshal([]byte(*params), &raw); err != nil {
			fail("parse -params: %v", err)
		}
		for k, v := range raw {
			overrides[k] = strategy.Param{Value: v}
		}
	}
	strat, err := strategy.Create(*stratName, overrides)
	if err != nil {
		fail("%v", err)
	}

	endT := time.Now().UTC()
	if *end != "" {
		endT, err = time.Parse(time.RFC3339, *end)
		if err != nil {
			fail("parse -end: %v", err)
		}
	}
	startT := endT.AddDate(0, 0, -*days)
	if *start != "" {
		startT, err = time.Parse(time.RFC3339, *start)
		if err != nil {
			fail("parse -start: %v", err)
		}
	}
	if !startT.Before(endT) {
		fail("window start %s is not before end %s", startT, endT)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	candles, err := loadCandles(ctx, cfg, *source, *csvPath, *coin, iv, startT.UnixMilli(), endT.UnixMilli(), logger)
	if err != nil {
		fail("load candles: %v", err)
	}
	if len(candles) == 0 {
		fail("no candles for %s %s in %s..%s", *coin, iv, startT.Format(time.RFC3339), endT.Format(time.RFC3339))
	}

	engine := backtest.NewEngine(backtest.Config{
		Coin:           *coin,
		InitialCapital: *capital,
		Sizing: risk.Sizing{
			Mode:            cfg.SizingConfig.Mode,
			RiskPerTradeUsd: cfg.SizingConfig.RiskPerTradeUsd,
			CashPerTradeUsd: cfg.SizingConfig.CashPerTradeUsd,
		},
		SlippageBps:   cfg.ExecutionConfig.SlippageBps,
		CommissionPct: cfg.ExecutionConfig.CommissionPct,
		Guardrails: backtest.Guardrails{
			CooldownBars:         *cooldownBars,
			MaxConsecutiveLosses: *maxLossStreak,
			MaxDailyLossR:        *maxDailyLossR,
			MaxTradesPerDay:      *maxTradesDay,
		},
		SourceInterval: iv,
	}, logger)

	res, err := engine.Run(ctx, candles, strat)
	if err != nil {
		fail("%v", err)
	}

	res.WriteReport(os.Stdout)

	if *jsonOut != "" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fail("marshal result: %v", err)
		}
		if err := os.WriteFile(*jsonOut, data, 0o644); err != nil {
			fail("write %s: %v", *jsonOut, err)
		}
		fmt.Printf("\nFull result written to %s\n", *jsonOut)
	}
}

func loadCandles(
	ctx context.Context,
	cfg *config.Config,
	source, csvPath, coin string,
	iv candle.Interval,
	startMs, endMs int64,
	logger zerolog.Logger,
) ([]candle.Candle, error) {
	switch source {
	case "csv":
		if csvPath == "" {
			return nil, fmt.Errorf("-source csv needs -csv <file>")
		}
		f, err := os.Open(csvPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readCandleCSV(f)
	case "binance":
		src := ingest.NewBinanceSource(false, logger)
		return src.FetchCandles(ctx, coin, iv, startMs, endMs)
	case "hyperliquid":
		info := hyperliquid.NewInfoClient(cfg.HyperliquidConfig.BaseURL, logger)
		src := ingest.NewHyperliquidSource(info, nil, logger)
		return src.FetchCandles(ctx, coin, iv, startMs, endMs)
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
}

// readCandleCSV parses t,o,h,l,c,v rows with epoch-ms timestamps. A header
// row is skipped when the first field is not numeric.
func readCandleCSV(r io.Reader) ([]candle.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var out []candle.Candle
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		if len(record) < 6 {
			return nil, fmt.Errorf("line %d: want t,o,h,l,c,v, got %d fields", line, len(record))
		}
		t, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: bad timestamp %q", line, record[0])
		}

		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := strconv.ParseFloat(record[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value %q", line, record[i+1])
			}
			vals[i] = v
		}

		c := candle.Candle{T: t, O: vals[0], H: vals[1], L: vals[2], C: vals[3], V: vals[4]}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
